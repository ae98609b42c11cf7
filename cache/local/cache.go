package local

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// ErrNotInteger is returned by HIncrBy when the field holds a non-integer.
var ErrNotInteger = errors.New("cache: hash value is not an integer")

// Config holds LocalCache settings.
type Config struct {
	GCInterval time.Duration
}

// entry holds a cached string value with an optional expiry.
type entry struct {
	data     string
	expireAt time.Time
	noExpiry bool
}

func (e *entry) expired() bool {
	return !e.noExpiry && time.Now().After(e.expireAt)
}

// LocalCache is an in-process cache implementing the Cache interface.
type LocalCache struct {
	mu         sync.Mutex // makes SetNX and HIncrBy atomic
	kv         sync.Map   // key → *entry
	hashes     sync.Map   // key → *lockedHash
	sets       sync.Map   // key → *lockedSet
	gcInterval time.Duration
	stopGC     chan struct{}
	closeOnce  sync.Once
}

// NewCache creates a LocalCache and starts the background GC goroutine.
func NewCache(cfg Config) (*LocalCache, error) {
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &LocalCache{
		gcInterval: interval,
		stopGC:     make(chan struct{}),
	}
	go c.runGC()
	return c, nil
}

// Close stops the background GC goroutine.
func (c *LocalCache) Close() {
	c.closeOnce.Do(func() { close(c.stopGC) })
}

func (c *LocalCache) runGC() {
	ticker := time.NewTicker(c.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.kv.Range(func(k, v interface{}) bool {
				if e, ok := v.(*entry); ok && e.expired() {
					c.kv.Delete(k)
				}
				return true
			})
		case <-c.stopGC:
			return
		}
	}
}

// ---- KV ----

func (c *LocalCache) Get(_ context.Context, key string) (string, error) {
	v, ok := c.kv.Load(key)
	if !ok {
		return "", ErrNotFound
	}
	e := v.(*entry)
	if e.expired() {
		c.kv.Delete(key)
		return "", ErrNotFound
	}
	return e.data, nil
}

func (c *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.kv.Store(key, newEntry(value, ttl))
	return nil
}

// Del removes keys of any type, like Redis DEL.
func (c *LocalCache) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		c.kv.Delete(k)
		c.hashes.Delete(k)
		c.sets.Delete(k)
	}
	return nil
}

func (c *LocalCache) Exists(_ context.Context, key string) (bool, error) {
	v, ok := c.kv.Load(key)
	if !ok {
		return false, nil
	}
	e := v.(*entry)
	if e.expired() {
		c.kv.Delete(key)
		return false, nil
	}
	return true, nil
}

func (c *LocalCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.kv.Load(key); ok {
		if e, ok2 := v.(*entry); ok2 && !e.expired() {
			return false, nil
		}
	}
	c.kv.Store(key, newEntry(value, ttl))
	return true, nil
}

func (c *LocalCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	v, ok := c.kv.Load(key)
	if !ok {
		return ErrNotFound
	}
	e := v.(*entry)
	if e.expired() {
		c.kv.Delete(key)
		return ErrNotFound
	}
	c.kv.Store(key, newEntry(e.data, ttl))
	return nil
}

func newEntry(value string, ttl time.Duration) *entry {
	e := &entry{data: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	} else {
		e.noExpiry = true
	}
	return e
}

// ---- Hash ----

type lockedHash struct {
	mu     sync.RWMutex
	fields map[string]string
}

func (c *LocalCache) getOrCreateHash(key string) *lockedHash {
	v, _ := c.hashes.LoadOrStore(key, &lockedHash{fields: make(map[string]string)})
	return v.(*lockedHash)
}

func (c *LocalCache) HSet(_ context.Context, key, field, value string) error {
	h := c.getOrCreateHash(key)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fields[field] = value
	return nil
}

func (c *LocalCache) HMSet(_ context.Context, key string, fields map[string]string) error {
	h := c.getOrCreateHash(key)
	h.mu.Lock()
	defer h.mu.Unlock()
	for f, v := range fields {
		h.fields[f] = v
	}
	return nil
}

func (c *LocalCache) HGet(_ context.Context, key, field string) (string, error) {
	h := c.getOrCreateHash(key)
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.fields[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (c *LocalCache) HGetAll(_ context.Context, key string) (map[string]string, error) {
	h := c.getOrCreateHash(key)
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]string, len(h.fields))
	for k, v := range h.fields {
		result[k] = v
	}
	return result, nil
}

func (c *LocalCache) HDel(_ context.Context, key string, fields ...string) error {
	h := c.getOrCreateHash(key)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range fields {
		delete(h.fields, f)
	}
	return nil
}

func (c *LocalCache) HIncrBy(_ context.Context, key, field string, incr int64) (int64, error) {
	h := c.getOrCreateHash(key)
	h.mu.Lock()
	defer h.mu.Unlock()
	var cur int64
	if raw, ok := h.fields[field]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		cur = n
	}
	cur += incr
	h.fields[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// ---- Set ----

type lockedSet struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

func (c *LocalCache) getOrCreateSet(key string) *lockedSet {
	v, _ := c.sets.LoadOrStore(key, &lockedSet{members: make(map[string]struct{})})
	return v.(*lockedSet)
}

func (c *LocalCache) SAdd(_ context.Context, key string, members ...string) (int64, error) {
	s := c.getOrCreateSet(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range members {
		if _, ok := s.members[m]; !ok {
			s.members[m] = struct{}{}
			n++
		}
	}
	return n, nil
}

func (c *LocalCache) SRem(_ context.Context, key string, members ...string) (int64, error) {
	s := c.getOrCreateSet(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range members {
		if _, ok := s.members[m]; ok {
			delete(s.members, m)
			n++
		}
	}
	return n, nil
}

func (c *LocalCache) SMembers(_ context.Context, key string) ([]string, error) {
	s := c.getOrCreateSet(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]string, 0, len(s.members))
	for m := range s.members {
		result = append(result, m)
	}
	return result, nil
}

func (c *LocalCache) SIsMember(_ context.Context, key, member string) (bool, error) {
	s := c.getOrCreateSet(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[member]
	return ok, nil
}

func (c *LocalCache) SCard(_ context.Context, key string) (int64, error) {
	s := c.getOrCreateSet(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.members)), nil
}
