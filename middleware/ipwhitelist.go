package middleware

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// IPWhitelist returns a middleware that only allows requests from the
// given IPs or CIDR ranges. If the whitelist is empty, all IPs are allowed.
func IPWhitelist(entries []string) gin.HandlerFunc {
	exact := make(map[string]bool, len(entries))
	var nets []*net.IPNet
	for _, e := range entries {
		if _, n, err := net.ParseCIDR(e); err == nil {
			nets = append(nets, n)
			continue
		}
		exact[e] = true
	}
	allowed := func(ipStr string) bool {
		if exact[ipStr] {
			return true
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return false
		}
		for _, n := range nets {
			if n.Contains(ip) {
				return true
			}
		}
		return false
	}
	return func(c *gin.Context) {
		if len(entries) == 0 {
			c.Next()
			return
		}
		if !allowed(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}
		c.Next()
	}
}
