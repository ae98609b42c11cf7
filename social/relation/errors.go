package relation

import "errors"

// Precondition failures. These are terminal and never retried automatically.
var (
	ErrSelfRequest           = errors.New("you cannot do that to yourself")
	ErrAlreadyFriends        = errors.New("you are already friends")
	ErrRequestAlreadyPending = errors.New("friend request already pending")
	ErrBlocked               = errors.New("this user cannot be contacted")
	ErrNoPendingRequest      = errors.New("no pending friend request")
	ErrNotRecipient          = errors.New("only the recipient can answer this request")
	ErrNotInitiator          = errors.New("only the sender can cancel this request")
	ErrNoSuchFriendship      = errors.New("you are not friends with this user")
	ErrInvalidReason         = errors.New("a valid reason is required")
	ErrNotBlocked            = errors.New("this user is not blocked")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrUnknownOp             = errors.New("unsupported operation")
)

// Retryable failures.
var (
	ErrTimeout        = errors.New("request timed out, try again")
	ErrTransientStore = errors.New("temporary storage failure, try again")
)

// ErrConflict reports a lost compare-and-swap race. The service handles it
// by re-reading the edge; it never reaches callers.
var ErrConflict = errors.New("relation: version conflict")

var codes = []struct {
	err  error
	code string
}{
	{ErrSelfRequest, "self_request"},
	{ErrAlreadyFriends, "already_friends"},
	{ErrRequestAlreadyPending, "request_already_pending"},
	{ErrBlocked, "blocked"},
	{ErrNoPendingRequest, "no_pending_request"},
	{ErrNotRecipient, "not_recipient"},
	{ErrNotInitiator, "not_initiator"},
	{ErrNoSuchFriendship, "no_such_friendship"},
	{ErrInvalidReason, "invalid_reason"},
	{ErrNotBlocked, "not_blocked"},
	{ErrInvalidUserID, "invalid_user_id"},
	{ErrUnknownOp, "unknown_op"},
	{ErrTimeout, "timeout"},
	{ErrTransientStore, "transient_store_failure"},
}

// Code returns a stable snake_case code for err, or "internal".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// Retryable reports whether the caller may retry after err.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransientStore)
}
