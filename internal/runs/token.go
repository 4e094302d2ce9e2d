package runs

import (
	"sync"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// CancelToken is a cooperative cancellation handle. Executors check it at
// yield points; long waits must poll at least every 250ms.
type CancelToken struct {
	mu     sync.Mutex
	reason string
	done   chan struct{}
}

// NewCancelToken returns an untripped token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel trips the token with a reason code. First reason wins.
func (t *CancelToken) Cancel(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reason != "" {
		return
	}
	if reason == "" {
		reason = protocol.CodeRunCanceled
	}
	t.reason = reason
	close(t.done)
}

// Canceled reports whether the token has been tripped.
func (t *CancelToken) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason != ""
}

// Reason returns the cancellation reason code, or "" when not canceled.
func (t *CancelToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Err returns a coded error when the token is tripped, nil otherwise.
// This is the yield-point check executors are expected to call.
func (t *CancelToken) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reason == "" {
		return nil
	}
	return protocol.NewError(t.reason, "run canceled")
}

// Done returns a channel closed when the token trips. Useful in selects.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
