package inflight

import (
	"context"
	"sync"
)

// Token represents an asynchronous protocol exchange that can be waited
// on: a QoS 1/2 publish, a subscribe, or an unsubscribe. The token
// resolves when the terminal acknowledgment arrives. Waiting with a
// context deadline abandons the wait but never cancels the exchange; the
// tracker still completes it and reclaims the packet identifier.
type Token struct {
	done chan struct{}
	once sync.Once

	err    error
	grants []byte
}

func newToken() *Token {
	return &Token{
		done: make(chan struct{}),
	}
}

// CompletedToken returns a token that has already resolved successfully.
// QoS 0 publishes hand one back: there is no acknowledgment to wait for.
func CompletedToken() *Token {
	t := newToken()
	t.complete(nil)
	return t
}

// Wait blocks until the exchange completes or the context is done
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that closes when the exchange is complete
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Error returns the outcome once Done is closed
func (t *Token) Error() error {
	return t.err
}

// ReturnCodes returns the granted QoS list (or 0x80 failure markers) once
// a SUBACK has resolved the token. Nil for publish and unsubscribe tokens.
func (t *Token) ReturnCodes() []byte {
	return t.grants
}

func (t *Token) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *Token) completeWithGrants(err error, grants []byte) {
	t.once.Do(func() {
		t.err = err
		t.grants = grants
		close(t.done)
	})
}
