package kit

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by integration calls made after Close.
var ErrClosed = errors.New("integration closed")

// Lifecycle makes an integration's Close idempotent and lets its other
// methods refuse work once closed.
type Lifecycle struct {
	once   sync.Once
	closed atomic.Bool
	err    error
}

// Close runs release at most once and returns its result on every call.
func (l *Lifecycle) Close(release func() error) error {
	l.once.Do(func() {
		l.closed.Store(true)
		if release != nil {
			l.err = release()
		}
	})
	return l.err
}

// Check returns ErrClosed after Close.
func (l *Lifecycle) Check() error {
	if l.closed.Load() {
		return ErrClosed
	}
	return nil
}
