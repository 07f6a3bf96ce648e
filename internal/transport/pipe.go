package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send/Recv once the transport has been closed.
var ErrClosed = errors.New("transport: closed")

// pipeEnd is one side of an in-memory, in-process Transport pair, used
// to exercise the Reconciler's protocol logic in tests without a real
// network.
type pipeEnd struct {
	out chan any
	in  <-chan any

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPipe returns two Transports, a and b, where a.Send delivers to
// b.Recv and vice versa.
func NewPipe() (a, b Transport) {
	ab := make(chan any, 64)
	ba := make(chan any, 64)

	pa := &pipeEnd{out: ab, in: ba, closed: make(chan struct{})}
	pb := &pipeEnd{out: ba, in: ab, closed: make(chan struct{})}
	return pa, pb
}

func (p *pipeEnd) Send(ctx context.Context, msg any) error {
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (any, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
