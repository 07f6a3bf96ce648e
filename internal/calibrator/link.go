package calibrator

import (
	"context"
	"fmt"

	"github.com/rachitkumar205/notesync/internal/transport"
	"github.com/rachitkumar205/notesync/internal/wire"
)

// TransportLink adapts a transport.Transport opened against the
// configured time master into a MasterLink, sending one TIME_QUERY and
// waiting for the matching TIME_REPLY per sample.
type TransportLink struct {
	Open func(ctx context.Context) (transport.Transport, error)
}

// TimeQuery opens a fresh transport to the master, exchanges a single
// TIME_QUERY/TIME_REPLY pair, and closes it. A new transport per query
// keeps calibration samples independent of any in-flight reconciliation
// session's own stream.
func (l *TransportLink) TimeQuery(ctx context.Context) (int64, error) {
	t, err := l.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("calibrator: open master transport: %w", err)
	}
	defer t.Close()

	if err := t.Send(ctx, wire.TimeQuery{}); err != nil {
		return 0, fmt.Errorf("calibrator: send TIME_QUERY: %w", err)
	}
	msg, err := t.Recv(ctx)
	if err != nil {
		return 0, fmt.Errorf("calibrator: recv TIME_REPLY: %w", err)
	}
	reply, ok := msg.(wire.TimeReply)
	if !ok {
		return 0, fmt.Errorf("calibrator: expected TIME_REPLY, got %T", msg)
	}
	return reply.MasterMS, nil
}
