package model

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultWireTXBuffer    = 32
	defaultWireSendTimeout = time.Second
)

var (
	ErrConnClosed  = errors.New("connection is closed")
	ErrSendTimeout = errors.New("dead endpoint: send timed out")
)

// Conn is the server side of one client connection as seen by rooms.
type Conn interface {
	ID() string
	Send(ctx context.Context, msg Outbound) error
	Close()
}

// Wire connects a transport session to the rest of the server.
// RX carries raw inbound frames and is closed by the transport when it stops reading.
// TX carries outbound envelopes to the transport writer.
type Wire struct {
	RX chan []byte
	TX chan Outbound

	id          string
	sendTimeout time.Duration
	done        chan struct{}
	once        sync.Once
}

func NewWire() *Wire {
	return &Wire{
		RX:          make(chan []byte),
		TX:          make(chan Outbound, defaultWireTXBuffer),
		id:          uuid.NewString(),
		sendTimeout: defaultWireSendTimeout,
		done:        make(chan struct{}),
	}
}

func (w *Wire) ID() string { return w.id }

// Send queues msg for the writer. It fails when the wire is closed or
// when the writer does not drain the queue within the send timeout.
func (w *Wire) Send(ctx context.Context, msg Outbound) error {
	select {
	case <-w.done:
		return ErrConnClosed
	default:
	}

	tCh := time.NewTimer(w.sendTimeout)
	defer tCh.Stop()

	select {
	case <-w.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-tCh.C:
		return ErrSendTimeout
	case w.TX <- msg:
		// the wire may have been closed while we waited for a TX slot
		select {
		case <-w.done:
			return ErrConnClosed
		default:
			return nil
		}
	}
}

// Close marks the wire as dead. It is safe to call more than once.
func (w *Wire) Close() {
	w.once.Do(func() {
		close(w.done)
	})
}

func (w *Wire) Done() <-chan struct{} {
	return w.done
}
