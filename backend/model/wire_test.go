package model

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWireSend(t *testing.T) {
	w := NewWire()
	if w.ID() == "" {
		t.Fatal("wire id is empty")
	}

	if err := w.Send(context.Background(), Outbound{Type: TypePong}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	msg := <-w.TX
	if msg.Type != TypePong {
		t.Errorf("expected %q, got %q", TypePong, msg.Type)
	}
}

func TestWireSendAfterClose(t *testing.T) {
	w := NewWire()
	w.Close()
	w.Close()

	err := w.Send(context.Background(), Outbound{Type: TypePong})
	if !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
	select {
	case <-w.Done():
	default:
		t.Fatal("done channel is not closed")
	}
}

func TestWireSendRacingClose(t *testing.T) {
	for i := 0; i < 100; i++ {
		w := NewWire()
		w.sendTimeout = time.Minute
		for j := 0; j < cap(w.TX); j++ {
			if err := w.Send(context.Background(), Outbound{}); err != nil {
				t.Fatalf("send %d failed: %v", j, err)
			}
		}

		errc := make(chan error, 1)
		go func() {
			errc <- w.Send(context.Background(), Outbound{Type: TypePong})
		}()
		w.Close()
		<-w.TX

		if err := <-errc; !errors.Is(err, ErrConnClosed) {
			t.Fatalf("round %d: send to a closed wire returned %v", i, err)
		}
	}
}

func TestWireSendTimeout(t *testing.T) {
	w := NewWire()
	w.sendTimeout = 10 * time.Millisecond
	for i := 0; i < cap(w.TX); i++ {
		if err := w.Send(context.Background(), Outbound{}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	err := w.Send(context.Background(), Outbound{})
	if !errors.Is(err, ErrSendTimeout) {
		t.Fatalf("expected ErrSendTimeout, got %v", err)
	}
}

func TestErrorMatchesByCode(t *testing.T) {
	err := errors.Join(errors.New("context"), NewError(CodeForbidden, "role user is not allowed"))
	if !errors.Is(err, ErrForbidden) {
		t.Error("expected coded error to match sentinel with the same code")
	}
	if errors.Is(err, ErrAuthRequired) {
		t.Error("coded error must not match a different code")
	}
	if code := CodeOf(err); code != CodeForbidden {
		t.Errorf("expected %q, got %q", CodeForbidden, code)
	}
	if code := CodeOf(errors.New("boom")); code != CodeInternal {
		t.Errorf("expected %q, got %q", CodeInternal, code)
	}
	if p := PayloadOf(errors.New("secret detail")); p.Message == "secret detail" {
		t.Error("internal error details leaked into payload")
	}
}
