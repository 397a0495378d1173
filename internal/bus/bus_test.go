package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
)

type published struct {
	subject string
	data    []byte
}

// fakeConn records publishes instead of talking to a server.
type fakeConn struct {
	mu        sync.Mutex
	msgs      []published
	status    nats.Status
	err       error
	drained   bool
	closed    bool
	drainFail bool
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subj, data})
	return nil
}

func (f *fakeConn) Status() nats.Status { return f.status }

func (f *fakeConn) Drain() error {
	f.drained = true
	if f.drainFail {
		return errors.New("drain timeout")
	}
	return nil
}

func (f *fakeConn) Close() { f.closed = true }

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeConn{status: nats.CONNECTED}
	p := NewNATSPublisher(conn, "drill", nil)

	payload := map[string]any{"sessionId": "s1", "reason": "timeout"}
	if err := p.Publish(context.Background(), SubjectEnded, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(conn.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(conn.msgs))
	}
	if conn.msgs[0].subject != "drill.session.ended" {
		t.Errorf("subject = %q, want drill.session.ended", conn.msgs[0].subject)
	}
	var got map[string]any
	if err := json.Unmarshal(conn.msgs[0].data, &got); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if got["sessionId"] != "s1" {
		t.Errorf("payload = %v", got)
	}
}

func TestNATSPublisher_Errors(t *testing.T) {
	t.Run("publish failure", func(t *testing.T) {
		conn := &fakeConn{err: nats.ErrConnectionClosed}
		p := NewNATSPublisher(conn, "drill", nil)
		err := p.Publish(context.Background(), SubjectStarted, struct{}{})
		if !errors.Is(err, nats.ErrConnectionClosed) {
			t.Errorf("err = %v, want ErrConnectionClosed", err)
		}
	})

	t.Run("unencodable payload", func(t *testing.T) {
		p := NewNATSPublisher(&fakeConn{}, "", nil)
		if err := p.Publish(context.Background(), SubjectStarted, make(chan int)); err == nil {
			t.Error("expected marshal error")
		}
	})
}

func TestNATSPublisher_SubjectWithoutPrefix(t *testing.T) {
	p := NewNATSPublisher(&fakeConn{}, "", nil)
	if got := p.Subject(SubjectStepBack); got != "session.stepback" {
		t.Errorf("Subject = %q", got)
	}
}

func TestNATSPublisher_Connected(t *testing.T) {
	conn := &fakeConn{status: nats.RECONNECTING}
	p := NewNATSPublisher(conn, "drill", nil)
	if p.Connected() {
		t.Error("Connected() = true while reconnecting")
	}
	conn.status = nats.CONNECTED
	if !p.Connected() {
		t.Error("Connected() = false while connected")
	}
}

func TestNATSPublisher_Close(t *testing.T) {
	conn := &fakeConn{drainFail: true}
	NewNATSPublisher(conn, "drill", nil).Close()
	if !conn.drained || !conn.closed {
		t.Errorf("drained=%v closed=%v, want both after failed drain", conn.drained, conn.closed)
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	if err := p.Publish(context.Background(), SubjectStarted, nil); err != nil {
		t.Errorf("NopPublisher.Publish: %v", err)
	}
	p.Close()
}
