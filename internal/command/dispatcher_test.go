package command

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"huerto/go-mqtt-ingest/internal/transport"
)

type fakePublisher struct {
	topic   string
	payload []byte
	err     error
	calls   int
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.calls++
	p.topic = topic
	p.payload = payload
	return p.err
}

func newDispatcher(p Publisher) *Dispatcher {
	return NewDispatcher("huerto", p, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSendPublishesVerbatim(t *testing.T) {
	p := &fakePublisher{}
	d := newDispatcher(p)

	if err := d.Send("dev1", `{"pump":"on"} raw text`); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if p.topic != "huerto/dev1/command" {
		t.Errorf("topic = %q, want huerto/dev1/command", p.topic)
	}
	if string(p.payload) != `{"pump":"on"} raw text` {
		t.Errorf("payload = %q", p.payload)
	}
}

func TestSendReportsPublishFailure(t *testing.T) {
	p := &fakePublisher{err: transport.ErrNotConnected}
	d := newDispatcher(p)

	err := d.Send("dev1", "water_on")
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("err = %v, want ErrDispatch", err)
	}
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("err = %v, want it to wrap ErrNotConnected", err)
	}
	if p.calls != 1 {
		t.Errorf("publish calls = %d, want 1 (no retry)", p.calls)
	}
}

func TestSendRejectsInvalidDeviceIDs(t *testing.T) {
	for _, id := range []string{"", "dev/1", "dev+", "#"} {
		p := &fakePublisher{}
		err := newDispatcher(p).Send(id, "water_on")
		if !errors.Is(err, ErrDispatch) {
			t.Errorf("Send(%q) err = %v, want ErrDispatch", id, err)
		}
		if p.calls != 0 {
			t.Errorf("Send(%q) published", id)
		}
	}
}
