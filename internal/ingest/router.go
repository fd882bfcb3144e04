package ingest

import (
	"context"
	"log/slog"
	"strings"

	"huerto/go-mqtt-ingest/internal/model"
	"huerto/go-mqtt-ingest/internal/stats"
	"huerto/go-mqtt-ingest/internal/transport"
)

// Filters returns the three subscriptions covering every device under base.
func Filters(base string) []string {
	return []string{
		base + "/+/" + string(model.KindTelemetry),
		base + "/+/" + string(model.KindStatus),
		base + "/+/" + string(model.KindHeartbeat),
	}
}

// Router decodes inbound messages and hands each one to the handler
// registered for its topic's trailing segment.
type Router struct {
	handlers map[model.Kind]Handler
	stats    *stats.Stats
	logger   *slog.Logger
}

func NewRouter(st *stats.Stats, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[model.Kind]Handler),
		stats:    st,
		logger:   logger,
	}
}

// Handle registers h for kind. Register before Run.
func (r *Router) Handle(kind model.Kind, h Handler) {
	r.handlers[kind] = h
}

// Route processes one message synchronously. Undecodable payloads are
// counted as errors and discarded; unknown topics are dropped.
func (r *Router) Route(ctx context.Context, topic string, payload []byte) {
	r.stats.MessageReceived()

	doc, err := Decode(payload)
	if err != nil {
		r.stats.Error()
		r.logger.Error("discarded undecodable message", "topic", topic, "error", err)
		return
	}

	kind, device := classify(topic)
	h, ok := r.handlers[kind]
	if !ok {
		r.logger.Debug("dropped message on unrouted topic", "topic", topic)
		return
	}

	h.Handle(ctx, Message{Topic: topic, Device: device, Doc: doc})
}

// Run consumes events until ctx is done or the channel is closed. Only one
// Run should consume a given channel so handlers execute one at a time.
func (r *Router) Run(ctx context.Context, events <-chan transport.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.Route(ctx, ev.Topic, ev.Payload)
		}
	}
}

// classify splits a topic into its trailing kind segment and the device
// segment before it.
func classify(topic string) (model.Kind, string) {
	segments := strings.Split(topic, "/")
	kind := model.Kind(segments[len(segments)-1])
	if len(segments) < 2 {
		return kind, ""
	}
	return kind, segments[len(segments)-2]
}
