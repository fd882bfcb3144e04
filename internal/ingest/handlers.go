package ingest

import (
	"context"
	"log/slog"
	"time"

	"huerto/go-mqtt-ingest/internal/model"
	"huerto/go-mqtt-ingest/internal/stats"
)

// writeTimeout bounds a single storage append.
const writeTimeout = 5 * time.Second

// Message is a decoded inbound message addressed to one handler.
type Message struct {
	Topic string
	// Device is the device segment of the topic, empty when the topic has none.
	Device string
	Doc    Document
}

// Handler consumes one decoded message. Implementations never return
// failures to the caller; they count and log them instead.
type Handler interface {
	Handle(ctx context.Context, msg Message)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg Message)

func (f HandlerFunc) Handle(ctx context.Context, msg Message) { f(ctx, msg) }

type TelemetryAppender interface {
	AppendTelemetry(ctx context.Context, r model.TelemetryRecord) (int64, error)
}

type StatusAppender interface {
	AppendStatus(ctx context.Context, r model.StatusRecord) (int64, error)
}

type HeartbeatAppender interface {
	AppendHeartbeat(ctx context.Context, r model.HeartbeatRecord) (int64, error)
}

type handlerBase struct {
	kind   model.Kind
	stats  *stats.Stats
	logger *slog.Logger
}

func newBase(kind model.Kind, st *stats.Stats, logger *slog.Logger) handlerBase {
	if logger == nil {
		logger = slog.Default()
	}
	return handlerBase{kind: kind, stats: st, logger: logger.With("kind", string(kind))}
}

// recoverPanic must be deferred directly by Handle.
func (b handlerBase) recoverPanic(msg Message) {
	if r := recover(); r != nil {
		b.stats.Error()
		b.logger.Error("handler panic", "topic", msg.Topic, "panic", r)
	}
}

func (b handlerBase) failed(msg Message, device string, err error) {
	b.stats.Error()
	b.logger.Error("failed to persist record", "topic", msg.Topic, "device", device, "error", err)
}

// writeContext keeps an in-flight append alive through shutdown.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

// fieldReader extracts optional fields, remembering which ones held values
// of the wrong type so they can be reported once per message.
type fieldReader struct {
	doc     Document
	invalid []string
}

func (f *fieldReader) str(key string) *string {
	v, err := f.doc.String(key)
	if err != nil {
		f.invalid = append(f.invalid, key)
	}
	return v
}

func (f *fieldReader) float(key string) *float64 {
	v, err := f.doc.Float(key)
	if err != nil {
		f.invalid = append(f.invalid, key)
	}
	return v
}

func (f *fieldReader) number(key string) *model.Number {
	v, err := f.doc.Number(key)
	if err != nil {
		f.invalid = append(f.invalid, key)
	}
	return v
}

// device reads device_id, falling back to the topic's device segment.
func (f *fieldReader) device(fromTopic string) *string {
	if id := f.str("device_id"); id != nil && *id != "" {
		return id
	}
	if fromTopic != "" {
		return &fromTopic
	}
	return nil
}

func (f *fieldReader) report(b handlerBase, msg Message) {
	if len(f.invalid) > 0 {
		b.logger.Warn("stored invalid fields as null", "topic", msg.Topic, "fields", f.invalid)
	}
}

// TelemetryHandler persists sensor samples from <base>/<device>/data.
type TelemetryHandler struct {
	handlerBase
	store TelemetryAppender
}

func NewTelemetryHandler(store TelemetryAppender, st *stats.Stats, logger *slog.Logger) *TelemetryHandler {
	return &TelemetryHandler{handlerBase: newBase(model.KindTelemetry, st, logger), store: store}
}

func (h *TelemetryHandler) Handle(ctx context.Context, msg Message) {
	defer h.recoverPanic(msg)

	f := fieldReader{doc: msg.Doc}
	rec := model.TelemetryRecord{
		DeviceID:        f.device(msg.Device),
		Timestamp:       f.number("timestamp"),
		TempAmbient:     f.float("temp_ambient"),
		TempSoil:        f.float("temp_soil"),
		HumidityAmbient: f.float("humidity_ambient"),
		HumiditySoil:    f.float("humidity_soil"),
		LightLevel:      f.number("light_level"),
	}
	f.report(h.handlerBase, msg)

	writeCtx, cancel := writeContext(ctx)
	defer cancel()

	id, err := h.store.AppendTelemetry(writeCtx, rec)
	if err != nil {
		h.failed(msg, rec.Device(), err)
		return
	}

	h.stats.DataRecord()
	h.logger.Info("ingested telemetry", "device", rec.Device(), "id", id)
}

// StatusHandler persists status updates from <base>/<device>/status.
type StatusHandler struct {
	handlerBase
	store StatusAppender
}

func NewStatusHandler(store StatusAppender, st *stats.Stats, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{handlerBase: newBase(model.KindStatus, st, logger), store: store}
}

func (h *StatusHandler) Handle(ctx context.Context, msg Message) {
	defer h.recoverPanic(msg)

	f := fieldReader{doc: msg.Doc}
	rec := model.StatusRecord{
		DeviceID:  f.device(msg.Device),
		Status:    f.str("status"),
		IPAddress: f.str("ip"),
		Timestamp: f.number("timestamp"),
	}
	f.report(h.handlerBase, msg)

	writeCtx, cancel := writeContext(ctx)
	defer cancel()

	id, err := h.store.AppendStatus(writeCtx, rec)
	if err != nil {
		h.failed(msg, rec.Device(), err)
		return
	}

	h.stats.StatusUpdate()
	h.logger.Info("ingested status", "device", rec.Device(), "status", deref(rec.Status), "id", id)
}

// HeartbeatHandler persists heartbeats from <base>/<device>/heartbeat.
type HeartbeatHandler struct {
	handlerBase
	store HeartbeatAppender
}

func NewHeartbeatHandler(store HeartbeatAppender, st *stats.Stats, logger *slog.Logger) *HeartbeatHandler {
	return &HeartbeatHandler{handlerBase: newBase(model.KindHeartbeat, st, logger), store: store}
}

func (h *HeartbeatHandler) Handle(ctx context.Context, msg Message) {
	defer h.recoverPanic(msg)

	f := fieldReader{doc: msg.Doc}
	rec := model.HeartbeatRecord{
		DeviceID:  f.device(msg.Device),
		Uptime:    f.number("uptime"),
		Timestamp: f.number("timestamp"),
	}
	f.report(h.handlerBase, msg)

	writeCtx, cancel := writeContext(ctx)
	defer cancel()

	id, err := h.store.AppendHeartbeat(writeCtx, rec)
	if err != nil {
		h.failed(msg, rec.Device(), err)
		return
	}

	h.stats.Heartbeat()
	h.logger.Debug("ingested heartbeat", "device", rec.Device(), "id", id)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
