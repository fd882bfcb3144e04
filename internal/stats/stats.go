package stats

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Stats is the set of ingestion counters. The zero value is ready to use and
// every method is safe for concurrent callers.
type Stats struct {
	messagesReceived atomic.Uint64
	dataRecords      atomic.Uint64
	statusUpdates    atomic.Uint64
	heartbeats       atomic.Uint64
	errors           atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	MessagesReceived uint64 `json:"messages_received"`
	DataRecords      uint64 `json:"data_records"`
	StatusUpdates    uint64 `json:"status_updates"`
	Heartbeats       uint64 `json:"heartbeats"`
	Errors           uint64 `json:"errors"`
}

func New() *Stats { return &Stats{} }

func (s *Stats) MessageReceived() { s.messagesReceived.Add(1) }
func (s *Stats) DataRecord() { s.dataRecords.Add(1) }
func (s *Stats) StatusUpdate() { s.statusUpdates.Add(1) }
func (s *Stats) Heartbeat() { s.heartbeats.Add(1) }
func (s *Stats) Error() { s.errors.Add(1) }

// Snapshot reads each counter once. Counters are independent, so a snapshot
// taken during ingestion may reflect a message that is only partly counted.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		MessagesReceived: s.messagesReceived.Load(),
		DataRecords:      s.dataRecords.Load(),
		StatusUpdates:    s.statusUpdates.Load(),
		Heartbeats:       s.heartbeats.Load(),
		Errors:           s.errors.Load(),
	}
}

// LogValue renders the snapshot as a slog group.
func (s Snapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("messages_received", s.MessagesReceived),
		slog.Uint64("data_records", s.DataRecords),
		slog.Uint64("status_updates", s.StatusUpdates),
		slog.Uint64("heartbeats", s.Heartbeats),
		slog.Uint64("errors", s.Errors),
	)
}

// Reporter periodically logs a snapshot of the counters.
type Reporter struct {
	stats    *Stats
	interval time.Duration
	logger   *slog.Logger
}

func NewReporter(s *Stats, interval time.Duration, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{stats: s, interval: interval, logger: logger}
}

// Run logs until ctx is done. It never touches storage.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.logger.Info("ingestion stats", "stats", r.stats.Snapshot())
		}
	}
}
