package stats

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestConcurrentIncrements(t *testing.T) {
	s := New()

	const workers, perWorker = 16, 500
	var waitGroup sync.WaitGroup
	for i := 0; i < workers; i++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			for j := 0; j < perWorker; j++ {
				s.MessageReceived()
				s.DataRecord()
				_ = s.Snapshot()
			}
		}()
	}
	waitGroup.Wait()

	snap := s.Snapshot()
	if snap.MessagesReceived != workers*perWorker {
		t.Errorf("MessagesReceived = %d, want %d", snap.MessagesReceived, workers*perWorker)
	}
	if snap.DataRecords != workers*perWorker {
		t.Errorf("DataRecords = %d, want %d", snap.DataRecords, workers*perWorker)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	s.Error()
	s.StatusUpdate()
	s.Heartbeat()

	snap := s.Snapshot()
	snap.Errors = 99

	got := s.Snapshot()
	if got.Errors != 1 || got.StatusUpdates != 1 || got.Heartbeats != 1 {
		t.Errorf("snapshot = %+v, want errors/status/heartbeats = 1", got)
	}
}

func TestReporterLogsSnapshot(t *testing.T) {
	s := New()
	s.MessageReceived()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- NewReporter(s, 10*time.Millisecond, logger).Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "ingestion stats") || !strings.Contains(out, "stats.messages_received=1") {
		t.Errorf("log output = %q", out)
	}
}
