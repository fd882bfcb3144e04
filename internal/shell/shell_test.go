package shell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"huerto/go-mqtt-ingest/internal/model"
	"huerto/go-mqtt-ingest/internal/stats"
)

type fakeStore struct {
	device  string
	limit   int
	records []model.TelemetryRecord
	devices []string
	err     error
}

func (f *fakeStore) QueryTelemetry(_ context.Context, deviceID string, limit int) ([]model.TelemetryRecord, error) {
	f.device, f.limit = deviceID, limit
	return f.records, f.err
}

func (f *fakeStore) Devices(context.Context) ([]string, error) {
	return f.devices, f.err
}

type fakeSender struct {
	deviceID, command string
	err               error
}

func (f *fakeSender) Send(deviceID, command string) error {
	f.deviceID, f.command = deviceID, command
	return f.err
}

func newShell(in string, st Store, sender Sender, counters *stats.Stats) (*Shell, *bytes.Buffer) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(strings.NewReader(in), &out, st, sender, counters, logger), &out
}

func TestCommandJoinsText(t *testing.T) {
	sender := &fakeSender{}
	sh, out := newShell("", &fakeStore{}, sender, stats.New())

	if quit := sh.Exec(context.Background(), "command dev1 water on 5m"); quit {
		t.Fatal("command should not quit")
	}
	if sender.deviceID != "dev1" || sender.command != "water on 5m" {
		t.Errorf("sent %q/%q", sender.deviceID, sender.command)
	}
	if !strings.Contains(out.String(), `sent "water on 5m" to dev1`) {
		t.Errorf("output = %q", out.String())
	}
}

func TestCommandUsageAndFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("dispatch error: not connected")}
	sh, out := newShell("", &fakeStore{}, sender, stats.New())

	sh.Exec(context.Background(), "command dev1")
	if !strings.Contains(out.String(), "usage: command") {
		t.Errorf("output = %q, want usage", out.String())
	}

	sh.Exec(context.Background(), "command dev1 water_on")
	if !strings.Contains(out.String(), "error: dispatch error") {
		t.Errorf("output = %q, want error", out.String())
	}
}

func TestDataUsesDeviceAndLimit(t *testing.T) {
	device, temp := "dev1", 21.5
	st := &fakeStore{records: []model.TelemetryRecord{{
		ID:          7,
		DeviceID:    &device,
		TempAmbient: &temp,
		CreatedAt:   time.Now(),
	}}}
	sh, out := newShell("", st, &fakeSender{}, stats.New())

	sh.Exec(context.Background(), "data dev1")

	if st.device != "dev1" || st.limit != recentLimit {
		t.Errorf("query = %q/%d, want dev1/%d", st.device, st.limit, recentLimit)
	}
	got := out.String()
	if !strings.Contains(got, "#7 dev1") || !strings.Contains(got, "t_amb=21.5") || !strings.Contains(got, "t_soil=-") {
		t.Errorf("output = %q", got)
	}
}

func TestStatsAndDevices(t *testing.T) {
	counters := stats.New()
	for i := 0; i < 1500; i++ {
		counters.MessageReceived()
	}
	st := &fakeStore{devices: []string{"dev1", "dev2"}}
	sh, out := newShell("", st, &fakeSender{}, counters)

	sh.Exec(context.Background(), "stats")
	sh.Exec(context.Background(), "devices")
	sh.Exec(context.Background(), "bogus")

	got := out.String()
	if !strings.Contains(got, "messages: 1,500") {
		t.Errorf("stats output = %q", got)
	}
	if !strings.Contains(got, "dev1\ndev2") {
		t.Errorf("devices output = %q", got)
	}
	if !strings.Contains(got, `unknown command "bogus"`) {
		t.Errorf("unknown output = %q", got)
	}
}

func TestRunStopsOnQuit(t *testing.T) {
	sender := &fakeSender{}
	sh, out := newShell("stats\nquit\ncommand dev1 never\n", &fakeStore{}, sender, stats.New())

	if err := sh.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sender.deviceID != "" {
		t.Error("command after quit was executed")
	}
	if !strings.Contains(out.String(), "bye") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunStopsAtEndOfInput(t *testing.T) {
	sh, _ := newShell("help\n", &fakeStore{}, &fakeSender{}, stats.New())
	if err := sh.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
