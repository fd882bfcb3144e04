package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"huerto/go-mqtt-ingest/internal/command"
	"huerto/go-mqtt-ingest/internal/model"
	"huerto/go-mqtt-ingest/internal/stats"
	"huerto/go-mqtt-ingest/internal/store"
)

type fakeSender struct {
	deviceID string
	command  string
	err      error
}

func (f *fakeSender) Send(deviceID, cmd string) error {
	f.deviceID = deviceID
	f.command = cmd
	return f.err
}

func newTestServer(t *testing.T, sender Sender) (*store.Store, *stats.Stats, http.Handler) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "huerto.db"), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	counters := stats.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return st, counters, New(st, sender, counters, nil, logger).Routes()
}

func seedTelemetry(t *testing.T, st *store.Store, device string, timestamps ...int64) {
	t.Helper()
	for _, v := range timestamps {
		ts := model.IntNumber(v)
		d := device
		if _, err := st.AppendTelemetry(context.Background(), model.TelemetryRecord{DeviceID: &d, Timestamp: &ts}); err != nil {
			t.Fatalf("AppendTelemetry: %v", err)
		}
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestSensorDataAscending(t *testing.T) {
	st, _, h := newTestServer(t, &fakeSender{})
	seedTelemetry(t, st, "dev1", 1, 2, 3)
	seedTelemetry(t, st, "dev2", 4)

	rec := get(t, h, "/api/sensor-data?device_id=dev1&limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q, want *", got)
	}

	var records []model.TelemetryRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if *records[0].Timestamp != model.IntNumber(2) || *records[1].Timestamp != model.IntNumber(3) {
		t.Errorf("timestamps = %v,%v, want 2,3", records[0].Timestamp, records[1].Timestamp)
	}
}

func TestSensorDataSortedByTimestamp(t *testing.T) {
	st, _, h := newTestServer(t, &fakeSender{})
	seedTelemetry(t, st, "dev1", 3000, 1000, 2000)

	var records []model.TelemetryRecord
	if err := json.Unmarshal(get(t, h, "/api/sensor-data").Body.Bytes(), &records); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	var got []string
	for _, r := range records {
		got = append(got, r.Timestamp.String())
	}
	if strings.Join(got, ",") != "1000,2000,3000" {
		t.Errorf("timestamps = %v, want [1000 2000 3000]", got)
	}

	rec := get(t, h, "/api/sensor-data?limit=2")
	records = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(records) != 2 || *records[0].Timestamp != model.IntNumber(2000) || *records[1].Timestamp != model.IntNumber(3000) {
		t.Errorf("limited records = %+v, want the two latest timestamps ascending", records)
	}
}

func TestSensorDataDefaultLimit(t *testing.T) {
	st, _, h := newTestServer(t, &fakeSender{})
	ts := make([]int64, 120)
	for i := range ts {
		ts[i] = int64(i)
	}
	seedTelemetry(t, st, "dev1", ts...)

	for _, target := range []string{"/api/sensor-data", "/api/sensor-data?limit=abc", "/api/sensor-data?limit=-3"} {
		var records []model.TelemetryRecord
		if err := json.Unmarshal(get(t, h, target).Body.Bytes(), &records); err != nil {
			t.Fatalf("%s: decode body: %v", target, err)
		}
		if len(records) != defaultLimit {
			t.Errorf("%s: records = %d, want %d", target, len(records), defaultLimit)
		}
	}
}

func TestDevices(t *testing.T) {
	st, _, h := newTestServer(t, &fakeSender{})
	seedTelemetry(t, st, "dev2", 1)
	seedTelemetry(t, st, "dev1", 2, 3)

	var devices []string
	if err := json.Unmarshal(get(t, h, "/api/devices").Body.Bytes(), &devices); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(devices) != 2 || devices[0] != "dev1" || devices[1] != "dev2" {
		t.Errorf("devices = %v, want [dev1 dev2]", devices)
	}
}

func TestStatusAndHeartbeats(t *testing.T) {
	st, _, h := newTestServer(t, &fakeSender{})
	device, status, uptime := "dev1", "online", model.IntNumber(90)
	if _, err := st.AppendStatus(context.Background(), model.StatusRecord{DeviceID: &device, Status: &status}); err != nil {
		t.Fatalf("AppendStatus: %v", err)
	}
	if _, err := st.AppendHeartbeat(context.Background(), model.HeartbeatRecord{DeviceID: &device, Uptime: &uptime}); err != nil {
		t.Fatalf("AppendHeartbeat: %v", err)
	}

	var statuses []model.StatusRecord
	if err := json.Unmarshal(get(t, h, "/api/status?device_id=dev1").Body.Bytes(), &statuses); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(statuses) != 1 || *statuses[0].Status != "online" {
		t.Errorf("statuses = %+v", statuses)
	}

	var beats []model.HeartbeatRecord
	if err := json.Unmarshal(get(t, h, "/api/heartbeats").Body.Bytes(), &beats); err != nil {
		t.Fatalf("decode heartbeats: %v", err)
	}
	if len(beats) != 1 || *beats[0].Uptime != model.IntNumber(90) {
		t.Errorf("heartbeats = %+v", beats)
	}
}

func TestStats(t *testing.T) {
	_, counters, h := newTestServer(t, &fakeSender{})
	counters.MessageReceived()
	counters.DataRecord()
	counters.Error()

	var snap stats.Snapshot
	if err := json.Unmarshal(get(t, h, "/api/stats").Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	want := stats.Snapshot{MessagesReceived: 1, DataRecords: 1, Errors: 1}
	if snap != want {
		t.Errorf("stats = %+v, want %+v", snap, want)
	}
}

func TestSendCommand(t *testing.T) {
	cases := []struct {
		name       string
		body       string
		sendErr    error
		wantCode   int
		wantStatus string
	}{
		{"sent", `{"device_id":"dev1","command":"water_on"}`, nil, http.StatusOK, "sent"},
		{"publish failed", `{"device_id":"dev1","command":"water_on"}`, command.ErrDispatch, http.StatusBadGateway, "error"},
		{"missing command", `{"device_id":"dev1"}`, nil, http.StatusBadRequest, ""},
		{"missing device", `{"command":"water_on"}`, nil, http.StatusBadRequest, ""},
		{"invalid json", `{`, nil, http.StatusBadRequest, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &fakeSender{err: tc.sendErr}
			_, _, h := newTestServer(t, sender)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/send-command", strings.NewReader(tc.body)))

			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			var resp map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if resp["status"] != tc.wantStatus {
				t.Errorf("status field = %q, want %q", resp["status"], tc.wantStatus)
			}
			if tc.wantCode == http.StatusBadRequest && sender.deviceID != "" {
				t.Error("command forwarded despite bad request")
			}
			if tc.wantCode == http.StatusOK && (sender.deviceID != "dev1" || sender.command != "water_on") {
				t.Errorf("forwarded %q/%q", sender.deviceID, sender.command)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, _, h := newTestServer(t, &fakeSender{})

	rec := get(t, h, "/api/send-command")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET send-command = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/send-command", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("OPTIONS preflight = %d, want 204", rec.Code)
	}
}

func TestReadiness(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "huerto.db"), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	running := false
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(st, &fakeSender{}, stats.New(), func() bool { return running }, logger).Routes()

	if rec := get(t, h, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before connect = %d, want 503", rec.Code)
	}
	running = true
	if rec := get(t, h, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("readyz when running = %d, want 200", rec.Code)
	}
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
}

func TestQueryFailure(t *testing.T) {
	st, _, h := newTestServer(t, &fakeSender{})
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rec := get(t, h, "/api/sensor-data")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
