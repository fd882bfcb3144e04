package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"huerto/go-mqtt-ingest/internal/model"

	_ "modernc.org/sqlite"
)

// ErrStorage marks every failure that originates in the persistence layer.
var ErrStorage = errors.New("storage error")

// DefaultQueryLimit is applied when a caller passes a non-positive limit.
const DefaultQueryLimit = 100

const createdAtLayout = time.RFC3339Nano

// Store is the append-only gateway over the SQLite database. Each write
// borrows one pooled connection for the duration of a single transaction.
type Store struct {
	db *sql.DB
}

// Open initializes the connection pool, creating directories as needed.
// poolSize bounds the number of concurrently open connections.
func Open(path string, poolSize int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 4
	}

	dsn := (&url.URL{
		Scheme:   "file",
		Opaque:   escapePath(path),
		RawQuery: "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
	}).String()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies a connection can be acquired.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("%w: store not initialized", ErrStorage)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrStorage, err)
	}
	return nil
}

// InitSchema ensures the three record tables and their indexes exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("%w: store not initialized", ErrStorage)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sensor_data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT,
			timestamp INTEGER,
			temp_ambient REAL,
			temp_soil REAL,
			humidity_ambient REAL,
			humidity_soil REAL,
			light_level INTEGER,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS device_status (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT,
			status TEXT,
			ip_address TEXT,
			timestamp INTEGER,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS heartbeats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT,
			uptime INTEGER,
			timestamp INTEGER,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_device_time ON sensor_data(device_id, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_status_device_time ON device_status(device_id, timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_heartbeat_device_time ON heartbeats(device_id, timestamp);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: init schema: %w", ErrStorage, err)
		}
	}

	return nil
}

// AppendTelemetry persists one sensor sample and returns its row id.
func (s *Store) AppendTelemetry(ctx context.Context, r model.TelemetryRecord) (int64, error) {
	return s.insert(ctx, "insert telemetry",
		`INSERT INTO sensor_data (device_id, timestamp, temp_ambient, temp_soil, humidity_ambient, humidity_soil, light_level)
		 VALUES (?, ?, ?, ?, ?, ?, ?);`,
		nullString(r.DeviceID),
		nullNumber(r.Timestamp),
		nullFloat(r.TempAmbient),
		nullFloat(r.TempSoil),
		nullFloat(r.HumidityAmbient),
		nullFloat(r.HumiditySoil),
		nullNumber(r.LightLevel),
	)
}

// AppendStatus persists one status update and returns its row id.
func (s *Store) AppendStatus(ctx context.Context, r model.StatusRecord) (int64, error) {
	return s.insert(ctx, "insert status",
		`INSERT INTO device_status (device_id, status, ip_address, timestamp) VALUES (?, ?, ?, ?);`,
		nullString(r.DeviceID),
		nullString(r.Status),
		nullString(r.IPAddress),
		nullNumber(r.Timestamp),
	)
}

// AppendHeartbeat persists one heartbeat and returns its row id.
func (s *Store) AppendHeartbeat(ctx context.Context, r model.HeartbeatRecord) (int64, error) {
	return s.insert(ctx, "insert heartbeat",
		`INSERT INTO heartbeats (device_id, uptime, timestamp) VALUES (?, ?, ?);`,
		nullString(r.DeviceID),
		nullNumber(r.Uptime),
		nullNumber(r.Timestamp),
	)
}

// insert runs a single INSERT inside its own transaction on a connection
// borrowed from the pool. The connection is returned on every path.
func (s *Store) insert(ctx context.Context, op, query string, args ...any) (id int64, err error) {
	if s.db == nil {
		return 0, fmt.Errorf("%w: store not initialized", ErrStorage)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: acquire connection: %w", ErrStorage, op, err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: begin: %w", ErrStorage, op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
	}

	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: last insert id: %w", ErrStorage, op, err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %s: commit: %w", ErrStorage, op, err)
	}

	return id, nil
}

// QueryTelemetry returns up to limit sensor samples, most recently inserted
// first. An empty deviceID selects every device.
func (s *Store) QueryTelemetry(ctx context.Context, deviceID string, limit int) ([]model.TelemetryRecord, error) {
	return s.queryTelemetry(ctx, deviceID, limit, byInsertion)
}

// QueryTelemetryByTimestamp returns up to limit sensor samples with the
// latest device timestamp first. Samples without a timestamp sort last and
// equal timestamps fall back to insertion order.
func (s *Store) QueryTelemetryByTimestamp(ctx context.Context, deviceID string, limit int) ([]model.TelemetryRecord, error) {
	return s.queryTelemetry(ctx, deviceID, limit, byTimestamp)
}

func (s *Store) queryTelemetry(ctx context.Context, deviceID string, limit int, order string) ([]model.TelemetryRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%w: store not initialized", ErrStorage)
	}

	query := `SELECT id, device_id, timestamp, temp_ambient, temp_soil, humidity_ambient, humidity_soil, light_level, created_at FROM sensor_data`
	query, args := scopeQuery(query, deviceID, limit, order)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query telemetry: %w", ErrStorage, err)
	}
	defer rows.Close()

	records := make([]model.TelemetryRecord, 0)
	for rows.Next() {
		var (
			r               model.TelemetryRecord
			device          sql.NullString
			ts, light       any
			tAmb, tSoil     sql.NullFloat64
			humAmb, humSoil sql.NullFloat64
			createdAt       string
		)
		if err := rows.Scan(&r.ID, &device, &ts, &tAmb, &tSoil, &humAmb, &humSoil, &light, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan telemetry: %w", ErrStorage, err)
		}

		r.DeviceID = stringPtr(device)
		r.TempAmbient = floatPtr(tAmb)
		r.TempSoil = floatPtr(tSoil)
		r.HumidityAmbient = floatPtr(humAmb)
		r.HumiditySoil = floatPtr(humSoil)
		r.CreatedAt = parseCreatedAt(createdAt)
		if r.Timestamp, err = numberPtr(ts); err != nil {
			return nil, fmt.Errorf("%w: scan telemetry timestamp: %w", ErrStorage, err)
		}
		if r.LightLevel, err = numberPtr(light); err != nil {
			return nil, fmt.Errorf("%w: scan telemetry light_level: %w", ErrStorage, err)
		}

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate telemetry: %w", ErrStorage, err)
	}

	return records, nil
}

// QueryStatus returns up to limit status updates, most recent first.
func (s *Store) QueryStatus(ctx context.Context, deviceID string, limit int) ([]model.StatusRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%w: store not initialized", ErrStorage)
	}

	query, args := scopeQuery(`SELECT id, device_id, status, ip_address, timestamp, created_at FROM device_status`, deviceID, limit, byInsertion)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query status: %w", ErrStorage, err)
	}
	defer rows.Close()

	records := make([]model.StatusRecord, 0)
	for rows.Next() {
		var (
			r                  model.StatusRecord
			device, status, ip sql.NullString
			ts                 any
			createdAt          string
		)
		if err := rows.Scan(&r.ID, &device, &status, &ip, &ts, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan status: %w", ErrStorage, err)
		}
		r.DeviceID = stringPtr(device)
		r.Status = stringPtr(status)
		r.IPAddress = stringPtr(ip)
		r.CreatedAt = parseCreatedAt(createdAt)
		if r.Timestamp, err = numberPtr(ts); err != nil {
			return nil, fmt.Errorf("%w: scan status timestamp: %w", ErrStorage, err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate status: %w", ErrStorage, err)
	}
	return records, nil
}

// QueryHeartbeats returns up to limit heartbeats, most recent first.
func (s *Store) QueryHeartbeats(ctx context.Context, deviceID string, limit int) ([]model.HeartbeatRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%w: store not initialized", ErrStorage)
	}

	query, args := scopeQuery(`SELECT id, device_id, uptime, timestamp, created_at FROM heartbeats`, deviceID, limit, byInsertion)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query heartbeats: %w", ErrStorage, err)
	}
	defer rows.Close()

	records := make([]model.HeartbeatRecord, 0)
	for rows.Next() {
		var (
			r          model.HeartbeatRecord
			device     sql.NullString
			uptime, ts any
			createdAt  string
		)
		if err := rows.Scan(&r.ID, &device, &uptime, &ts, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan heartbeat: %w", ErrStorage, err)
		}
		r.DeviceID = stringPtr(device)
		r.CreatedAt = parseCreatedAt(createdAt)
		if r.Uptime, err = numberPtr(uptime); err != nil {
			return nil, fmt.Errorf("%w: scan heartbeat uptime: %w", ErrStorage, err)
		}
		if r.Timestamp, err = numberPtr(ts); err != nil {
			return nil, fmt.Errorf("%w: scan heartbeat timestamp: %w", ErrStorage, err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate heartbeats: %w", ErrStorage, err)
	}
	return records, nil
}

// Devices lists every distinct device id that has reported telemetry.
func (s *Store) Devices(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%w: store not initialized", ErrStorage)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT device_id FROM sensor_data WHERE device_id IS NOT NULL ORDER BY device_id;`)
	if err != nil {
		return nil, fmt.Errorf("%w: query devices: %w", ErrStorage, err)
	}
	defer rows.Close()

	devices := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan device: %w", ErrStorage, err)
		}
		devices = append(devices, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate devices: %w", ErrStorage, err)
	}
	return devices, nil
}

const (
	byInsertion = `id DESC`
	byTimestamp = `timestamp DESC, id DESC`
)

func scopeQuery(base, deviceID string, limit int, order string) (string, []any) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	var args []any
	if deviceID != "" {
		base += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	base += ` ORDER BY ` + order + ` LIMIT ?;`
	args = append(args, limit)
	return base, args
}

func parseCreatedAt(raw string) time.Time {
	t, err := time.Parse(createdAtLayout, raw)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", raw)
	}
	return t
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullNumber(v *model.Number) any {
	if v == nil {
		return nil
	}
	return v.Value()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// numberPtr converts a scanned INTEGER or REAL column value. The driver
// returns int64 for integral storage and float64 otherwise.
func numberPtr(v any) (*model.Number, error) {
	var n model.Number
	switch v := v.(type) {
	case nil:
		return nil, nil
	case int64:
		n = model.IntNumber(v)
	case float64:
		n = model.FloatNumber(v)
	default:
		return nil, fmt.Errorf("unexpected numeric column type %T", v)
	}
	return &n, nil
}

// escapePath percent-encodes the characters that would end the path part
// of a file: URI.
func escapePath(path string) string {
	return strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23").Replace(path)
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
