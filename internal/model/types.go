package model

import "time"

// Kind identifies one of the three record streams a device publishes.
type Kind string

const (
	KindTelemetry Kind = "data"
	KindStatus    Kind = "status"
	KindHeartbeat Kind = "heartbeat"
)

// TelemetryRecord is one sensor sample. Every sensor field is optional and
// a nil pointer means the device did not report it. Numeric fields keep the
// reported value unchanged, so a fractional light_level stays fractional.
type TelemetryRecord struct {
	ID              int64     `json:"id,omitempty"`
	DeviceID        *string   `json:"device_id"`
	Timestamp       *Number   `json:"timestamp"`
	TempAmbient     *float64  `json:"temp_ambient"`
	TempSoil        *float64  `json:"temp_soil"`
	HumidityAmbient *float64  `json:"humidity_ambient"`
	HumiditySoil    *float64  `json:"humidity_soil"`
	LightLevel      *Number   `json:"light_level"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}

// StatusRecord captures a device's self-reported state such as "online" or "error".
type StatusRecord struct {
	ID        int64     `json:"id,omitempty"`
	DeviceID  *string   `json:"device_id"`
	Status    *string   `json:"status"`
	IPAddress *string   `json:"ip_address"`
	Timestamp *Number   `json:"timestamp"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// HeartbeatRecord carries the device uptime in seconds since boot.
type HeartbeatRecord struct {
	ID        int64     `json:"id,omitempty"`
	DeviceID  *string   `json:"device_id"`
	Uptime    *Number   `json:"uptime"`
	Timestamp *Number   `json:"timestamp"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Device returns the device id or an empty string when it is absent.
func (r TelemetryRecord) Device() string { return deref(r.DeviceID) }

// Device returns the device id or an empty string when it is absent.
func (r StatusRecord) Device() string { return deref(r.DeviceID) }

// Device returns the device id or an empty string when it is absent.
func (r HeartbeatRecord) Device() string { return deref(r.DeviceID) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
