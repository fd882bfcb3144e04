package ingest

import (
	"errors"
	"testing"

	"huerto/go-mqtt-ingest/internal/model"
)

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{"malformed", []byte(`{not json`)},
		{"invalid utf8", []byte{'{', '"', 0xff, 0xfe, '"', ':', '1', '}'}},
		{"array", []byte(`[1,2,3]`)},
		{"null", []byte(`null`)},
		{"string", []byte(`"online"`)},
		{"trailing data", []byte(`{"a":1} {"b":2}`)},
		{"empty", []byte(``)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.payload); !errors.Is(err, ErrDecode) {
				t.Errorf("Decode(%q) err = %v, want ErrDecode", tc.payload, err)
			}
		})
	}
}

func TestDocumentFields(t *testing.T) {
	doc, err := Decode([]byte(`{
		"device_id": "dev1",
		"timestamp": 1700000000123,
		"temp_ambient": 21.5,
		"light_level": 830.9,
		"status": null,
		"ip": 42,
		"humidity_soil": "wet",
		"uptime": 1e30
	}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if v, err := doc.String("device_id"); err != nil || v == nil || *v != "dev1" {
		t.Errorf("device_id = %v, %v", v, err)
	}
	if v, err := doc.Number("timestamp"); err != nil || v == nil || *v != model.IntNumber(1700000000123) {
		t.Errorf("timestamp = %v, %v", v, err)
	}
	if v, err := doc.Float("temp_ambient"); err != nil || v == nil || *v != 21.5 {
		t.Errorf("temp_ambient = %v, %v", v, err)
	}
	if v, err := doc.Number("light_level"); err != nil || v == nil || *v != model.FloatNumber(830.9) {
		t.Errorf("light_level = %v, %v, want 830.9", v, err)
	}
	if v, err := doc.String("status"); err != nil || v != nil {
		t.Errorf("null status = %v, %v, want nil", v, err)
	}
	if v, err := doc.String("missing"); err != nil || v != nil {
		t.Errorf("missing = %v, %v, want nil", v, err)
	}
	if v, err := doc.String("ip"); err != nil || v == nil || *v != "42" {
		t.Errorf("numeric ip = %v, %v, want \"42\"", v, err)
	}
	if v, err := doc.Float("humidity_soil"); err == nil || v != nil {
		t.Errorf("string humidity_soil = %v, %v, want error", v, err)
	}
	if v, err := doc.Number("uptime"); err != nil || v == nil || v.IsInt() || v.Float64() != 1e30 {
		t.Errorf("uptime = %v, %v, want 1e30 kept as a real value", v, err)
	}
	if v, err := doc.Number("humidity_soil"); err == nil || v != nil {
		t.Errorf("string humidity_soil as number = %v, %v, want error", v, err)
	}
}
