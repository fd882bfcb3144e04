package model

import (
	"encoding/json"
	"testing"
)

func TestParseNumber(t *testing.T) {
	cases := []struct {
		in     string
		want   Number
		isInt  bool
		output string
	}{
		{"1000", IntNumber(1000), true, "1000"},
		{"-7", IntNumber(-7), true, "-7"},
		{"1000.5", FloatNumber(1000.5), false, "1000.5"},
		{"512.75", FloatNumber(512.75), false, "512.75"},
		{"1e3", FloatNumber(1000), false, "1000"},
		{"99999999999999999999", FloatNumber(1e20), false, "100000000000000000000"},
	}
	for _, tc := range cases {
		got, err := ParseNumber(tc.in)
		if err != nil {
			t.Errorf("ParseNumber(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want || got.IsInt() != tc.isInt {
			t.Errorf("ParseNumber(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
		if got.String() != tc.output {
			t.Errorf("ParseNumber(%q).String() = %q, want %q", tc.in, got.String(), tc.output)
		}
	}

	if _, err := ParseNumber("warm"); err == nil {
		t.Error("ParseNumber(\"warm\") succeeded, want error")
	}
}

func TestNumberJSON(t *testing.T) {
	var rec TelemetryRecord
	if err := json.Unmarshal([]byte(`{"timestamp":1000,"light_level":512.75}`), &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if *rec.Timestamp != IntNumber(1000) || *rec.LightLevel != FloatNumber(512.75) {
		t.Errorf("decoded = %v/%v, want 1000/512.75", rec.Timestamp, rec.LightLevel)
	}

	data, err := json.Marshal(rec.LightLevel)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != "512.75" {
		t.Errorf("encoded light_level = %s, want 512.75", data)
	}
}
