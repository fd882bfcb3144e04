package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"huerto/go-mqtt-ingest/internal/model"
)

// ErrDecode marks a payload that is not UTF-8 text holding a JSON object.
var ErrDecode = errors.New("decode error")

// Document is a decoded JSON object payload. Numbers are kept as json.Number
// so integer fields do not pass through float64.
type Document map[string]any

// Decode validates payload as UTF-8 and parses it as a single JSON object.
func Decode(payload []byte) (Document, error) {
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid utf-8", ErrDecode)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after json value", ErrDecode)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload is %s, not a json object", ErrDecode, jsonKind(v))
	}
	return Document(obj), nil
}

// String returns the field as text. Absent and null fields yield nil.
func (d Document) String(key string) (*string, error) {
	switch v := d[key].(type) {
	case nil:
		return nil, nil
	case string:
		return &v, nil
	case json.Number:
		s := v.String()
		return &s, nil
	case bool:
		s := strconv.FormatBool(v)
		return &s, nil
	default:
		return nil, fmt.Errorf("field %s: expected string, got %s", key, jsonKind(v))
	}
}

// Float returns the field as a float64. Absent and null fields yield nil.
func (d Document) Float(key string) (*float64, error) {
	switch v := d[key].(type) {
	case nil:
		return nil, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("field %s: expected number, got %s", key, jsonKind(v))
	}
}

// Number returns the field exactly as sent: integral numbers as int64 and
// anything else as float64. Absent and null fields yield nil.
func (d Document) Number(key string) (*model.Number, error) {
	switch v := d[key].(type) {
	case nil:
		return nil, nil
	case json.Number:
		n, err := model.ParseNumber(v.String())
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		return &n, nil
	default:
		return nil, fmt.Errorf("field %s: expected number, got %s", key, jsonKind(v))
	}
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
