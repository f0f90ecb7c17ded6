//go:build cgo

package oracle

import (
	"strings"
	"testing"

	"github.com/godror/godror"
)

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected any
	}{
		{"nil unchanged", nil, nil},
		{"number integer", godror.Number("12345"), "12345"},
		{"number negative", godror.Number("-9876"), "-9876"},
		{"number decimal", godror.Number("123.456789"), "123.456789"},
		{"number large keeps precision", godror.Number("99999999999999999999"), "99999999999999999999"},
		{"number scientific", godror.Number("1.23E10"), "1.23E10"},
		{"string unchanged", "test string", "test string"},
		{"int64 unchanged", int64(12345), int64(12345)},
		{"float64 unchanged", float64(123.45), float64(123.45)},
		{"bool unchanged", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeValue(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("normalizeValue(%v) = %v (%T), want %v (%T)", tt.input, got, got, tt.expected, tt.expected)
			}
		})
	}
}

func TestNormalizeLob(t *testing.T) {
	clob := &godror.Lob{Reader: strings.NewReader("long text"), IsClob: true}
	got, err := normalizeValue(clob)
	if err != nil || got != "long text" {
		t.Errorf("CLOB: got %#v, %v", got, err)
	}

	blob := &godror.Lob{Reader: strings.NewReader("\x01\x02")}
	got, err = normalizeValue(blob)
	b, ok := got.([]byte)
	if err != nil || !ok || string(b) != "\x01\x02" {
		t.Errorf("BLOB: got %#v, %v", got, err)
	}
}

func TestFetchOptions(t *testing.T) {
	if opts := FetchOptions(0, 0); opts != nil {
		t.Errorf("FetchOptions(0) = %v, want nil", opts)
	}
	if opts := FetchOptions(5000, 5001); len(opts) != 2 {
		t.Errorf("FetchOptions(5000) returned %d options, want 2", len(opts))
	}
}
