package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseFloat64Query(t *testing.T) {
	tests := []struct {
		name  string
		query string
		key   string
		def   float64
		want  float64
	}{
		{name: "valid float", query: "?speed=2.5", key: "speed", def: 1.0, want: 2.5},
		{name: "missing key uses default", query: "?other=123", key: "speed", def: 1.0, want: 1.0},
		{name: "invalid float uses default", query: "?speed=abc", key: "speed", def: 1.0, want: 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test"+tt.query, nil)
			got := parseFloat64Query(req, tt.key, tt.def)
			if got != tt.want {
				t.Errorf("parseFloat64Query() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseIntQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		key   string
		def   int
		want  int
	}{
		{name: "valid int", query: "?limit=42", key: "limit", def: 50, want: 42},
		{name: "missing key uses default", query: "?other=123", key: "limit", def: 50, want: 50},
		{name: "invalid int uses default", query: "?limit=abc", key: "limit", def: 5, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test"+tt.query, nil)
			got := parseIntQuery(req, tt.key, tt.def)
			if got != tt.want {
				t.Errorf("parseIntQuery() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseTimeQuery(t *testing.T) {
	def := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	req := httptest.NewRequest(http.MethodGet, "/test?from=2025-06-01T12:30:00Z", nil)
	got := parseTimeQuery(req, "from", def)
	want := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parseTimeQuery() = %v, want %v", got, want)
	}

	req = httptest.NewRequest(http.MethodGet, "/test?from=not-a-time", nil)
	if got := parseTimeQuery(req, "from", def); !got.Equal(def) {
		t.Errorf("parseTimeQuery(invalid) = %v, want default", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	if got := parseTimeQuery(req, "from", def); !got.Equal(def) {
		t.Errorf("parseTimeQuery(missing) = %v, want default", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_ENV_INT", "7")
	if got := getEnvInt("TEST_ENV_INT", 3); got != 7 {
		t.Errorf("getEnvInt() = %d, want 7", got)
	}
	t.Setenv("TEST_ENV_INT", "nope")
	if got := getEnvInt("TEST_ENV_INT", 3); got != 3 {
		t.Errorf("getEnvInt(invalid) = %d, want default 3", got)
	}
	if got := getEnvInt("TEST_ENV_INT_MISSING", 3); got != 3 {
		t.Errorf("getEnvInt(missing) = %d, want default 3", got)
	}
}
