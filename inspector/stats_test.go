package inspector

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats, err := NewStats(reg, "listener")
	if err != nil {
		t.Fatalf("NewStats: %v", err)
	}

	outcomes := []Outcome{
		Detected(LabelHTTP10),
		Detected(LabelHTTP11),
		Detected(LabelHTTP11),
		Detected(LabelHTTP2),
		Detected(LabelNone),
		Exhausted(),
		ReadError(errors.New("reset")),
	}
	for _, o := range outcomes {
		if !stats.Record(o) {
			t.Fatalf("Record(%v) = false", o)
		}
	}
	if stats.Record(Pending) {
		t.Fatal("Record(pending) counted")
	}

	want := Snapshot{ReadError: 1, HTTP10Found: 1, HTTP11Found: 2, HTTP2Found: 1, HTTPNotFound: 2}
	if got := stats.Snapshot(); got != want {
		t.Fatalf("snapshot = %+v, want %+v", got, want)
	}
	if got := testutil.ToFloat64(stats.HTTP11Found); got != 2 {
		t.Fatalf("http11_found = %v", got)
	}

	n, err := testutil.GatherAndCount(reg, "listener_http_inspector_http_not_found_total")
	if err != nil || n != 1 {
		t.Fatalf("gathered %d series, err %v", n, err)
	}
}

func TestStatsSharedRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewStats(reg, "")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := NewStats(reg, "")
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	first.Record(Detected(LabelHTTP2))
	second.Record(Detected(LabelHTTP2))

	if got := testutil.ToFloat64(first.HTTP2Found); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func TestNewConfig(t *testing.T) {
	cfg, err := NewConfig(nil, 0)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.MaxInspectSize() != MaxInspectSize || cfg.Stats() == nil {
		t.Fatalf("defaults: size=%d stats=%v", cfg.MaxInspectSize(), cfg.Stats())
	}

	for _, size := range []int{-1, MaxInspectSize + 1} {
		if _, err := NewConfig(nil, size); !errors.Is(err, ErrInvalidSize) {
			t.Fatalf("size %d: %v, want ErrInvalidSize", size, err)
		}
	}
}
