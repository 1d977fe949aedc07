package serverstate

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func exercise(t *testing.T, tr *Tracker) {
	t.Helper()
	if got := tr.Status(); got != StatusNotReady {
		t.Fatalf("initial state = %q; want %q", got, StatusNotReady)
	}
	if tr.IsDraining() {
		t.Fatalf("initial draining = true; want false")
	}
	tr.SetStatus(StatusReady)
	if got := tr.Status(); got != StatusReady {
		t.Fatalf("state after SetStatus = %q; want %q", got, StatusReady)
	}
	tr.StartDrain()
	tr.SetStatus(StatusReady)
	if got := tr.Status(); got != StatusDraining || !tr.IsDraining() {
		t.Fatalf("state after StartDrain = %+v; want draining", tr.Get())
	}
}

func TestMemoryTracker(t *testing.T) {
	exercise(t, New(nil))
}

func TestRedisTracker(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rs, err := NewRedisStore(mr.Addr(), "")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	exercise(t, New(rs))

	// A second broker sharing the key sees the persisted state.
	rs2, err := NewRedisStore(mr.Addr(), "")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	if st := rs2.Load(); st.Status != StatusDraining || !st.Draining {
		t.Fatalf("persisted state = %#v; want draining", st)
	}
}

func TestRedisStoreUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedisStore(addr, ""); err == nil {
		t.Fatalf("expected error for closed server")
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
		tls    bool
	}{
		{"localhost:6379", 1, "", 0, false},
		{"redis://:pass@localhost:6379/1", 1, "", 1, false},
		{"rediss://host1:6379,host2:6379?db=3", 2, "", 3, true},
		{"redis-sentinel://localhost:26379/mymaster?db=2", 1, "mymaster", 2, false},
	}
	for _, tt := range tests {
		opts, err := parseRedisURL(tt.url)
		if err != nil {
			t.Fatalf("parseRedisURL(%q): %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs || opts.MasterName != tt.master || opts.DB != tt.db || (opts.TLSConfig != nil) != tt.tls {
			t.Fatalf("%q parsed to %+v", tt.url, opts)
		}
	}
	if _, err := parseRedisURL("http://localhost"); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := parseRedisURL("redis://localhost/abc"); err == nil {
		t.Fatalf("expected db error")
	}
}

func TestResetClearsDrain(t *testing.T) {
	tr := New(nil)
	tr.StartDrain()
	tr.Reset()
	if tr.IsDraining() || tr.Status() != StatusNotReady {
		t.Fatalf("state after Reset = %+v", tr.Get())
	}
	tr.SetStatus(StatusReady)
	if tr.Status() != StatusReady {
		t.Fatalf("SetStatus ignored after Reset")
	}
}
