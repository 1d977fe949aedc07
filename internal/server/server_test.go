package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/activitybridge/internal/activity"
	"github.com/gaspardpetit/activitybridge/internal/broker"
	"github.com/gaspardpetit/activitybridge/internal/broker/brokertest"
	"github.com/gaspardpetit/activitybridge/internal/cache"
	"github.com/gaspardpetit/activitybridge/internal/config"
	"github.com/gaspardpetit/activitybridge/internal/frame"
	"github.com/gaspardpetit/activitybridge/internal/serverstate"
)

type fixture struct {
	b     *broker.Broker
	state *serverstate.Tracker
	srv   *httptest.Server
}

func newFixture(t *testing.T, cfg config.BrokerConfig) fixture {
	t.Helper()
	cfg.SetDefaults()
	b := broker.New(broker.Options{RequestTimeout: time.Second})
	b.Start()
	c := cache.New(nil)
	c.Start(b)
	sub := activity.NewSubscription(b, c, 0)
	state := serverstate.New(nil)
	h, err := New(Options{Config: cfg, Version: "test", Broker: b, Cache: c, Tracker: sub, State: state})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		sub.Close()
		b.Close()
		c.Wait()
	})
	return fixture{b: b, state: state, srv: srv}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, config.BrokerConfig{})
	if code, _ := get(t, f.srv.URL+"/healthz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", code)
	}
	f.state.SetStatus(serverstate.StatusReady)
	code, body := get(t, f.srv.URL+"/healthz")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var h health
	if err := json.Unmarshal([]byte(body), &h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != serverstate.StatusReady || h.Connections != 0 {
		t.Fatalf("unexpected health %+v", h)
	}
	f.state.StartDrain()
	if code, _ := get(t, f.srv.URL+"/healthz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", code)
	}
}

func TestBridgeOverWebsocket(t *testing.T) {
	f := newFixture(t, config.BrokerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/bridge/connect", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()
	reg, _ := frame.Encode(frame.Frame{Register: &frame.Register{BrowserPID: 42, HostPID: 7}})
	if err := c.Write(ctx, websocket.MessageText, reg); err != nil {
		t.Fatalf("write: %v", err)
	}
	brokertest.WaitFor(t, "registration", func() bool { return f.b.IsRegistered(42) })

	code, body := get(t, f.srv.URL+"/api/bridges")
	if code != http.StatusOK || !strings.Contains(body, `"browser_pid":42`) {
		t.Fatalf("unexpected bridges %d %s", code, body)
	}
}

func TestWebsocketRefusedWhileDraining(t *testing.T) {
	f := newFixture(t, config.BrokerConfig{})
	f.state.StartDrain()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/bridge/connect", nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
}

func TestMetricsOnMainPort(t *testing.T) {
	f := newFixture(t, config.BrokerConfig{})
	code, body := get(t, f.srv.URL+"/metrics")
	if code != http.StatusOK || !strings.Contains(body, "activitybridge_connections") {
		t.Fatalf("unexpected metrics %d", code)
	}
}

func TestMetricsOnSeparatePort(t *testing.T) {
	f := newFixture(t, config.BrokerConfig{MetricsAddr: ":9999"})
	if code, _ := get(t, f.srv.URL+"/metrics"); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestStatePage(t *testing.T) {
	f := newFixture(t, config.BrokerConfig{})
	code, body := get(t, f.srv.URL+"/state")
	if code != http.StatusOK || !strings.Contains(body, "api/bridges") {
		t.Fatalf("unexpected state page %d", code)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, config.BrokerConfig{AllowedOrigins: []string{"https://admin.example"}})
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/bridges", nil)
	req.Header.Set("Origin", "https://admin.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://admin.example" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
}

func TestMCPRequiresKey(t *testing.T) {
	f := newFixture(t, config.BrokerConfig{APIKey: "secret"})
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`
	resp, err := http.Post(f.srv.URL+"/mcp", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
