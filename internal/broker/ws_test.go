package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/activitybridge/internal/frame"
)

func dialBridge(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func writeFrame(t *testing.T, c *websocket.Conn, f frame.Frame) {
	t.Helper()
	b, err := frame.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := c.Write(context.Background(), websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWSRoundTrip(t *testing.T) {
	b := newStarted(t, Options{})
	srv := httptest.NewServer(WSHandler(b, nil))
	defer srv.Close()

	c := dialBridge(t, srv.URL)
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()
	writeFrame(t, c, frame.Frame{Register: &frame.Register{BrowserPID: 42, HostPID: 7}})
	waitFor(t, "registration", func() bool { return b.IsRegistered(42) })

	go func() {
		ctx := context.Background()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			f, err := frame.Decode(data)
			if err != nil || f.Request == nil {
				continue
			}
			resp := frame.Frame{Response: &frame.Response{ID: f.Request.ID, Action: f.Request.Action, Payload: frame.Str("done")}}
			out, _ := json.Marshal(resp)
			_ = c.Write(ctx, websocket.MessageText, out)
		}
	}()

	resp, err := b.SendRequest(context.Background(), 42, frame.ActionGenerateAssets, nil, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Payload == nil || *resp.Payload != "done" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestWSRejectsMissingRegister(t *testing.T) {
	b := newStarted(t, Options{})
	srv := httptest.NewServer(WSHandler(b, nil))
	defer srv.Close()

	c := dialBridge(t, srv.URL)
	writeFrame(t, c, frame.Frame{Event: &frame.Event{Action: frame.ActionTabActivated}})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if b.ConnectionCount() != 0 {
		t.Fatalf("unexpected registration")
	}
}

func TestWSNormalCloseUnregisters(t *testing.T) {
	b := newStarted(t, Options{})
	srv := httptest.NewServer(WSHandler(b, nil))
	defer srv.Close()

	c := dialBridge(t, srv.URL)
	writeFrame(t, c, frame.Frame{Register: &frame.Register{BrowserPID: 42, HostPID: 7}})
	waitFor(t, "registration", func() bool { return b.IsRegistered(42) })
	_ = c.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "unregistration", func() bool { return !b.IsRegistered(42) })
}

func TestWSDraining(t *testing.T) {
	b := newStarted(t, Options{})
	srv := httptest.NewServer(WSHandler(b, func() bool { return true }))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err == nil {
		t.Fatalf("expected dial failure while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
}

func TestTruncateReasonKeepsRunesWhole(t *testing.T) {
	short := errors.New("bad frame")
	if got := truncateReason(short); got != "bad frame" {
		t.Fatalf("short reason changed: %q", got)
	}
	// 119 ASCII bytes put a 3-byte rune across the cut.
	long := errors.New(strings.Repeat("a", 119) + strings.Repeat("€", 10))
	got := truncateReason(long)
	if len(got) > 120 || !utf8.ValidString(got) {
		t.Fatalf("reason %q (%d bytes) is not a valid truncation", got, len(got))
	}
	if got != strings.Repeat("a", 119) {
		t.Fatalf("reason cut at the wrong place: %q", got)
	}
}
