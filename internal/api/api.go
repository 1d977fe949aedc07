// Package api serves the administrative HTTP surface: registry queries,
// ad-hoc bridge requests and tracking control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"github.com/gaspardpetit/activitybridge/internal/activity"
	"github.com/gaspardpetit/activitybridge/internal/broker"
	"github.com/gaspardpetit/activitybridge/internal/cache"
	"github.com/gaspardpetit/activitybridge/internal/frame"
	"github.com/gaspardpetit/activitybridge/internal/logx"
	"github.com/gaspardpetit/activitybridge/internal/native"
)

const maxBody = 1 << 20

// Bridges is the broker surface the API reads and drives.
type Bridges interface {
	ListRegisteredPIDs() []uint32
	HostPID(pid uint32) (uint32, bool)
	PendingCount() int
	SendRequest(ctx context.Context, pid uint32, action string, payload *string, timeout time.Duration) (frame.Response, error)
}

// Cache is the read side of the opportunistic cache.
type Cache interface {
	Get(pid uint32) (cache.Entry, bool)
}

// Tracker is the tracking session the API controls.
type Tracker interface {
	ID() string
	ActivePID() uint32
	StartTracking(ctx context.Context, p activity.Process) bool
	HandleProcessChange(ctx context.Context, p activity.Process)
	StopTracking()
}

// Processes completes process descriptions supplied without name or icon.
type Processes interface {
	Fill(ctx context.Context, p activity.Process) activity.Process
}

// Options wires an API. Processes and APIKey are optional.
type Options struct {
	Bridges   Bridges
	Cache     Cache
	Tracker   Tracker
	Processes Processes
	APIKey    string
}

// API implements the admin handlers.
type API struct {
	opts Options
	doc  *document
}

// New builds the API, failing if the embedded OpenAPI document is invalid.
func New(opts Options) (*API, error) {
	doc, err := loadDocument()
	if err != nil {
		return nil, err
	}
	return &API{opts: opts, doc: doc}, nil
}

// Router returns the handlers; mount it at /api.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	for _, m := range middlewareChain(a.opts.APIKey) {
		r.Use(m)
	}
	r.Get("/openapi.json", a.doc.serveJSON)
	r.Get("/docs", serveDocs)
	r.Get("/bridges", a.listBridges)
	r.Get("/bridges/{pid}", a.getBridge)
	r.Post("/bridges/{pid}/requests", a.sendRequest)
	r.Get("/tracking", a.getTracking)
	r.Post("/tracking", a.startTracking)
	r.Put("/tracking", a.processChanged)
	r.Delete("/tracking", a.stopTracking)
	return r
}

type bridgeInfo struct {
	BrowserPID uint32 `json:"browser_pid"`
	HostPID    uint32 `json:"host_pid"`
}

type bridgeList struct {
	Count   int          `json:"count"`
	Pending int          `json:"pending"`
	Bridges []bridgeInfo `json:"bridges"`
}

type bridgeStatus struct {
	bridgeInfo
	Metadata *native.Metadata `json:"metadata,omitempty"`
	Asset    *native.Asset    `json:"asset,omitempty"`
	Snapshot *native.Snapshot `json:"snapshot,omitempty"`
}

type bridgeRequest struct {
	Action    string  `json:"action"`
	Payload   *string `json:"payload,omitempty"`
	TimeoutMS int64   `json:"timeout_ms,omitempty"`
}

type bridgeResponse struct {
	ID      uint32  `json:"id"`
	Action  string  `json:"action"`
	Payload *string `json:"payload,omitempty"`
}

type tracking struct {
	Session   string `json:"session"`
	ActivePID uint32 `json:"active_pid"`
	Flushed   *bool  `json:"flushed,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *API) listBridges(w http.ResponseWriter, _ *http.Request) {
	out := bridgeList{Bridges: []bridgeInfo{}, Pending: a.opts.Bridges.PendingCount()}
	for _, pid := range a.opts.Bridges.ListRegisteredPIDs() {
		host, ok := a.opts.Bridges.HostPID(pid)
		if !ok {
			continue
		}
		out.Bridges = append(out.Bridges, bridgeInfo{BrowserPID: pid, HostPID: host})
	}
	out.Count = len(out.Bridges)
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getBridge(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	host, ok := a.opts.Bridges.HostPID(pid)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %d", broker.ErrNotRegistered, pid))
		return
	}
	out := bridgeStatus{bridgeInfo: bridgeInfo{BrowserPID: pid, HostPID: host}}
	if a.opts.Cache != nil {
		if e, ok := a.opts.Cache.Get(pid); ok {
			out.Metadata, out.Asset, out.Snapshot = e.Metadata, e.Asset, e.Snapshot
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) sendRequest(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req bridgeRequest
	if err := a.decode(r, "BridgeRequest", &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	resp, err := a.opts.Bridges.SendRequest(r.Context(), pid, req.Action, req.Payload, timeout)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, bridgeResponse{ID: resp.ID, Action: resp.Action, Payload: resp.Payload})
}

func (a *API) getTracking(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, tracking{Session: a.opts.Tracker.ID(), ActivePID: a.opts.Tracker.ActivePID()})
}

func (a *API) startTracking(w http.ResponseWriter, r *http.Request) {
	p, err := a.process(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flushed := a.opts.Tracker.StartTracking(r.Context(), p)
	writeJSON(w, http.StatusOK, tracking{Session: a.opts.Tracker.ID(), ActivePID: a.opts.Tracker.ActivePID(), Flushed: &flushed})
}

func (a *API) processChanged(w http.ResponseWriter, r *http.Request) {
	p, err := a.process(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.opts.Tracker.HandleProcessChange(r.Context(), p)
	writeJSON(w, http.StatusOK, tracking{Session: a.opts.Tracker.ID(), ActivePID: a.opts.Tracker.ActivePID()})
}

func (a *API) stopTracking(w http.ResponseWriter, _ *http.Request) {
	a.opts.Tracker.StopTracking()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) process(r *http.Request) (activity.Process, error) {
	var p activity.Process
	if err := a.decode(r, "Process", &p); err != nil {
		return p, err
	}
	if a.opts.Processes != nil {
		p = a.opts.Processes.Fill(r.Context(), p)
	}
	return p, nil
}

// decode reads a JSON body, validates it against schema and unmarshals it into dst.
func (a *API) decode(r *http.Request, schema string, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := a.doc.validate(schema, raw); err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

func pidParam(r *http.Request) (uint32, error) {
	var pid uint32
	err := runtime.BindStyledParameterWithOptions("simple", "pid", chi.URLParam(r, "pid"), &pid, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, errors.New("pid must be positive")
	}
	return pid, nil
}

// statusOf maps broker errors onto HTTP statuses.
func statusOf(err error) int {
	var be *broker.BridgeError
	var de *native.DecodeError
	switch {
	case errors.Is(err, broker.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &be), errors.As(err, &de), errors.Is(err, broker.ErrInvalidMetadataURL):
		return http.StatusBadGateway
	case errors.Is(err, broker.ErrChannelClosed), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("write response")
	}
}
