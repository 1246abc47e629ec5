// Package httpapi is the daemon's local control surface: slot snapshots,
// local updates, sync triggers, channel control, the frame journal and
// Prometheus metrics.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/slotsync/internal/journal"
	"github.com/agentworkforce/slotsync/internal/protocol"
	"github.com/agentworkforce/slotsync/internal/slotstate"
	"github.com/agentworkforce/slotsync/internal/syncendpoint"
)

const defaultMaxBodyBytes int64 = 64 << 10

// Endpoint is the part of *syncendpoint.Endpoint the API drives.
type Endpoint interface {
	Store() *slotstate.Store
	State() syncendpoint.State
	Address() string
	Session() string
	Open(ctx context.Context, address string) error
	Close() error
	Update(ctx context.Context, slot string, status slotstate.Status) error
	SyncFull(ctx context.Context) error
	SyncPartial(ctx context.Context, slots []string) error
}

type ServerConfig struct {
	// Token, when set, is required as a bearer token on /v1 routes.
	Token        string
	MaxBodyBytes int64
	// RequestTimeout bounds connect and sync calls made on behalf of a
	// request.
	RequestTimeout time.Duration
	Journal        journal.Journal
	Metrics        http.Handler
}

type Server struct {
	endpoint Endpoint
	cfg      ServerConfig
}

func NewServer(endpoint Endpoint) *Server {
	return NewServerWithConfig(endpoint, ServerConfig{})
}

func NewServerWithConfig(endpoint Endpoint, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Server{endpoint: endpoint, cfg: cfg}
}

type slotsResponse struct {
	State   string                      `json:"state"`
	Address string                      `json:"address,omitempty"`
	Session string                      `json:"session,omitempty"`
	Slots   map[string]slotstate.Status `json:"slots"`
	Layout  [][]string                  `json:"layout"`
}

type slotResponse struct {
	Slot   string           `json:"slot"`
	Status slotstate.Status `json:"status"`
	Name   string           `json:"name"`
	Known  bool             `json:"known"`
	Pushed *bool            `json:"pushed,omitempty"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "channel": s.endpoint.State().String()})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.cfg.Metrics != nil {
		s.cfg.Metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)

	switch {
	case len(parts) == 2 && parts[1] == "slots" && r.Method == http.MethodGet:
		s.handleSlots(w)
	case len(parts) == 3 && parts[1] == "slots" && r.Method == http.MethodGet:
		s.handleSlot(w, parts[2], correlationID)
	case len(parts) == 3 && parts[1] == "slots" && r.Method == http.MethodPut:
		s.handleUpdate(w, r, parts[2], correlationID)
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		s.handleSync(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "connection" && r.Method == http.MethodPost:
		s.handleConnect(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "connection" && r.Method == http.MethodDelete:
		_ = s.endpoint.Close()
		writeJSON(w, http.StatusOK, map[string]string{"state": s.endpoint.State().String()})
	case len(parts) == 2 && parts[1] == "journal" && r.Method == http.MethodGet:
		s.handleJournal(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleSlots(w http.ResponseWriter) {
	store := s.endpoint.Store()
	writeJSON(w, http.StatusOK, slotsResponse{
		State:   s.endpoint.State().String(),
		Address: s.endpoint.Address(),
		Session: s.endpoint.Session(),
		Slots:   store.All(),
		Layout:  store.Layout().Rows(),
	})
}

func (s *Server) handleSlot(w http.ResponseWriter, slot, correlationID string) {
	store := s.endpoint.Store()
	if !store.Layout().Contains(slot) {
		writeError(w, http.StatusNotFound, "not_found", "unknown slot: "+slot, correlationID)
		return
	}
	status, known := store.Lookup(slot)
	writeJSON(w, http.StatusOK, slotResponse{Slot: slot, Status: status, Name: status.String(), Known: known})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, slot, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req struct {
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(body, &req); err != nil || len(req.Status) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be {\"status\": <0|1|2|name>}", correlationID)
		return
	}
	status, err := parseStatusValue(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error(), correlationID)
		return
	}

	pushed := true
	err = s.endpoint.Update(r.Context(), slot, status)
	switch {
	case err == nil:
	case errors.Is(err, slotstate.ErrUnknownSlot):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	case errors.Is(err, syncendpoint.ErrNotConnected), errors.Is(err, syncendpoint.ErrChannel):
		pushed = false
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, slotResponse{Slot: slot, Status: status, Name: status.String(), Known: true, Pushed: &pushed})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req struct {
		Slots []string `json:"slots"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	var err error
	if len(req.Slots) == 0 {
		err = s.endpoint.SyncFull(ctx)
	} else {
		err = s.endpoint.SyncPartial(ctx, req.Slots)
	}
	if err != nil && !errors.Is(err, slotstate.ErrUnknownSlot) && !errors.Is(err, slotstate.ErrInvalidStatus) {
		writeEndpointError(w, err, correlationID)
		return
	}
	resp := map[string]any{"slots": s.endpoint.Store().All()}
	if err != nil {
		resp["warning"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req struct {
		Address string `json:"address"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		address = s.endpoint.Address()
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.endpoint.Open(ctx, address); err != nil {
		writeEndpointError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"state":   s.endpoint.State().String(),
		"address": address,
		"session": s.endpoint.Session(),
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.cfg.Journal == nil {
		writeError(w, http.StatusNotFound, "not_found", "journal disabled", correlationID)
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
			return
		}
		limit = n
	}
	entries, err := s.cfg.Journal.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func writeEndpointError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, syncendpoint.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, syncendpoint.ErrNotConnected):
		writeError(w, http.StatusConflict, "not_connected", err.Error(), correlationID)
	case errors.Is(err, syncendpoint.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	case errors.Is(err, syncendpoint.ErrChannel), errors.Is(err, syncendpoint.ErrPeer),
		errors.Is(err, syncendpoint.ErrRequestAbandoned), errors.Is(err, protocol.ErrMalformedFrame):
		writeError(w, http.StatusBadGateway, "peer_error", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func parseStatusValue(raw json.RawMessage) (slotstate.Status, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return slotstate.ParseStatus(name)
	}
	var status slotstate.Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return 0, err
	}
	return status, nil
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
