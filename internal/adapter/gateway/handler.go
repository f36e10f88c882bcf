package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"leadflow/internal/domain"
	"leadflow/internal/usecase"
)

// TurnProcessor handles one inbound conversational turn.
type TurnProcessor interface {
	HandleTurn(ctx context.Context, req usecase.TurnRequest) (*usecase.TurnResult, error)
}

// HandlerDeps carries what the REST surface needs. DataRights may be nil,
// which leaves the data-subject routes unmounted.
type HandlerDeps struct {
	Engine     TurnProcessor
	Leads      domain.LeadRepository
	DataRights domain.DataRights
	ExportsDir string // destination for data-subject export files
	Status     StatusDeps
	Logger     *slog.Logger
}

// RegisterHandlers mounts the REST surface on the gateway. Every route is
// behind bearer-token auth.
func RegisterHandlers(s *Server, deps HandlerDeps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s.Handle("POST /v1/turns", s.RequireAuth(turnHandler(deps)))
	s.Handle("GET /v1/leads/{id}", s.RequireAuth(leadGetHandler(deps)))
	if deps.DataRights != nil {
		s.Handle("POST /v1/leads/{id}/export", s.RequireAuth(leadExportHandler(deps)))
		s.Handle("DELETE /v1/leads/{id}", s.RequireAuth(leadEraseHandler(deps)))
	}
	s.Handle("GET /api/status", s.RequireAuth(statusHandler(s, deps.Status, time.Now())))
}

// --- turns ---

type turnRequest struct {
	LeadID   string `json:"lead_id,omitempty"`
	BrokerID string `json:"broker_id,omitempty"`
	Message  string `json:"message"`
}

type turnResponse struct {
	LeadID    string `json:"lead_id"`
	Created   bool   `json:"created,omitempty"`
	Reply     string `json:"reply"`
	Agent     string `json:"agent"`
	State     string `json:"state"`
	Stage     string `json:"stage"`
	ToolCalls int    `json:"tool_calls,omitempty"`
}

func turnHandler(deps HandlerDeps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}

		result, err := deps.Engine.HandleTurn(r.Context(), usecase.TurnRequest{
			LeadID:   req.LeadID,
			BrokerID: req.BrokerID,
			Message:  req.Message,
		})
		if err != nil {
			deps.Logger.Error("turn failed", "lead_id", req.LeadID, "error", err)
			writeDomainError(w, err)
			return
		}

		status := http.StatusOK
		if result.Created {
			status = http.StatusCreated
		}
		writeJSON(w, status, turnResponse{
			LeadID:    result.LeadID,
			Created:   result.Created,
			Reply:     result.Response.Message,
			Agent:     string(result.Response.Agent),
			State:     string(result.State),
			Stage:     string(result.Stage),
			ToolCalls: len(result.Response.ToolCalls),
		})
	})
}

// --- leads ---

type leadResponse struct {
	ID        string            `json:"id"`
	BrokerID  string            `json:"broker_id"`
	Stage     string            `json:"stage"`
	Data      map[string]string `json:"data"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func leadGetHandler(deps HandlerDeps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lead, err := deps.Leads.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, leadResponse{
			ID:        lead.ID,
			BrokerID:  lead.BrokerID,
			Stage:     string(lead.PipelineStage),
			Data:      lead.Data,
			CreatedAt: lead.CreatedAt,
			UpdatedAt: lead.UpdatedAt,
		})
	})
}

func leadExportHandler(deps HandlerDeps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := deps.DataRights.Export(r.Context(), r.PathValue("id"), deps.ExportsDir)
		if err != nil {
			deps.Logger.Error("lead export failed", "lead_id", r.PathValue("id"), "error", err)
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

func leadEraseHandler(deps HandlerDeps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DataRights.Erase(r.Context(), r.PathValue("id")); err != nil {
			deps.Logger.Error("lead erasure failed", "lead_id", r.PathValue("id"), "error", err)
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"erased": true})
	})
}

// --- helpers ---

// bearerToken pulls the credential from the Authorization header, falling
// back to a token query parameter for websocket and browser clients.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return h
	}
	return r.URL.Query().Get("token")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps a domain error onto an HTTP status and a stable
// machine code. Internal detail stays out of 5xx bodies.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrBadRequest):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrDuplicate):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrAuthInvalid):
		status, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrRateLimit):
		status, msg = http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, domain.ErrDisabled):
		status, msg = http.StatusServiceUnavailable, err.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: string(domain.ErrorCodeOf(err))})
}
