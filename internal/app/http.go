package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"orangecat/governance/internal/auth"
)

type HTTPServer struct {
	service    *Service
	secret     []byte
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, secret []byte, corsOrigin string, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{service: service, secret: secret, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router())
}

func (s *HTTPServer) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	r.Handle("/api/groups", s.requireActor(s.handleCreateGroup)).Methods(http.MethodPost)
	r.Handle("/api/groups/{groupID}", s.requireActor(s.handleGetGroup)).Methods(http.MethodGet)
	r.Handle("/api/groups/{groupID}/actions/{kind}/resolve", s.requireActor(s.handleResolveAction)).Methods(http.MethodPost, http.MethodGet)
	r.Handle("/api/groups/{groupID}/proposals", s.requireActor(s.handleListProposals)).Methods(http.MethodGet)
	r.Handle("/api/groups/{groupID}/proposals", s.requireActor(s.handleCreateProposal)).Methods(http.MethodPost)

	r.Handle("/api/proposals/{proposalID}", s.requireActor(s.handleGetProposal)).Methods(http.MethodGet)
	r.Handle("/api/proposals/{proposalID}/activate", s.requireActor(s.handleActivate)).Methods(http.MethodPost)
	r.Handle("/api/proposals/{proposalID}/votes", s.requireActor(s.handleCastVote)).Methods(http.MethodPost)
	r.Handle("/api/proposals/{proposalID}/cancel", s.requireActor(s.handleCancel)).Methods(http.MethodPost)
	r.Handle("/api/proposals/{proposalID}/resolve", s.requireActor(s.handleResolve)).Methods(http.MethodPost)
	r.Handle("/api/proposals/{proposalID}/execute", s.requireActor(s.handleRetryExecution)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

type actorHandler func(w http.ResponseWriter, r *http.Request, actorID string)

// requireActor authenticates the bearer token and passes its subject on as the acting actor.
func (s *HTTPServer) requireActor(next actorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		claims, err := auth.ParseToken(s.secret, token)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		next(w, r, claims.Subject)
	})
}

func (s *HTTPServer) handleCreateGroup(w http.ResponseWriter, r *http.Request, actorID string) {
	var body CreateGroupInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	created, err := s.service.CreateGroup(r.Context(), actorID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetGroup(w http.ResponseWriter, r *http.Request, actorID string) {
	group, err := s.service.GetGroup(r.Context(), mux.Vars(r)["groupID"], actorID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *HTTPServer) handleResolveAction(w http.ResponseWriter, r *http.Request, actorID string) {
	vars := mux.Vars(r)
	result, err := s.service.ResolveAction(r.Context(), actorID, vars["groupID"], vars["kind"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleListProposals(w http.ResponseWriter, r *http.Request, actorID string) {
	var statuses []string
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = strings.Split(raw, ",")
	}
	proposals, err := s.service.ListProposals(r.Context(), mux.Vars(r)["groupID"], actorID, statuses)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": proposals})
}

func (s *HTTPServer) handleCreateProposal(w http.ResponseWriter, r *http.Request, actorID string) {
	var body CreateProposalInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	body.GroupID = mux.Vars(r)["groupID"]
	proposal, err := s.service.CreateProposal(r.Context(), actorID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposal)
}

func (s *HTTPServer) handleGetProposal(w http.ResponseWriter, r *http.Request, actorID string) {
	detail, err := s.service.GetProposal(r.Context(), mux.Vars(r)["proposalID"], actorID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *HTTPServer) handleActivate(w http.ResponseWriter, r *http.Request, actorID string) {
	proposal, err := s.service.Activate(r.Context(), mux.Vars(r)["proposalID"], actorID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *HTTPServer) handleCastVote(w http.ResponseWriter, r *http.Request, actorID string) {
	var body struct {
		Choice string `json:"choice"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	receipt, err := s.service.CastVote(r.Context(), mux.Vars(r)["proposalID"], actorID, body.Choice)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request, actorID string) {
	proposal, err := s.service.Cancel(r.Context(), mux.Vars(r)["proposalID"], actorID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request, actorID string) {
	detail, err := s.service.Resolve(r.Context(), mux.Vars(r)["proposalID"], actorID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *HTTPServer) handleRetryExecution(w http.ResponseWriter, r *http.Request, actorID string) {
	result, err := s.service.RetryExecution(r.Context(), mux.Vars(r)["proposalID"], actorID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var appErr *Error
	if errors.As(err, &appErr) {
		message = appErr.Message
		if message == "" {
			message = string(appErr.Kind)
		}
		switch appErr.Kind {
		case KindNotFound:
			return http.StatusNotFound, "NOT_FOUND", message, appErr.Details
		case KindForbidden:
			return http.StatusForbidden, "FORBIDDEN", message, appErr.Details
		case KindInvalidState:
			return http.StatusConflict, "INVALID_STATE", message, appErr.Details
		case KindValidation:
			return http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, appErr.Details
		case KindExecution:
			return http.StatusBadGateway, "EXECUTION_ERROR", message, appErr.Details
		}
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
