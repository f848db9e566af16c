// Package httpapi is the thin network façade over the session manager. It
// translates HTTP requests into manager calls and typed errors into status
// codes; no session or device logic lives here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tensord/internal/devices"
	"tensord/internal/logbuf"
	"tensord/internal/session"
	"tensord/internal/shapes"
	"tensord/pkg/types"
)

// Service defines the methods required by the HTTP API layer. Implemented by
// *session.Manager.
type Service interface {
	CreateSession(ctx context.Context, modelRef string, deviceIDs []string) (*session.Session, error)
	CloseSession(id string) error
	Get(id string) (*session.Session, error)
	Devices() []devices.Device
	DryRun(ctx context.Context, id string, req types.DryRunRequest) (*types.NegotiatedShapes, error)
	UpdateConfig(ctx context.Context, id string, req types.UpdateConfigRequest) error
	Predict(ctx context.Context, id string, input shapes.Shape) (shapes.Shape, error)
}

type server struct {
	svc  Service
	logs *logbuf.Buffer
	log  zerolog.Logger
}

// NewMux builds the daemon's HTTP handler. logs may be nil; the log stream
// endpoint then serves only the acknowledgement record.
func NewMux(svc Service, logs *logbuf.Buffer, log zerolog.Logger) http.Handler {
	s := &server{svc: svc, logs: logs, log: log.With().Str("component", "http").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(MetricsMiddleware)
	r.Use(s.accessLog)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", s.createSession)
		r.Get("/sessions/{id}", s.getSession)
		r.Delete("/sessions/{id}", s.closeSession)
		r.Post("/sessions/{id}/dryrun", s.dryRun)
		r.Patch("/sessions/{id}/config", s.updateConfig)
		r.Post("/predict", s.predict)
		r.Get("/devices", s.listDevices)
		r.Get("/logs", s.streamLogs)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// decodeBody enforces content type and size limits on JSON endpoints.
// allowEmpty lets parameterless POSTs omit the body entirely.
func decodeBody(w http.ResponseWriter, r *http.Request, into any, allowEmpty bool) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(into)
	if err == nil {
		return true
	}
	if allowEmpty && errors.Is(err, io.EOF) {
		return true
	}
	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) createSession(w http.ResponseWriter, r *http.Request) {
	var req types.CreateSessionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	sess, err := s.svc.CreateSession(r.Context(), req.Model, req.Devices)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.SessionResponse{ID: sess.ID, Devices: sess.Devices})
}

func (s *server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.SessionResponse{ID: sess.ID, Devices: sess.Devices})
}

func (s *server) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CloseSession(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) dryRun(w http.ResponseWriter, r *http.Request) {
	var req types.DryRunRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	rec, err := s.svc.DryRun(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req types.UpdateConfigRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if err := s.svc.UpdateConfig(r.Context(), chi.URLParam(r, "id"), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) predict(w http.ResponseWriter, r *http.Request) {
	var req types.PredictRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	// The session id is a precondition of the call, not a routing parameter.
	if req.ModelSessionID == "" {
		writeJSONError(w, http.StatusPreconditionFailed, "model-session-id has not been provided")
		return
	}
	out, err := s.svc.Predict(r.Context(), req.ModelSessionID, req.Shape)
	if err != nil {
		// A vanished session is a failed precondition here, wherever in the
		// call it surfaced, not a routing miss.
		if session.IsNotFound(err) {
			writeJSONError(w, http.StatusPreconditionFailed, err.Error())
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.PredictResponse{Shape: out})
}

func (s *server) listDevices(w http.ResponseWriter, r *http.Request) {
	list := s.svc.Devices()
	resp := types.DevicesResponse{Devices: make([]types.DeviceInfo, 0, len(list))}
	for _, d := range list {
		resp.Devices = append(resp.Devices, types.DeviceInfo{ID: d.ID, Status: string(d.Status)})
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamLogs replays the buffered daemon log as NDJSON, after an
// acknowledgement record. With ?follow=1 the stream stays open and carries
// live records until the client disconnects.
func (s *server) streamLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}

	// First record confirms the stream is live before any payload.
	_ = enc.Encode(types.LogEntry{Level: "info", Content: "Sending model logs"})
	if s.logs == nil {
		return
	}
	for _, e := range s.logs.Snapshot() {
		_ = enc.Encode(types.LogEntry{Level: e.Level, Content: e.Message})
	}
	flush()

	follow := r.URL.Query().Get("follow")
	if follow != "1" && follow != "true" {
		return
	}
	ch, cancel := s.logs.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(types.LogEntry{Level: e.Level, Content: e.Message}); err != nil {
				return
			}
			flush()
		}
	}
}
