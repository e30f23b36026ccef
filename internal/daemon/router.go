package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/pkg/agent"
	"github.com/harun/agentcore/pkg/commandqueue"
	"github.com/harun/agentcore/pkg/llm"
	"github.com/harun/agentcore/pkg/session"
)

// maxRunBody caps POST /v1/runs bodies.
const maxRunBody = 1 << 20

type router struct {
	daemon *Daemon
}

// NewRouter builds the ops and run submission API.
func NewRouter(d *Daemon) http.Handler {
	rt := &router{daemon: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(rt.logRequests)

	r.Get("/healthz", rt.healthz)
	r.Get("/readyz", rt.readyz)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", rt.createRun)
		r.Get("/runs/{runID}", rt.getRun)
		r.Delete("/runs/{runID}", rt.abortRun)
		r.Get("/threads/{threadID}/messages", rt.threadMessages)
		r.Get("/models", rt.listModels)
		r.Post("/models/refresh", rt.refreshModels)
		r.Get("/queue", rt.queueStats)
	})
	return r
}

func (rt *router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		rt.daemon.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (rt *router) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *router) readyz(w http.ResponseWriter, r *http.Request) {
	status := rt.daemon.Status()
	if !status.Running {
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// createRun validates and queues a run. With ?wait=true it blocks until the
// run finishes and returns its result.
func (rt *router) createRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rc, err := rt.daemon.RunConfig(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := rt.daemon.models.Resolve(r.Context(), rc.Model); errors.Is(err, llm.ErrUnknownModel) || errors.Is(err, llm.ErrModelDisabled) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		rt.daemon.Submit(rc)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"run_id":    rc.RunID,
			"thread_id": rc.ThreadID,
			"status":    "queued",
		})
		return
	}

	res, err := rt.daemon.Execute(r.Context(), rc)
	if err != nil && res == nil {
		writeError(w, runErrorStatus(err), err.Error())
		return
	}
	status := http.StatusOK
	if err != nil {
		status = runErrorStatus(err)
	}
	writeJSON(w, status, res)
}

func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrDuplicateRun):
		return http.StatusConflict
	case errors.Is(err, commandqueue.ErrClosed):
		return http.StatusServiceUnavailable
	}
	switch agent.KindOf(err) {
	case agent.KindUserInput:
		return http.StatusBadRequest
	case agent.KindBudgetExceeded:
		return http.StatusUnprocessableEntity
	case agent.KindLLMFatal, agent.KindLLMExhausted:
		return http.StatusBadGateway
	case agent.KindSandboxUnavailable:
		return http.StatusServiceUnavailable
	case agent.KindCanceled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (rt *router) getRun(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.daemon.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	switch {
	case errors.Is(err, session.ErrRunNotFound), errors.Is(err, session.ErrInvalidKey):
		writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (rt *router) abortRun(w http.ResponseWriter, r *http.Request) {
	if !rt.daemon.threads.Abort(chi.URLParam(r, "runID")) {
		writeError(w, http.StatusNotFound, "run is not active")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) threadMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := rt.daemon.store.Load(r.Context(), chi.URLParam(r, "threadID"))
	switch {
	case errors.Is(err, session.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		if msgs == nil {
			msgs = []session.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func (rt *router) listModels(w http.ResponseWriter, r *http.Request) {
	specs, err := rt.daemon.models.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, specs)
}

func (rt *router) refreshModels(w http.ResponseWriter, r *http.Request) {
	if err := rt.daemon.RefreshModels(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rt.listModels(w, r)
}

func (rt *router) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.daemon.queue.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
