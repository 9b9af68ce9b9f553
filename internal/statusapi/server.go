// Package statusapi serves a read-mostly HTTP view of the control plane: job
// snapshots, event logs, ledgers and lineage artifacts, plus a websocket feed
// of committed events. The only write it accepts is a cancel request.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/reelforge/ralph/internal/contract"
	"github.com/reelforge/ralph/internal/index"
	"github.com/reelforge/ralph/internal/lineage"
	"github.com/reelforge/ralph/internal/store"
)

// Server answers single-job reads from the state directory. Listings and
// counts come from the index when one is set; the index only follows writes
// made through this process's store, so ListenAndServe rebuilds it every
// ResyncInterval to pick up cancels and runs from other processes.
type Server struct {
	Store          *store.Store
	Index          *index.Index
	Logger         *slog.Logger
	ResyncInterval time.Duration

	hub      *Hub
	upgrader websocket.Upgrader
}

// New builds a server over s. ix is optional; without it job listings are
// read from the state directory.
func New(s *store.Store, ix *index.Index, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	hub := NewHub(logger)
	s.Subscribe(hub.Publish)
	return &Server{
		Store:  s,
		Index:  ix,
		Logger: logger,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (srv *Server) Hub() *Hub {
	return srv.hub
}

func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(srv.logRequests)

	r.Get("/healthz", srv.healthz)
	r.Get("/ws", srv.serveWS)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", srv.listJobs)
		r.Get("/counts", srv.counts)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Use(validJobID)
			r.Get("/", srv.getJob)
			r.Get("/events", srv.events)
			r.Get("/ledger", srv.ledger)
			r.Get("/manifest", srv.manifest)
			r.Get("/failure", srv.failureRecord)
			r.Post("/cancel", srv.cancel)
		})
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		srv.Logger.Info("status api listening", "addr", addr)
		errc <- httpServer.ListenAndServe()
	}()
	if srv.Index != nil && srv.ResyncInterval > 0 {
		go srv.resyncLoop(ctx)
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Resync rebuilds the index from the state directory.
func (srv *Server) Resync(ctx context.Context) error {
	if srv.Index == nil {
		return nil
	}
	n, err := srv.Index.Rebuild(ctx, srv.Store)
	if err != nil {
		return err
	}
	srv.Logger.Debug("index resynced", "jobs", n)
	return nil
}

func (srv *Server) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(srv.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := srv.Resync(ctx); err != nil && ctx.Err() == nil {
				srv.Logger.Warn("index resync failed", "err", err)
			}
		}
	}
}

func (srv *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ws_clients": srv.hub.ClientCount()})
}

func (srv *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := index.Filter{
		State: r.URL.Query().Get("state"),
		Lane:  r.URL.Query().Get("lane"),
		Limit: queryInt(r, "limit"),
	}
	if srv.Index != nil {
		rows, err := srv.Index.List(r.Context(), filter)
		if err != nil {
			srv.fail(w, err)
			return
		}
		if rows == nil {
			rows = []index.Row{}
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}
	jobs, err := srv.Store.List()
	if err != nil {
		srv.fail(w, err)
		return
	}
	out := make([]store.JobState, 0, len(jobs))
	for _, job := range jobs {
		if filter.State != "" && string(job.State) != filter.State {
			continue
		}
		if filter.Lane != "" && string(job.Lane) != filter.Lane {
			continue
		}
		out = append(out, job)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (srv *Server) counts(w http.ResponseWriter, r *http.Request) {
	if srv.Index != nil {
		counts, err := srv.Index.Counts(r.Context())
		if err != nil {
			srv.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
		return
	}
	jobs, err := srv.Store.List()
	if err != nil {
		srv.fail(w, err)
		return
	}
	counts := map[string]int{}
	for _, job := range jobs {
		counts[string(job.State)]++
	}
	writeJSON(w, http.StatusOK, counts)
}

func (srv *Server) getJob(w http.ResponseWriter, r *http.Request) {
	state, err := srv.Store.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		srv.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (srv *Server) events(w http.ResponseWriter, r *http.Request) {
	events, err := srv.Store.Events(chi.URLParam(r, "jobID"), queryInt(r, "limit"))
	if err != nil {
		srv.fail(w, err)
		return
	}
	if events == nil {
		events = []store.LogEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (srv *Server) ledger(w http.ResponseWriter, r *http.Request) {
	entries, err := srv.Store.Ledger(chi.URLParam(r, "jobID"))
	if err != nil {
		srv.fail(w, err)
		return
	}
	if entries == nil {
		entries = []store.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (srv *Server) manifest(w http.ResponseWriter, r *http.Request) {
	var manifest lineage.Manifest
	found, err := srv.Store.ReadManifest(chi.URLParam(r, "jobID"), &manifest)
	srv.artifact(w, manifest, found, err)
}

func (srv *Server) failureRecord(w http.ResponseWriter, r *http.Request) {
	var record lineage.FailureRecord
	found, err := srv.Store.ReadFailure(chi.URLParam(r, "jobID"), &record)
	srv.artifact(w, record, found, err)
}

func (srv *Server) artifact(w http.ResponseWriter, v any, found bool, err error) {
	switch {
	case err != nil:
		srv.fail(w, err)
	case !found:
		writeError(w, http.StatusNotFound, "not written")
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

func (srv *Server) cancel(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		actor = "statusapi"
	}
	state, err := srv.Store.RequestCancel(chi.URLParam(r, "jobID"), actor)
	if err != nil {
		srv.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.Logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	srv.hub.Add(conn)
}

func (srv *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		srv.Logger.Error("status api request failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (srv *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		srv.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func validJobID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !contract.ValidJobID(chi.URLParam(r, "jobID")) {
			writeError(w, http.StatusBadRequest, "invalid job id")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
