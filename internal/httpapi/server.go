package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/you/chatspout/internal/archive"
	"github.com/you/chatspout/internal/core"
	"github.com/you/chatspout/internal/hub"
	"github.com/you/chatspout/internal/normalize"
	"github.com/you/chatspout/internal/pipeline"
	"github.com/you/chatspout/internal/ratelimit"
	"github.com/you/chatspout/internal/webhook"
)

// Store is the read side of the archive consumed by the list endpoints.
type Store interface {
	Count() (int64, error)
	ListRecent(topic string, limit int) ([]core.BufferedRecord, error)
}

// Deps are the pipeline components the API surfaces. Any may be nil;
// the corresponding endpoints degrade or 404.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Hub      *hub.Hub
	Buffer   *archive.Buffer
	Store    Store
	Limiter  *ratelimit.Limiter
	Webhooks *webhook.Dispatcher
}

type Options struct {
	Addr           string
	AllowedOrigins []string
	AdminToken     string
	Build          BuildInfo
	// ConfigSummary is the redacted config snapshot shown on /info.
	ConfigSummary map[string]string
	// Metrics may be pre-built so other components can share it; nil
	// makes the server build its own.
	Metrics *Metrics
}

type Server struct {
	httpServer *http.Server
	opts       Options

	pipeline *pipeline.Pipeline
	hub      *hub.Hub
	buffer   *archive.Buffer
	store    Store
	limiter  *ratelimit.Limiter
	webhooks *webhook.Dispatcher

	metrics   *Metrics
	cors      *corsPolicy
	wsOrigins []string
}

func New(deps Deps, opts Options) *Server {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	srv := &Server{
		opts:      opts,
		pipeline:  deps.Pipeline,
		hub:       deps.Hub,
		buffer:    deps.Buffer,
		store:     deps.Store,
		limiter:   deps.Limiter,
		webhooks:  deps.Webhooks,
		metrics:   metrics,
		cors:      newCORSPolicy(opts.AllowedOrigins),
		wsOrigins: originHostPatterns(opts.AllowedOrigins),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.wrap("/healthz", srv.handleHealthz))
	mux.HandleFunc("/info", srv.wrap("/info", srv.handleInfo))
	mux.HandleFunc("/ingest", srv.wrap("/ingest", srv.handleIngest))
	mux.HandleFunc("/events", srv.wrap("/events", srv.handleEvents))
	mux.HandleFunc("/ws", srv.wrap("/ws", srv.handleWS))
	mux.HandleFunc("/messages", srv.wrap("/messages", srv.handleMessages))
	mux.HandleFunc("/count", srv.wrap("/count", srv.handleCount))
	mux.HandleFunc("/stats", srv.wrap("/stats", srv.handleStats))
	mux.Handle("/metrics", srv.metrics.Handler())

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Metrics exposes the collector bundle so main can wire pipeline
// callbacks (hub drops, archive errors) into it.
func (s *Server) Metrics() *Metrics { return s.metrics }

// wrap applies the shared middleware: CORS, access recording, gzip, and
// request metrics.
func (s *Server) wrap(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if handled, status := s.cors.handlePreflight(w, r); handled {
			s.metrics.ObserveRequest(route, r.Method, status, time.Since(start))
			return
		}
		if !s.cors.applyHeaders(w, r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			s.metrics.ObserveRequest(route, r.Method, http.StatusForbidden, time.Since(start))
			return
		}

		rec := newResponseRecorder(w)
		if gz, ok := maybeGzip(rec, r); ok {
			defer gz.Close()
		}

		next(rec, r)

		dur := time.Since(start)
		s.metrics.ObserveRequest(route, r.Method, rec.Status(), dur)
		slog.Debug("http request",
			"route", route,
			"method", r.Method,
			"status", rec.Status(),
			"bytes", rec.Bytes(),
			"dur", dur,
			"ip", remoteIP(r))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// handleIngest accepts one notification or an array of notifications and
// feeds them through the pipeline. Quota applies per request, not per
// notification.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline == nil {
		http.Error(w, "ingest unavailable", http.StatusServiceUnavailable)
		return
	}
	if !s.enforceQuota(w, r) {
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	raw = bytes.TrimSpace(raw)

	var notes []normalize.Notification
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &notes); err != nil {
			http.Error(w, "invalid notification array", http.StatusBadRequest)
			return
		}
	} else {
		var single normalize.Notification
		if err := json.Unmarshal(raw, &single); err != nil {
			http.Error(w, "invalid notification body", http.StatusBadRequest)
			return
		}
		notes = []normalize.Notification{single}
	}

	var resp ingestResponse
	for _, note := range notes {
		if _, ok := s.pipeline.Ingest(note); ok {
			resp.Accepted++
			s.metrics.IncIngest("accepted")
		} else {
			resp.Rejected++
			s.metrics.IncIngest("rejected")
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !s.enforceQuota(w, r) {
		return
	}
	count, err := s.store.Count()
	if err != nil {
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"count": count})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !s.enforceQuota(w, r) {
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	topic := ""
	if len(filters.Topics) == 1 {
		topic = filters.Topics[0]
	}
	rows, err := s.store.ListRecent(topic, filters.Limit)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	rows = applyRecordFilters(rows, filters)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(recordsToJSON(rows))
}

// applyRecordFilters narrows a newest-first page by topic, username, and
// since, then applies order.
func applyRecordFilters(rows []core.BufferedRecord, f Filters) []core.BufferedRecord {
	out := rows[:0:0]
	for _, rec := range rows {
		if len(f.Topics) > 0 {
			topic := strings.ToLower(rec.Topic)
			match := false
			for _, t := range f.Topics {
				if topic == t {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if len(f.Usernames) > 0 {
			username := strings.ToLower(rec.Actor.Username)
			match := false
			for _, u := range f.Usernames {
				if strings.Contains(username, u) {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if f.Since != nil && rec.Ts.Before(f.Since.UTC()) {
			continue
		}
		out = append(out, rec)
	}
	if f.Order == OrderAsc {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Ts.Before(out[j].Ts) })
	}
	return out
}

type messageJSON struct {
	MsgID       string    `json:"msg_id"`
	Topic       string    `json:"topic"`
	Ts          time.Time `json:"ts"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	Text        string    `json:"text"`
}

func recordsToJSON(rows []core.BufferedRecord) []messageJSON {
	out := make([]messageJSON, 0, len(rows))
	for _, rec := range rows {
		out = append(out, messageJSON{
			MsgID:       rec.MsgID,
			Topic:       rec.Topic,
			Ts:          rec.Ts,
			Username:    rec.Actor.Username,
			DisplayName: rec.Actor.DisplayName,
			Text:        rec.Text,
		})
	}
	return out
}

// handleEvents streams the live event feed over Server-Sent Events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	if !s.enforceQuota(w, r) {
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filters = filters.CloneForStream()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	handle := "sse-" + uuid.NewString()
	ch, subscribed := s.subscribe(handle, filters)
	if !subscribed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.Disconnect(handle)

	s.metrics.IncSSEClients(1)
	defer s.metrics.IncSSEClients(-1)

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case env, ok := <-ch:
			if !ok {
				return
			}
			if !filters.Matches(env) {
				continue
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Kind, data)
			flusher.Flush()
			s.metrics.IncEventsSent("sse")
		}
	}
}

// subscribe registers the handle on every requested topic, or the global
// topic when no topic filter is present.
func (s *Server) subscribe(handle string, f Filters) (<-chan core.Envelope, bool) {
	if len(f.Topics) == 0 {
		return s.hub.Subscribe(handle, core.GlobalTopic)
	}
	var ch <-chan core.Envelope
	for _, topic := range f.Topics {
		c, ok := s.hub.Subscribe(handle, topic)
		if !ok {
			return nil, false
		}
		ch = c
	}
	return ch, true
}

type statsResponse struct {
	Pipeline pipeline.Stats `json:"pipeline"`
	Hub      hub.Stats      `json:"hub"`
	Archive  archive.Stats  `json:"archive"`
	Webhooks webhook.Stats  `json:"webhooks"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.enforceQuota(w, r) {
		return
	}
	var resp statsResponse
	if s.pipeline != nil {
		resp.Pipeline = s.pipeline.Stats()
	}
	if s.hub != nil {
		resp.Hub = s.hub.Stats()
	}
	if s.buffer != nil {
		resp.Archive = s.buffer.Stats()
	}
	if s.webhooks != nil {
		resp.Webhooks = s.webhooks.Stats()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
