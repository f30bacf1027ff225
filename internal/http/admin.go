package httpadmin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/you/chatspout/internal/ratelimit"
	"github.com/you/chatspout/internal/webhook"
)

// RateAdmin is the rate limiter's administrative mutator surface.
type RateAdmin interface {
	Block(identity, reason string) error
	Unblock(identity string) error
	SetOverride(identity string, ceiling int, expiresAt time.Time) error
	ClearOverride(identity string) error
	AssignTier(principal string, tier ratelimit.Tier) error
	RemoveTier(principal string) error
}

// WebhookAdmin is the dispatcher's administrative mutator surface.
type WebhookAdmin interface {
	List() []webhook.Subscription
	Upsert(sub webhook.Subscription) error
	Remove(id string) error
	Enable(id string) error
	Disable(id string) error
	Mute(id string) error
	Unmute(id string) error
	ResetFailures(id string) error
	ReloadSeed(path string) (int, error)
}

type Server struct {
	rates    RateAdmin
	webhooks WebhookAdmin
	token    string
	seedPath string
}

type Options struct {
	// Token guards every admin route when non-empty.
	Token string
	// SeedPath is the webhook destination seed file for /admin/webhooks/reload.
	SeedPath string
}

func New(rates RateAdmin, webhooks WebhookAdmin, opts Options) *Server {
	return &Server{
		rates:    rates,
		webhooks: webhooks,
		token:    opts.Token,
		seedPath: opts.SeedPath,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/admin/ratelimit/block", s.guard(s.handleBlock))
	mux.HandleFunc("/admin/ratelimit/unblock", s.guard(s.handleUnblock))
	mux.HandleFunc("/admin/ratelimit/override", s.guard(s.handleOverride))
	mux.HandleFunc("/admin/ratelimit/override/clear", s.guard(s.handleOverrideClear))
	mux.HandleFunc("/admin/ratelimit/tier", s.guard(s.handleTier))
	mux.HandleFunc("/admin/ratelimit/tier/remove", s.guard(s.handleTierRemove))

	mux.HandleFunc("/admin/webhooks", s.guard(s.handleWebhooks))
	mux.HandleFunc("/admin/webhooks/remove", s.guard(s.webhookMutator(func(id string) error { return s.webhooks.Remove(id) })))
	mux.HandleFunc("/admin/webhooks/enable", s.guard(s.webhookMutator(func(id string) error { return s.webhooks.Enable(id) })))
	mux.HandleFunc("/admin/webhooks/disable", s.guard(s.webhookMutator(func(id string) error { return s.webhooks.Disable(id) })))
	mux.HandleFunc("/admin/webhooks/mute", s.guard(s.webhookMutator(func(id string) error { return s.webhooks.Mute(id) })))
	mux.HandleFunc("/admin/webhooks/unmute", s.guard(s.webhookMutator(func(id string) error { return s.webhooks.Unmute(id) })))
	mux.HandleFunc("/admin/webhooks/reset", s.guard(s.webhookMutator(func(id string) error { return s.webhooks.ResetFailures(id) })))
	mux.HandleFunc("/admin/webhooks/reload", s.guard(s.handleWebhookReload))
}

// guard enforces POST-or-GET semantics per handler and the admin token.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("X-Spout-Admin-Token") != s.token {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeInto(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeOK(w http.ResponseWriter, extra map[string]any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out := map[string]any{"ok": true}
	for k, v := range extra {
		out[k] = v
	}
	_ = json.NewEncoder(w).Encode(out)
}

func writeMutatorError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

type identityRequest struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req identityRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if req.Identity == "" {
		http.Error(w, "identity required", http.StatusBadRequest)
		return
	}
	if err := s.rates.Block(req.Identity, req.Reason); err != nil {
		writeMutatorError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req identityRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if req.Identity == "" {
		http.Error(w, "identity required", http.StatusBadRequest)
		return
	}
	if err := s.rates.Unblock(req.Identity); err != nil {
		writeMutatorError(w, err)
		return
	}
	writeOK(w, nil)
}

type overrideRequest struct {
	Identity  string `json:"identity"`
	Ceiling   int    `json:"ceiling"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req overrideRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if req.Identity == "" || req.Ceiling == 0 {
		http.Error(w, "identity and ceiling required", http.StatusBadRequest)
		return
	}
	var expires time.Time
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			http.Error(w, "expires_at must be RFC3339", http.StatusBadRequest)
			return
		}
		expires = t
	}
	if err := s.rates.SetOverride(req.Identity, req.Ceiling, expires); err != nil {
		writeMutatorError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleOverrideClear(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req identityRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if req.Identity == "" {
		http.Error(w, "identity required", http.StatusBadRequest)
		return
	}
	if err := s.rates.ClearOverride(req.Identity); err != nil {
		writeMutatorError(w, err)
		return
	}
	writeOK(w, nil)
}

type tierRequest struct {
	Principal string `json:"principal"`
	Tier      string `json:"tier,omitempty"`
}

func (s *Server) handleTier(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req tierRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if req.Principal == "" || req.Tier == "" {
		http.Error(w, "principal and tier required", http.StatusBadRequest)
		return
	}
	if err := s.rates.AssignTier(req.Principal, ratelimit.Tier(req.Tier)); err != nil {
		writeMutatorError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleTierRemove(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req tierRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if req.Principal == "" {
		http.Error(w, "principal required", http.StatusBadRequest)
		return
	}
	if err := s.rates.RemoveTier(req.Principal); err != nil {
		writeMutatorError(w, err)
		return
	}
	writeOK(w, nil)
}

// handleWebhooks lists destinations on GET and upserts one on POST.
func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(s.webhooks.List())
	case http.MethodPost:
		var sub webhook.Subscription
		if !decodeInto(w, r, &sub) {
			return
		}
		if err := s.webhooks.Upsert(sub); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeOK(w, map[string]any{"id": sub.ID})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type webhookIDRequest struct {
	ID string `json:"id"`
}

func (s *Server) webhookMutator(mutate func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req webhookIDRequest
		if !decodeInto(w, r, &req) {
			return
		}
		if req.ID == "" {
			http.Error(w, "id required", http.StatusBadRequest)
			return
		}
		if err := mutate(req.ID); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeOK(w, nil)
	}
}

func (s *Server) handleWebhookReload(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if s.seedPath == "" {
		http.Error(w, "no seed file configured", http.StatusConflict)
		return
	}
	n, err := s.webhooks.ReloadSeed(s.seedPath)
	if err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeOK(w, map[string]any{"destinations": n})
}
