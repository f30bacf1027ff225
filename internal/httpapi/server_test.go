package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/you/chatspout/internal/core"
	"github.com/you/chatspout/internal/pipeline"
	"github.com/you/chatspout/internal/ratelimit"
)

type fakeStore struct {
	rows []core.BufferedRecord
}

func (s *fakeStore) Count() (int64, error) { return int64(len(s.rows)), nil }

func (s *fakeStore) ListRecent(topic string, limit int) ([]core.BufferedRecord, error) {
	var out []core.BufferedRecord
	for i := len(s.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if topic != "" && s.rows[i].Topic != topic {
			continue
		}
		out = append(out, s.rows[i])
	}
	return out, nil
}

func newTestServer(deps Deps) *Server {
	return New(deps, Options{Addr: "127.0.0.1:0", AdminToken: "sesame"})
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(Deps{})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestIngestAcceptsAndCounts(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	srv := newTestServer(Deps{Pipeline: p})

	body := `[{"type":"message","channel":"alpha","fields":{"login":"alice","text":"hi","id":"m1"}},
	          {"type":"hosttarget","channel":"alpha"}]`
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted != 1 || resp.Rejected != 1 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestIngestSingleObject(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	srv := newTestServer(Deps{Pipeline: p})

	body := `{"type":"cheer","channel":"alpha","fields":{"login":"alice","bits":"500"}}`
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if p.Stats().Accepted != 1 {
		t.Fatalf("pipeline stats = %+v", p.Stats())
	}
}

func TestIngestRejectsGet(t *testing.T) {
	srv := newTestServer(Deps{Pipeline: pipeline.New(pipeline.Options{})})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ingest", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestQuotaRejectionCarriesRetryAfter(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Options{
		Window:      time.Minute,
		AnonCeiling: 1,
	})
	srv := newTestServer(Deps{Store: &fakeStore{}, Limiter: limiter})

	first := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/count", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request = %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("limit header = %q", first.Header().Get("X-RateLimit-Limit"))
	}

	second := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/count", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("429 missing Retry-After")
	}
}

func TestAdminTokenBypassesQuota(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Options{
		Window:      time.Minute,
		AnonCeiling: 1,
	})
	srv := newTestServer(Deps{Store: &fakeStore{}, Limiter: limiter})

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/count", nil)
		req.Header.Set("X-Spout-Admin-Token", "sesame")
		rec := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("admin request %d = %d", i, rec.Code)
		}
	}
}

func TestMessagesFiltering(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	store := &fakeStore{rows: []core.BufferedRecord{
		{MsgID: "1", Topic: "alpha", Ts: ts, Actor: core.Actor{Username: "alice"}, Text: "one"},
		{MsgID: "2", Topic: "alpha", Ts: ts.Add(time.Second), Actor: core.Actor{Username: "bob"}, Text: "two"},
		{MsgID: "3", Topic: "beta", Ts: ts.Add(2 * time.Second), Actor: core.Actor{Username: "alice"}, Text: "three"},
	}}
	srv := newTestServer(Deps{Store: store})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/messages?topic=alpha&username=alice", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var rows []messageJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].MsgID != "1" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestMessagesMultiTopicFilter(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	store := &fakeStore{rows: []core.BufferedRecord{
		{MsgID: "1", Topic: "alpha", Ts: ts, Actor: core.Actor{Username: "a"}},
		{MsgID: "2", Topic: "beta", Ts: ts.Add(time.Second), Actor: core.Actor{Username: "a"}},
		{MsgID: "3", Topic: "gamma", Ts: ts.Add(2 * time.Second), Actor: core.Actor{Username: "a"}},
	}}
	srv := newTestServer(Deps{Store: store})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/messages?topic=alpha,beta", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var rows []messageJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	for _, row := range rows {
		if row.Topic != "alpha" && row.Topic != "beta" {
			t.Fatalf("unrequested topic %q in page: %+v", row.Topic, rows)
		}
	}
}

func TestMessagesAscOrder(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	store := &fakeStore{rows: []core.BufferedRecord{
		{MsgID: "1", Topic: "alpha", Ts: ts, Actor: core.Actor{Username: "a"}},
		{MsgID: "2", Topic: "alpha", Ts: ts.Add(time.Second), Actor: core.Actor{Username: "a"}},
	}}
	srv := newTestServer(Deps{Store: store})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/messages?order=asc", nil))
	var rows []messageJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 || rows[0].MsgID != "1" || rows[1].MsgID != "2" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestStatsShape(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	srv := newTestServer(Deps{Pipeline: p})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(Deps{})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
}
