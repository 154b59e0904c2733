package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/plangate/internal/report"
)

func init() {
	retryDelay = 10 * time.Millisecond
}

func blockedEvent() Event {
	return Event{RunID: "run-1", RuleSet: "baseline", Decision: "blocked", Violations: 1, HardMandatory: 1,
		Findings: []Finding{{RuleID: "s3-encryption", Address: "aws_s3_bucket.logs", Enforcement: "hard-mandatory", Message: "not encrypted"}}}
}

func TestDispatchMatchesDecision(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]Config{
		{URL: srv.URL, Format: "generic", Decisions: []string{"blocked"}},
	})

	if err := d.Dispatch(context.Background(), blockedEvent()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]Config{
		{URL: srv.URL, Format: "generic", Decisions: []string{"blocked"}},
	})

	if err := d.Dispatch(context.Background(), Event{Decision: "pass"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
}

func TestDispatchMultipleWebhooks(t *testing.T) {
	var called atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	srv1 := httptest.NewServer(handler)
	defer srv1.Close()
	srv2 := httptest.NewServer(handler)
	defer srv2.Close()

	d := NewDispatcher([]Config{
		{URL: srv1.URL, Format: "generic", Decisions: []string{"blocked"}},
		{URL: srv2.URL, Format: "slack", Decisions: []string{"*"}},
	})

	if err := d.Dispatch(context.Background(), blockedEvent()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if called.Load() != 2 {
		t.Errorf("expected 2 calls (both webhooks match), got %d", called.Load())
	}
}

func TestDispatchJoinsFailures(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bad.Close()

	d := NewDispatcher([]Config{
		{URL: ok.URL, Decisions: []string{"blocked"}},
		{URL: bad.URL, Decisions: []string{"blocked"}},
	})
	err := d.Dispatch(context.Background(), blockedEvent())
	if err == nil {
		t.Fatal("expected error from rejecting webhook")
	}
	if !strings.Contains(err.Error(), bad.URL) || strings.Contains(err.Error(), ok.URL) {
		t.Errorf("error should name only the failing webhook: %v", err)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Send(context.Background(), Config{URL: srv.URL, Format: "generic"}, blockedEvent())
	if err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := Send(context.Background(), Config{URL: srv.URL, Format: "generic"}, blockedEvent())
	if err == nil {
		t.Error("expected error on 400, got nil")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestSendStopsRetryingWhenCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Send(ctx, Config{URL: srv.URL}, blockedEvent()); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestSendSetsHeaders(t *testing.T) {
	var got, runID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		runID = r.Header.Get(RunIDHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := Config{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}}
	if err := Send(context.Background(), cfg, blockedEvent()); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer t" {
		t.Errorf("expected Authorization header, got %q", got)
	}
	if runID != "run-1" {
		t.Errorf("expected run id header, got %q", runID)
	}
}

func TestNewEventFromReport(t *testing.T) {
	var vs []report.Violation
	for i := 0; i < 12; i++ {
		vs = append(vs, report.Violation{
			RuleID: "r", Address: "aws_thing.x" + string(rune('a'+i)), Tier: "prod",
			Severity: report.SeverityHigh, Enforcement: report.HardMandatory, Message: "m",
		})
	}
	e := NewEvent("run-1", "baseline", "sha256:abc", report.Aggregate(vs))

	if e.Decision != "blocked" {
		t.Errorf("expected blocked, got %s", e.Decision)
	}
	if e.Violations != 12 || e.HardMandatory != 12 {
		t.Errorf("unexpected counts: %+v", e)
	}
	if len(e.Findings) != maxFindings {
		t.Errorf("expected %d findings, got %d", maxFindings, len(e.Findings))
	}
	if e.Findings[0].Address != "aws_thing.xa" {
		t.Errorf("expected findings in report order, got %s", e.Findings[0].Address)
	}
}

func TestFormatGenericJSON(t *testing.T) {
	data, err := FormatPayload("generic", blockedEvent())
	if err != nil {
		t.Fatal(err)
	}

	var parsed Event
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed.RunID != "run-1" {
		t.Errorf("expected run_id run-1, got %s", parsed.RunID)
	}
	if parsed.Decision != "blocked" {
		t.Errorf("expected decision blocked, got %s", parsed.Decision)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	data, err := FormatPayload("slack", blockedEvent())
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}

	blocks, ok := parsed["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in slack payload")
	}
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}

	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %s", header["type"])
	}

	section, _ := blocks[1].(map[string]any)
	fields, ok := section["fields"].([]any)
	if !ok || len(fields) != 3 {
		t.Errorf("expected 3 fields in section, got %v", fields)
	}

	findings, _ := blocks[2].(map[string]any)
	text, _ := findings["text"].(map[string]any)
	if !strings.Contains(text["text"].(string), "s3-encryption") {
		t.Errorf("expected findings block to name the rule, got %v", text["text"])
	}
}

func TestFormatPagerDuty(t *testing.T) {
	data, err := FormatPayload("pagerduty", blockedEvent())
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("pagerduty format is not valid JSON: %v", err)
	}

	if parsed["event_action"] != "trigger" {
		t.Errorf("expected event_action trigger, got %v", parsed["event_action"])
	}
	if parsed["dedup_key"] != "run-1" {
		t.Errorf("expected dedup_key run-1, got %v", parsed["dedup_key"])
	}

	payload, ok := parsed["payload"].(map[string]any)
	if !ok {
		t.Fatal("expected payload object")
	}
	if payload["severity"] != "critical" {
		t.Errorf("expected severity critical for blocked, got %v", payload["severity"])
	}
	if payload["source"] != "plangate" {
		t.Errorf("expected source plangate, got %v", payload["source"])
	}
}

func TestNewDispatcherNilOnEmpty(t *testing.T) {
	if d := NewDispatcher(nil); d != nil {
		t.Error("expected nil dispatcher for empty configs")
	}
	if d := NewDispatcher([]Config{}); d != nil {
		t.Error("expected nil dispatcher for zero-length configs")
	}
}
