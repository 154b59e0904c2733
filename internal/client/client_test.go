package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/plangate/internal/report"
	"github.com/ppiankov/plangate/internal/server"
)

const rulesYAML = `
name: client-rules
tiers: [prod, dev]
rules:
  - id: versioning
    applies_to: {types: [aws_s3_bucket], tiers: [prod]}
    predicate: {attr: versioning.enabled, eq: true}
`

func planFor(env string, versioned bool) []byte {
	v := "false"
	if versioned {
		v = "true"
	}
	return []byte(`{"resource_changes":[{"address":"aws_s3_bucket.a","type":"aws_s3_bucket","mode":"managed",
"change":{"actions":["create"],"after":{"tags":{"Environment":"` + env + `"},"versioning":{"enabled":` + v + `}}}}]}`)
}

// startTestServer serves a rule-set on a random port and returns its address.
func startTestServer(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(rulesYAML), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	srv, err := server.New(server.Config{RuleSetPath: path})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.ServeGRPC(lis)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return lis.Addr().String()
}

func newClient(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientEvaluatePass(t *testing.T) {
	c := newClient(t, startTestServer(t))

	resp, err := c.Evaluate(context.Background(), planFor("prod", true), "test")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if resp.Report.Decision != report.Pass {
		t.Errorf("expected pass, got %s", resp.Report.Decision)
	}
	if resp.RuleSet != "client-rules" {
		t.Errorf("expected rule-set client-rules, got %q", resp.RuleSet)
	}
}

func TestClientEvaluateBlocked(t *testing.T) {
	c := newClient(t, startTestServer(t))

	resp, err := c.Evaluate(context.Background(), planFor("prod", false), "test")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if resp.Report.Decision != report.Blocked {
		t.Fatalf("expected blocked, got %s", resp.Report.Decision)
	}
	if got := resp.Report.Violations[0].RuleID; got != "versioning" {
		t.Errorf("expected versioning violation, got %s", got)
	}
}

func TestClientEvaluateDevTierPasses(t *testing.T) {
	c := newClient(t, startTestServer(t))

	resp, err := c.Evaluate(context.Background(), planFor("dev", false), "test")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if resp.Report.Decision != report.Pass {
		t.Errorf("expected pass for dev tier, got %s", resp.Report.Decision)
	}
}

func TestClientMalformedPlanIsError(t *testing.T) {
	c := newClient(t, startTestServer(t))

	if _, err := c.Evaluate(context.Background(), []byte(`{"resource_changes": "x"}`), "test"); err == nil {
		t.Fatal("expected error for malformed plan")
	}
}

func TestClientFailClosed(t *testing.T) {
	// Reserve a port, then release it so nothing is listening.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	c := newClient(t, addr)
	c.SetTimeout(500 * time.Millisecond)

	resp, err := c.Evaluate(context.Background(), planFor("prod", true), "test")
	if err != nil {
		t.Fatalf("fail-closed should not return error, got: %v", err)
	}
	if resp.Report.Decision != report.Blocked {
		t.Errorf("expected blocked when server unreachable, got %s", resp.Report.Decision)
	}
	if resp.Report.Decision.ExitCode() != report.ExitBlocked {
		t.Errorf("expected exit code %d, got %d", report.ExitBlocked, resp.Report.Decision.ExitCode())
	}
}

func TestClientRules(t *testing.T) {
	c := newClient(t, startTestServer(t))

	resp, err := c.Rules(context.Background())
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	if len(resp.Rules) != 1 || resp.Rules[0].ID != "versioning" {
		t.Errorf("unexpected rules: %+v", resp.Rules)
	}
}
