// Package client evaluates plans against a remote plangate server.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/plangate/internal/api"
	"github.com/ppiankov/plangate/internal/report"
)

// DefaultTimeout bounds one RPC when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// Client connects to a plangate gRPC server.
type Client struct {
	conn    *grpc.ClientConn
	client  *api.EvaluatorClient
	timeout time.Duration
}

// New creates a gRPC client for addr. The connection is lazy, so an
// unreachable server surfaces on the first call.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to plangate server: %w", err)
	}
	return &Client{
		conn:    conn,
		client:  api.NewEvaluatorClient(conn),
		timeout: DefaultTimeout,
	}, nil
}

// SetTimeout overrides DefaultTimeout.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Evaluate sends a plan JSON document to the server.
//
// Fail-closed: when the server cannot produce a report (unreachable,
// timed out, internal error) the response carries a blocked report and a
// nil error. Errors are returned only for rejected input: a malformed
// plan or a rule-set the server cannot evaluate.
func (c *Client) Evaluate(ctx context.Context, planJSON []byte, source string) (*api.EvaluateResponse, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.client.Evaluate(ctx, &api.EvaluateRequest{Plan: json.RawMessage(planJSON), Source: source})
	if err != nil {
		switch status.Code(err) {
		case codes.InvalidArgument, codes.FailedPrecondition:
			return nil, fmt.Errorf("remote evaluation rejected: %s", status.Convert(err).Message())
		}
		return &api.EvaluateResponse{
			Report: report.Failed(fmt.Sprintf("plangate server unreachable: %s", status.Convert(err).Message())),
		}, nil
	}
	if resp.Report == nil {
		resp.Report = report.Failed("plangate server returned no report")
	}
	return resp, nil
}

// Rules lists the rules compiled by the server.
func (c *Client) Rules(ctx context.Context) (*api.RulesResponse, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.Rules(ctx, &api.RulesRequest{})
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
