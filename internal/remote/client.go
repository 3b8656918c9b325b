// Package remote executes typed GraphQL operations against the registry API
// and normalizes every failure into an *Error.
package remote

//go:generate mockgen -source=client.go -destination=mocks/mock_executor.go -package=mocks Executor,TokenSource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"regwatch/internal/platform/metrics"
	"regwatch/pkg/requestcontext"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 4 << 20
	tracerName       = "regwatch/internal/remote"
)

// Executor runs one operation and returns the raw "data" member of the response.
type Executor interface {
	Execute(ctx context.Context, op Operation, vars Variables) (json.RawMessage, error)
}

// TokenSource supplies the bearer credential for each call. An empty token
// sends the call anonymously.
type TokenSource interface {
	Token() string
}

type Client struct {
	endpoint string
	http     *http.Client
	tokens   TokenSource
	timeout  time.Duration
	tracer   trace.Tracer
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithTimeout bounds every call. Calls past the deadline fail with KindTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{},
		timeout:  defaultTimeout,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	Query         string    `json:"query"`
	OperationName string    `json:"operationName"`
	Variables     Variables `json:"variables,omitempty"`
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

type gqlError struct {
	Message    string   `json:"message"`
	Path       []any    `json:"path,omitempty"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// Execute implements Executor.
func (c *Client) Execute(ctx context.Context, op Operation, vars Variables) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "graphql "+op.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("graphql.operation.name", op.Name),
			attribute.String("graphql.operation.type", op.kind()),
		),
	)
	defer span.End()

	data, err := c.execute(ctx, op, vars)
	if err != nil {
		kind := KindOf(err)
		span.SetAttributes(attribute.String("regwatch.error.kind", string(kind)))
		if kind != KindCancelled {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kind))
		}
		c.metrics.IncrementRemote(op.Name, string(kind))
		if c.logger != nil && kind != KindCancelled {
			c.logger.WarnContext(ctx, "remote call failed",
				"operation", op.Name,
				"kind", kind,
				"error", err,
			)
		}
		return nil, err
	}
	c.metrics.IncrementRemote(op.Name, "ok")
	return data, nil
}

func (c *Client) execute(ctx context.Context, op Operation, vars Variables) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(request{Query: op.Document, OperationName: op.Name, Variables: vars})
	if err != nil {
		return nil, newError(KindProtocol, op.Name, "encode request", err)
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, newError(KindProtocol, op.Name, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID(ctx))
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, callCtx, op.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(ctx, callCtx, op.Name, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(op.Name, resp.StatusCode, raw)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, newError(KindProtocol, op.Name, "decode response", err)
	}
	if len(env.Errors) > 0 {
		return nil, graphQLError(op.Name, env.Errors)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil, newError(KindProtocol, op.Name, "response has no data", nil)
	}
	return env.Data, nil
}

func requestID(ctx context.Context) string {
	if id := requestcontext.RequestID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

// transportError distinguishes the caller cancelling, the per-call deadline
// and a genuine network failure.
func transportError(ctx, callCtx context.Context, op string, err error) *Error {
	if cerr := ctx.Err(); cerr != nil {
		if errors.Is(cerr, context.Canceled) {
			return newError(KindCancelled, op, "call cancelled", cerr)
		}
		return newError(KindTimeout, op, "caller deadline exceeded", cerr)
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, op, "call timed out", callCtx.Err())
	}
	return newError(KindNetwork, op, "transport failure", err)
}

func statusError(op string, status int, body []byte) *Error {
	var kind Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		kind = KindNetwork
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = KindValidation
	default:
		kind = KindProtocol
	}
	e := newError(kind, op, fmt.Sprintf("unexpected status %d", status), nil)
	e.Status = status

	// Servers commonly send GraphQL errors with a 4xx status; keep their message.
	var env envelope
	if json.Unmarshal(body, &env) == nil && len(env.Errors) > 0 {
		e.Message = env.Errors[0].Message
		e.Code = env.Errors[0].Extensions.Code
	}
	return e
}

func graphQLError(op string, errs []gqlError) *Error {
	first := errs[0]
	var kind Kind
	switch strings.ToUpper(first.Extensions.Code) {
	case "UNAUTHENTICATED", "FORBIDDEN":
		kind = KindAuth
	case "BAD_USER_INPUT", "NOT_FOUND":
		kind = KindValidation
	case "INTERNAL_SERVER_ERROR", "SERVICE_UNAVAILABLE":
		kind = KindNetwork
	default:
		kind = KindProtocol
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	e := newError(kind, op, strings.Join(msgs, "; "), nil)
	e.Code = first.Extensions.Code
	return e
}

// Do executes op and decodes the data member into T.
func Do[T any](ctx context.Context, ex Executor, op Operation, vars Variables) (T, error) {
	var out T
	raw, err := ex.Execute(ctx, op, vars)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, newError(KindProtocol, op.Name, "decode data", err)
	}
	return out, nil
}
