// Package usagemanagement is the client of the external usage management API.
package usagemanagement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/accountingproxy/internal/config"
	obsmetrics "github.com/smallbiznis/accountingproxy/internal/observability/metrics"
	"github.com/smallbiznis/accountingproxy/internal/observability/tracing"
	"github.com/smallbiznis/accountingproxy/internal/unit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	HeaderAPIKey = "X-API-KEY"

	specificationPath = "/usageSpecification"
	usagePath         = "/usage"

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4096
)

var ErrMissingHref = errors.New("usage_specification_missing_href")

// APIError is a response other than 201 Created.
type APIError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("usage management %s: %s", e.Operation, e.Status)
}

// HTTPStatus exposes the response status to error classifiers.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Endpoint locates the API. BaseURL is scheme://host:port, Path the API prefix.
type Endpoint struct {
	BaseURL string
	Path    string
	Timeout time.Duration
}

// EndpointSource is consulted on every call so endpoint changes apply without restart.
type EndpointSource interface {
	Endpoint() Endpoint
}

// StaticEndpoint is a fixed EndpointSource.
type StaticEndpoint Endpoint

func (e StaticEndpoint) Endpoint() Endpoint { return Endpoint(e) }

type holderEndpoint struct {
	holder *config.AccountingConfigHolder
}

func (h holderEndpoint) Endpoint() Endpoint {
	api := h.holder.Get().UsageAPI
	return Endpoint{BaseURL: api.BaseURL(), Path: api.Path, Timeout: api.Timeout}
}

// EndpointFromConfig reads the endpoint from the hot-reloaded accounting config.
func EndpointFromConfig(holder *config.AccountingConfigHolder) EndpointSource {
	return holderEndpoint{holder: holder}
}

type Client struct {
	endpoint EndpointSource
	http     *http.Client
	metrics  *obsmetrics.AccountingMetrics
	tracer   trace.Tracer
	log      *zap.Logger
}

type ClientParams struct {
	fx.In

	Holder  *config.AccountingConfigHolder
	Log     *zap.Logger
	Metrics *obsmetrics.AccountingMetrics `optional:"true"`
}

func NewClient(p ClientParams) *Client {
	return New(EndpointFromConfig(p.Holder), nil, p.Metrics, p.Log)
}

// New builds a client. A nil httpClient uses a dedicated http.Client.
func New(endpoint EndpointSource, httpClient *http.Client, metrics *obsmetrics.AccountingMetrics, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		endpoint: endpoint,
		http:     httpClient,
		metrics:  metrics,
		tracer:   otel.Tracer("accountingproxy/usagemanagement"),
		log:      log.Named("usagemanagement.client"),
	}
}

// BaseURL returns the current scheme://host:port of the API.
func (c *Client) BaseURL() string {
	return c.endpoint.Endpoint().BaseURL
}

// CreateSpecification publishes a unit descriptor and returns the href assigned to it.
func (c *Client) CreateSpecification(ctx context.Context, token string, spec unit.Specification) (string, error) {
	var out specificationResponse
	if err := c.post(ctx, obsmetrics.NotificationSpecification, specificationPath, token, spec, &out); err != nil {
		return "", err
	}
	href := strings.TrimSpace(out.Href)
	if href == "" {
		return "", ErrMissingHref
	}
	return href, nil
}

// CreateUsage posts one usage document.
func (c *Client) CreateUsage(ctx context.Context, token string, usage Usage) error {
	return c.post(ctx, obsmetrics.NotificationUsage, usagePath, token, usage, nil)
}

func (c *Client) post(ctx context.Context, kind, resource, token string, body any, out any) (err error) {
	endpoint := c.endpoint.Endpoint()
	timeout := endpoint.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(endpoint.BaseURL, "/") + endpoint.Path + resource

	ctx, span := c.tracer.Start(ctx, "usagemanagement."+kind, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("http.method", http.MethodPost), attribute.String("http.url", url))
	start := time.Now()
	defer func() {
		outcome := obsmetrics.OutcomeSent
		if err != nil {
			outcome = obsmetrics.OutcomeFailed
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, "usage management call failed")
		}
		c.metrics.ObserveUsageAPI(kind, outcome, time.Since(start))
		span.End()
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderAPIKey, token)
	tracing.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Warn("usage management rejected request",
			zap.String("kind", kind),
			zap.Int("status_code", resp.StatusCode),
		)
		return &APIError{
			Operation:  kind,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", kind, err)
	}
	return nil
}
