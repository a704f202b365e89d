package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"canteenservice/internal/platform/observability"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Gateway is the payment provider as the service uses it.
type Gateway interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string) (GatewayOrderRef, error)
	FetchPayment(ctx context.Context, paymentID string) (GatewayPayment, error)
	Refund(ctx context.Context, paymentID string, amount int64) (string, error)
}

// HTTPGateway talks to a Razorpay-compatible REST API with basic auth.
type HTTPGateway struct {
	baseURL   string
	keyID     string
	keySecret string
	client    *http.Client
	logger    observability.Logger
}

type GatewayConfig struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	Timeout   time.Duration
}

// NewHTTPGateway fails fast on missing credentials.
func NewHTTPGateway(cfg GatewayConfig, logger observability.Logger) (*HTTPGateway, error) {
	if cfg.KeyID == "" || cfg.KeySecret == "" {
		return nil, errors.New("payment gateway credentials are not configured")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid gateway base URL %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPGateway{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}, nil
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

func (g *HTTPGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (GatewayOrderRef, error) {
	var ref GatewayOrderRef
	err := g.do(ctx, http.MethodPost, "/v1/orders", createOrderRequest{
		Amount:   amount,
		Currency: currency,
		Receipt:  receipt,
	}, &ref)
	if err != nil {
		return GatewayOrderRef{}, err
	}
	if ref.ID == "" {
		return GatewayOrderRef{}, fmt.Errorf("%w: gateway returned an order without id", ErrGatewayRejected)
	}
	return ref, nil
}

func (g *HTTPGateway) FetchPayment(ctx context.Context, paymentID string) (GatewayPayment, error) {
	var p GatewayPayment
	if err := g.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, &p); err != nil {
		return GatewayPayment{}, err
	}
	return p, nil
}

type refundRequest struct {
	Amount int64 `json:"amount,omitempty"`
}

// Refund refunds amount (the full payment when zero) and returns the refund id.
func (g *HTTPGateway) Refund(ctx context.Context, paymentID string, amount int64) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := g.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(paymentID)+"/refund", refundRequest{Amount: amount}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type gatewayError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding gateway request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building gateway request: %w", err)
	}
	req.SetBasicAuth(g.keyID, g.keySecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("Gateway call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		if isTimeout(ctx, err) {
			return fmt.Errorf("%w: %s %s: %v", ErrGatewayTimeout, method, path, err)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrGatewayUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%w: reading %s: %v", ErrGatewayTimeout, path, err)
		}
		return fmt.Errorf("%w: reading %s: %v", ErrGatewayUnavailable, path, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s returned %d", ErrGatewayUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		var ge gatewayError
		_ = json.Unmarshal(payload, &ge)
		return fmt.Errorf("%w: %s %s returned %d: %s %s", ErrGatewayRejected, method, path, resp.StatusCode, ge.Error.Code, ge.Error.Description)
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("%w: decoding %s response: %v", ErrGatewayRejected, path, err)
		}
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
