package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// pushRatePerSec throttles outgoing sends so a large fan-out does not trip
// the provider's abuse detection.
const pushRatePerSec = 500

// HTTPGateway delivers notifications through an FCM-style HTTP endpoint.
type HTTPGateway struct {
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewHTTPGateway creates a gateway for the given endpoint.
func NewHTTPGateway(endpoint, apiKey string, logger *zap.Logger) *HTTPGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPGateway{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 15 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(pushRatePerSec), pushRatePerSec),
		logger:   logger.Named("push"),
	}
}

type pushPayload struct {
	To           string                 `json:"to"`
	Notification pushNotification       `json:"notification"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Send implements PushGateway.
func (g *HTTPGateway) Send(ctx context.Context, token string, draft *Draft) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(pushPayload{
		To:           token,
		Notification: pushNotification{Title: draft.Title, Body: draft.Body},
		Data:         draft.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "key="+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little of the body for the error message
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push gateway returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// LogGateway logs deliveries instead of sending them. Used when no push
// endpoint is configured.
type LogGateway struct {
	logger *zap.Logger
}

// NewLogGateway creates a gateway that only logs.
func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger.Named("push")}
}

// Send implements PushGateway.
func (g *LogGateway) Send(ctx context.Context, token string, draft *Draft) error {
	g.logger.Info("push delivery (log only)",
		zap.String("token", token),
		zap.String("title", draft.Title),
	)
	return nil
}
