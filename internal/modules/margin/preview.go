// Package margin computes initial and maintenance margin requirements for
// prospective orders, delegating to the external margin-preview service for
// the instrument classes where only the broker knows the answer.
package margin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/metrics"
)

// PreviewRequest is the margin-preview service payload.
type PreviewRequest struct {
	Instrument     string  `json:"instrument"`
	Direction      string  `json:"direction"`
	Quantity       float64 `json:"quantity"`
	OrderType      string  `json:"order_type"`
	InstrumentType string  `json:"instrument_type"`
	Expiry         string  `json:"expiry,omitempty"`
	Exchange       string  `json:"exchange,omitempty"`
}

// MarginImpact is the service's answer: the incremental margin the order
// would add to the account.
type MarginImpact struct {
	InitMarginChange  float64 `json:"init_margin_change"`
	MaintMarginChange float64 `json:"maint_margin_change"`
	Commission        float64 `json:"commission"`
}

type previewResponse struct {
	MarginImpact MarginImpact `json:"margin_impact"`
}

// previewTimeout bounds one preview exchange end to end, retries included.
const previewTimeout = 35 * time.Second

// PreviewClient talks to the external margin-preview HTTP service.
type PreviewClient struct {
	http *resty.Client
	log  zerolog.Logger
}

// NewPreviewClient creates a preview client that retries transport errors
// and 5xx responses.
func NewPreviewClient(baseURL string, log zerolog.Logger) *PreviewClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &PreviewClient{
		http: httpClient,
		log:  log.With().Str("module", "margin_preview").Logger(),
	}
}

// Preview asks the service what margin the order would consume on the
// account.
func (c *PreviewClient) Preview(ctx context.Context, accountID string, req PreviewRequest) (*MarginImpact, error) {
	ctx, cancel := context.WithTimeout(ctx, previewTimeout)
	defer cancel()

	start := time.Now()
	var result previewResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post(fmt.Sprintf("/api/v1/account/%s/margin-preview", accountID))
	metrics.ObserveMarginPreview(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to call margin preview for account %s: %w", accountID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("margin preview for account %s returned status %d: %s", accountID, resp.StatusCode(), resp.String())
	}

	c.log.Debug().
		Str("account_id", accountID).
		Str("instrument", req.Instrument).
		Float64("init_margin_change", result.MarginImpact.InitMarginChange).
		Msg("Margin preview obtained")

	return &result.MarginImpact, nil
}
