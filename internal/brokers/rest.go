package brokers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/metrics"
)

const restTimeout = 30 * time.Second

// restCore is the HTTP plumbing shared by the REST-backed adapters: a
// rate-limited JSON client with uniform error mapping. Transport failures
// become BrokerConnectionError, non-2xx statuses become BrokerAPIError.
type restCore struct {
	broker     domain.BrokerKind
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// newRESTCore builds the shared client. insecure skips TLS verification,
// needed for the IBKR gateway's self-signed localhost certificate.
func newRESTCore(broker domain.BrokerKind, baseURL string, rps float64, insecure bool, log zerolog.Logger) *restCore {
	httpClient := &http.Client{Timeout: restTimeout}
	if insecure {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &restCore{
		broker:     broker,
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		log:        log.With().Str("broker", string(broker)).Logger(),
	}
}

// doJSON performs one HTTP exchange. A non-nil body is sent as JSON; a
// non-nil out receives the decoded response.
func (c *restCore) doJSON(method, path string, query url.Values, body interface{}, headers map[string]string, out interface{}) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(method, path, query, reader, contentType, headers, out)
}

// doForm performs one HTTP exchange with a form-encoded body, the shape the
// Zerodha Kite API expects for mutations.
func (c *restCore) doForm(method, path string, form url.Values, headers map[string]string, out interface{}) error {
	var reader io.Reader
	contentType := ""
	if len(form) > 0 {
		reader = bytes.NewReader([]byte(form.Encode()))
		contentType = "application/x-www-form-urlencoded"
	}
	return c.do(method, path, nil, reader, contentType, headers, out)
}

func (c *restCore) do(method, path string, query url.Values, reader io.Reader, contentType string, headers map[string]string, out interface{}) error {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return fmt.Errorf("rate limiter interrupted: %w", err)
	}

	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	req, err := http.NewRequest(method, requestURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.IncBrokerError(string(c.broker), "transport")
		return &domain.BrokerConnectionError{Broker: c.broker, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyStr := string(data)
		if len(bodyStr) > 500 {
			bodyStr = bodyStr[:500] + "..."
		}
		c.log.Error().
			Int("status_code", resp.StatusCode).
			Str("path", path).
			Str("response_body", bodyStr).
			Msg("API returned non-2xx status")
		metrics.IncBrokerError(string(c.broker), "api")
		return &domain.BrokerAPIError{
			Broker:  c.broker,
			Code:    strconv.Itoa(resp.StatusCode),
			Message: bodyStr,
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response from %s: %w", path, err)
		}
	}

	return nil
}

// signHMAC produces the hex HMAC-SHA256 digest Binance and Vantage expect.
func signHMAC(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// decimalsFromStep derives a decimal-place count from an exchange step size
// string like "0.00100000" (3 decimals) or "1" (0 decimals). The count runs
// to the last significant digit after the point.
func decimalsFromStep(step string) int {
	dot := -1
	for i := 0; i < len(step); i++ {
		if step[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return 0
	}
	decimals := 0
	for i := dot + 1; i < len(step); i++ {
		if step[i] != '0' {
			decimals = i - dot
		}
	}
	return decimals
}
