package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"vigil/pkg/structlog"
)

// Collaborator endpoints, relative to the configured base URL.
const (
	pathChallenge   = "/api/facial-captcha/challenge"
	pathVerify      = "/api/facial-captcha/verify"
	pathHeartbeat   = "/api/monitoring/heartbeat"
	pathThreatScore = "/api/monitoring/threat-score"
)

// Client talks HTTP to the scoring collaborator using a bearer session
// token. All calls are bounded by the caller's context plus a hard client
// timeout so no network call can stall a timer loop.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     *structlog.Logger
	now     func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) ClientOption {
	return func(c *Client) { c.httpc = httpc }
}

// WithClientLogger attaches a logger.
func WithClientLogger(log *structlog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a collaborator client for one authenticated session.
func NewClient(baseURL, sessionToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   sessionToken,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		log:     structlog.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RequestChallenge asks the collaborator to issue a fresh liveness
// challenge. The returned challenge is stamped with the receipt time.
func (c *Client) RequestChallenge(ctx context.Context) (Challenge, error) {
	var ch Challenge
	if err := c.do(ctx, http.MethodGet, pathChallenge, nil, &ch); err != nil {
		return Challenge{}, err
	}
	if err := validateChallenge(ch); err != nil {
		return Challenge{}, fmt.Errorf("rejecting challenge payload: %w", err)
	}
	ch.IssuedAt = c.now()
	return ch, nil
}

// VerifyChallenge submits a completed challenge attempt for adjudication.
func (c *Client) VerifyChallenge(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	if err := validateVerifyRequest(req); err != nil {
		return VerifyResult{}, err
	}
	var res VerifyResult
	if err := c.do(ctx, http.MethodPost, pathVerify, req, &res); err != nil {
		return VerifyResult{}, err
	}
	if err := validateVerifyResult(res); err != nil {
		return VerifyResult{}, fmt.Errorf("rejecting verification payload: %w", err)
	}
	return res, nil
}

// SendHeartbeat submits one signal snapshot and returns the verdict. A 403
// response surfaces as ErrSessionLocked.
func (c *Client) SendHeartbeat(ctx context.Context, signals Signals) (Verdict, error) {
	body := struct {
		Signals Signals `json:"signals"`
	}{Signals: signals}
	var v Verdict
	if err := c.do(ctx, http.MethodPost, pathHeartbeat, body, &v); err != nil {
		return Verdict{}, err
	}
	if err := validateVerdict(v); err != nil {
		return Verdict{}, fmt.Errorf("rejecting verdict payload: %w", err)
	}
	return v, nil
}

// ThreatScore reads back the session's current verdict without submitting
// new signals. Used once after a challenge success to refresh the display.
func (c *Client) ThreatScore(ctx context.Context) (Verdict, error) {
	var v Verdict
	if err := c.do(ctx, http.MethodGet, pathThreatScore, nil, &v); err != nil {
		return Verdict{}, err
	}
	if err := validateVerdict(v); err != nil {
		return Verdict{}, fmt.Errorf("rejecting verdict payload: %w", err)
	}
	return v, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return ErrSessionLocked
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
