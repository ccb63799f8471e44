// Package workflow talks to the external workflow engine that renders campaign
// assets and dispatches them. Outbound calls are retried with backoff;
// inbound callbacks are schema-checked and decoded into typed results.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/models"
)

// CallError is an outbound call that failed after retries.
type CallError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("workflow %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("workflow %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// ErrNotConfigured is returned when the endpoint for an operation is unset.
var ErrNotConfigured = errors.New("workflow endpoint not configured")

type Config struct {
	GenerateURL string
	DispatchURL string
	StatusURL   string
	APIToken    string
	Timeout     time.Duration
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type ProspectInput struct {
	Ordinal     int               `json:"ordinal"`
	CompanyName string            `json:"company_name,omitempty"`
	ContactName string            `json:"contact_name,omitempty"`
	Email       string            `json:"email,omitempty"`
	Website     string            `json:"website,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

type Documents struct {
	ServiceDocument string `json:"service_document,omitempty"`
	ProspectList    string `json:"prospect_list,omitempty"`
}

type GenerationRequest struct {
	JobID        uuid.UUID       `json:"job_id"`
	CampaignID   uuid.UUID       `json:"campaign_id"`
	OwnerID      uuid.UUID       `json:"owner_id"`
	CampaignName string          `json:"campaign_name"`
	Documents    Documents       `json:"documents"`
	CallbackURL  string          `json:"callback_url"`
	Prospects    []ProspectInput `json:"prospects"`
}

type DispatchProspect struct {
	Ordinal     int                   `json:"ordinal"`
	CompanyName string                `json:"company_name,omitempty"`
	ContactName string                `json:"contact_name,omitempty"`
	Email       string                `json:"email,omitempty"`
	Assets      models.ProspectAssets `json:"assets"`
}

type DispatchRequest struct {
	JobID       uuid.UUID          `json:"job_id"`
	CampaignID  uuid.UUID          `json:"campaign_id"`
	CallbackURL string             `json:"callback_url"`
	Prospects   []DispatchProspect `json:"prospects"`
}

// Accepted is the engine's synchronous acknowledgement.
type Accepted struct {
	RunID string
}

// RunState is the engine-reported state of a run.
type RunState string

const (
	RunRunning   RunState = "running"
	RunSucceeded RunState = "success"
	RunFailed    RunState = "error"
	RunUnknown   RunState = "unknown"
)

type Client struct {
	cfg      Config
	http     *http.Client
	executor failsafe.Executor[*http.Response]
	log      *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 10 * cfg.BaseDelay
	}
	if log == nil {
		log = slog.Default()
	}
	policy := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ *http.Response, err error) bool { return retryable(err) }).
		Build()
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		executor: failsafe.With[*http.Response](policy),
		log:      log,
	}
}

// retryable reports whether an attempt failed in a way worth repeating:
// transport errors (per-attempt timeouts included), 5xx and 429. An attempt
// cut short by the caller's context comes back as a CallError wrapping
// ctx.Err() and is final.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *CallError
	if errors.As(err, &ce) {
		if ce.StatusCode != 0 {
			return ce.StatusCode >= 500 || ce.StatusCode == http.StatusTooManyRequests
		}
		return !errors.Is(ce.Err, context.Canceled) && !errors.Is(ce.Err, context.DeadlineExceeded)
	}
	return true
}

// StartGeneration asks the engine to render assets for every prospect.
func (c *Client) StartGeneration(ctx context.Context, req GenerationRequest) (*Accepted, error) {
	return c.start(ctx, "generate", c.cfg.GenerateURL, req)
}

// StartDispatch asks the engine to send the approved assets.
func (c *Client) StartDispatch(ctx context.Context, req DispatchRequest) (*Accepted, error) {
	return c.start(ctx, "dispatch", c.cfg.DispatchURL, req)
}

func (c *Client) start(ctx context.Context, op, endpoint string, payload any) (*Accepted, error) {
	if endpoint == "" {
		return nil, &CallError{Op: op, Err: ErrNotConfigured}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &CallError{Op: op, Err: err}
	}
	resp, err := c.do(ctx, op, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ack struct {
		RunID       string `json:"run_id"`
		ExecutionID string `json:"execution_id"`
	}
	// The acknowledgement body is optional; some engine flows reply with an empty 200.
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ack)
	runID := ack.RunID
	if runID == "" {
		runID = ack.ExecutionID
	}
	return &Accepted{RunID: runID}, nil
}

// RunStatus queries the engine for the state of a run. A 404 is RunUnknown.
func (c *Client) RunStatus(ctx context.Context, runID string) (RunState, error) {
	if c.cfg.StatusURL == "" {
		return RunUnknown, &CallError{Op: "status", Err: ErrNotConfigured}
	}
	u, err := url.Parse(c.cfg.StatusURL)
	if err != nil {
		return RunUnknown, &CallError{Op: "status", Err: err}
	}
	q := u.Query()
	q.Set("run_id", runID)
	u.RawQuery = q.Encode()

	resp, err := c.do(ctx, "status", http.MethodGet, u.String(), nil)
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound {
			return RunUnknown, nil
		}
		return RunUnknown, err
	}
	defer resp.Body.Close()

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return RunUnknown, &CallError{Op: "status", Err: fmt.Errorf("decode: %w", err)}
	}
	switch RunState(out.Status) {
	case RunRunning, RunSucceeded, RunFailed:
		return RunState(out.Status), nil
	case "waiting", "new":
		return RunRunning, nil
	case "crashed", "canceled":
		return RunFailed, nil
	default:
		return RunUnknown, nil
	}
}

// do runs one logical request through the retry executor. The returned
// response always has a 2xx status and an unread body.
func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte) (*http.Response, error) {
	attempt := 0
	resp, err := c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		attempt++
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
		if err != nil {
			return nil, &CallError{Op: op, Err: err}
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.APIToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, &CallError{Op: op, Err: ctxErr}
			}
			c.log.Warn("workflow call failed", "op", op, "attempt", attempt, "error", err)
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			c.log.Warn("workflow call rejected", "op", op, "attempt", attempt, "status", resp.StatusCode)
			text := string(bytes.TrimSpace(msg))
			if text == "" {
				text = http.StatusText(resp.StatusCode)
			}
			return nil, &CallError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(text)}
		}
		return resp, nil
	})
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, &CallError{Op: op, Err: err}
	}
	return resp, nil
}
