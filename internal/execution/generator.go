package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/config"
	"github.com/reibot/backend/internal/models"
)

// Result is a provider's answer for one job. A nil error with Success false
// is a definitive failure that must not be retried.
type Result struct {
	Success   bool
	ResultURL string
	// Cost is the provider-reported price; zero means charge the estimate.
	Cost  decimal.Decimal
	Error string
}

// Generator calls the AI provider for one job.
type Generator interface {
	Generate(ctx context.Context, job *models.Job) (Result, error)
}

// TransientError marks a failed attempt that may succeed when retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient provider error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether a Generate error is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

type generateRequest struct {
	JobID  int64           `json:"job_id"`
	UserID int64           `json:"user_id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

type generateResponse struct {
	Success   bool            `json:"success"`
	ResultURL string          `json:"result_url"`
	Cost      decimal.Decimal `json:"cost"`
	Error     string          `json:"error"`
}

// HTTPGenerator POSTs the job to a provider gateway.
type HTTPGenerator struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPGenerator(cfg config.ProviderConfig) *HTTPGenerator {
	return &HTTPGenerator{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

var _ Generator = (*HTTPGenerator)(nil)

func (g *HTTPGenerator) Generate(ctx context.Context, job *models.Job) (Result, error) {
	params := job.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(generateRequest{JobID: job.ID, UserID: job.UserID, Type: job.Type, Params: params})
	if err != nil {
		return Result{}, fmt.Errorf("marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	ReportProgress(ctx, 10)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, &TransientError{Err: err}
		}
		return Result{}, fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &TransientError{Err: fmt.Errorf("provider returned %d: %s", resp.StatusCode, msg)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{Error: fmt.Sprintf("provider rejected job (%d): %s", resp.StatusCode, msg)}, nil
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{Error: "provider returned invalid JSON"}, nil
	}
	if !out.Success && out.Error == "" {
		out.Error = "provider reported failure"
	}
	if out.Success {
		ReportProgress(ctx, 90)
	}
	return Result{Success: out.Success, ResultURL: out.ResultURL, Cost: out.Cost, Error: out.Error}, nil
}

type progressKey struct{}

// WithProgress attaches a progress sink for generators to report into.
func WithProgress(ctx context.Context, fn func(pct int)) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress sends pct (0-100) to the sink attached to ctx, if any.
func ReportProgress(ctx context.Context, pct int) {
	if fn, ok := ctx.Value(progressKey{}).(func(int)); ok && fn != nil {
		fn(pct)
	}
}
