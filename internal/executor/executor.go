// Package executor turns structured model replies into displayable content by
// running the reply's plotting code and capturing the resulting chart.
package executor

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"time"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/domain"
	"github.com/ashureev/datachat/internal/metrics"
)

//go:embed harness.py
var harnessScript string

var (
	errHarnessOutput = errors.New("invalid harness output")
	errCodeFailed    = errors.New("plotting code raised")
)

// Runner executes a Python script with stdin attached and returns its stdout.
// Each call must use a fresh interpreter.
type Runner interface {
	Run(ctx context.Context, script string, stdin []byte) ([]byte, error)
}

// Options controls chart rendering.
type Options struct {
	MaxWidthInches float64
	DPI            int
	Timeout        time.Duration
}

// DefaultOptions returns the documented chart policy.
func DefaultOptions() Options {
	return Options{
		MaxWidthInches: 3.0,
		DPI:            150,
		Timeout:        30 * time.Second,
	}
}

type harnessRequest struct {
	Code           string  `json:"code"`
	MaxWidthInches float64 `json:"max_width_inches"`
	DPI            int     `json:"dpi"`
}

type harnessResponse struct {
	OK    bool   `json:"ok"`
	Chart string `json:"chart,omitempty"`
	Error string `json:"error,omitempty"`
	// Stdout is whatever the plotting code printed, truncated.
	Stdout string `json:"stdout,omitempty"`
}

// Executor runs structured replies. It is stateless between calls.
type Executor struct {
	runner  Runner
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Executor.
func New(runner Runner, opts Options, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.MaxWidthInches <= 0 {
		opts.MaxWidthInches = defaults.MaxWidthInches
	}
	if opts.DPI <= 0 {
		opts.DPI = defaults.DPI
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	return &Executor{runner: runner, opts: opts, metrics: m, logger: logger}
}

// Execute returns the explanation, the code as received and, when the code
// produced a figure, the rendered PNG. Execution failures are logged and yield
// explanation-only content.
func (e *Executor) Execute(ctx context.Context, reply agent.StructuredReply) domain.StructuredContent {
	out := domain.StructuredContent{
		Explanation: reply.Explanation,
		Code:        reply.Code,
	}
	if reply.Code == "" || e.runner == nil {
		return out
	}

	start := time.Now()
	chart, err := e.render(ctx, Sanitize(reply.Code))
	switch {
	case err != nil:
		e.metrics.RecordExecution(metrics.OutcomeFallback, time.Since(start))
		e.logger.Warn("Plotting code failed, showing explanation only", "error", err)
	case chart == nil:
		e.metrics.RecordExecution(metrics.OutcomeOK, time.Since(start))
		e.logger.Debug("Plotting code produced no figure")
	default:
		e.metrics.RecordExecution(metrics.OutcomeOK, time.Since(start))
		out.ChartImage = chart
	}
	return out
}

func (e *Executor) render(ctx context.Context, code string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	input, err := json.Marshal(harnessRequest{
		Code:           code,
		MaxWidthInches: e.opts.MaxWidthInches,
		DPI:            e.opts.DPI,
	})
	if err != nil {
		return nil, fmt.Errorf("encode harness input: %w", err)
	}

	raw, err := e.runner.Run(ctx, harnessScript, input)
	if err != nil {
		return nil, fmt.Errorf("run harness: %w", err)
	}

	var resp harnessResponse
	if err := json.Unmarshal(bytes.TrimSpace(raw), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", errHarnessOutput, err)
	}
	if resp.Stdout != "" {
		e.logger.Debug("Plotting code output", "stdout", resp.Stdout)
	}
	if !resp.OK {
		return nil, fmt.Errorf("%w: %s", errCodeFailed, resp.Error)
	}
	if resp.Chart == "" {
		return nil, nil
	}

	chart, err := base64.StdEncoding.DecodeString(resp.Chart)
	if err != nil {
		return nil, fmt.Errorf("%w: chart is not base64: %v", errHarnessOutput, err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(chart))
	if err != nil {
		return nil, fmt.Errorf("%w: chart is not a PNG: %v", errHarnessOutput, err)
	}
	e.logger.Debug("Chart rendered", "width_px", cfg.Width, "height_px", cfg.Height, "bytes", len(chart))
	return chart, nil
}
