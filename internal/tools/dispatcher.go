// SPDX-License-Identifier: MIT

package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Alexi5000/videoforge/internal/cache"
	vflog "github.com/Alexi5000/videoforge/internal/log"
	"github.com/Alexi5000/videoforge/internal/metrics"
	"github.com/Alexi5000/videoforge/internal/persist"
	"github.com/Alexi5000/videoforge/internal/resilience"
)

// BreakerOpenError short-circuits a call while a tool's breaker is open.
type BreakerOpenError struct {
	Tool       string
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("tool %s circuit breaker open, retry after %s", e.Tool, e.RetryAfter)
}

// Result is the structured outcome of one dispatched tool call. Timeouts
// and tool failures land here as Status "error", not as Go errors.
type Result struct {
	Tool          string           `json:"tool"`
	Status        string           `json:"status"` // success|error
	Cached        bool             `json:"cached"`
	Records       int              `json:"records"`
	Counts        map[string]int64 `json:"counts,omitempty"`
	Error         string           `json:"error,omitempty"`
	ErrorKind     string           `json:"error_kind,omitempty"` // timeout|failure
	ExecutionTime float64          `json:"execution_time"`
}

// BatchResult aggregates a partial-success fan-out over several tools.
type BatchResult struct {
	VideoID string             `json:"video_id"`
	Status  string             `json:"status"` // complete|partial|failed
	Results map[string]*Result `json:"results"`
	Errors  map[string]string  `json:"errors,omitempty"`
}

// DispatcherConfig wires the dispatcher's budgets.
type DispatcherConfig struct {
	ToolTimeout      time.Duration
	BreakerThreshold int
	BreakerCooloff   time.Duration
	// ExecRate throttles backend executions per second; zero disables.
	ExecRate float64
}

// Dispatcher wraps every tool invocation with parameter validation, cache
// lookup, a hard timeout, a per-tool circuit breaker and the persistence
// handoff.
type Dispatcher struct {
	reg     *Registry
	cache   *cache.Tiered
	persist *persist.Service
	cfg     DispatcherConfig
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewDispatcher builds the dispatcher.
func NewDispatcher(reg *Registry, tc *cache.Tiered, ps *persist.Service, cfg DispatcherConfig) *Dispatcher {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 600 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.ExecRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ExecRate), int(cfg.ExecRate)+1)
	}
	return &Dispatcher{
		reg:      reg,
		cache:    tc,
		persist:  ps,
		cfg:      cfg,
		limiter:  limiter,
		logger:   vflog.WithComponent("dispatcher"),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// breaker returns the per-tool circuit breaker, creating it on first use.
func (d *Dispatcher) breaker(tool string) *resilience.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	br, ok := d.breakers[tool]
	if !ok {
		br = resilience.NewCircuitBreaker("tool_"+tool, d.cfg.BreakerThreshold, d.cfg.BreakerCooloff)
		d.breakers[tool] = br
	}
	return br
}

// Execute dispatches one tool call. Go errors are reserved for caller
// problems: unknown tool, invalid parameters, breaker open, validation or
// store failures during persistence. Tool timeouts and tool failures come
// back as a structured Result with Status "error".
func (d *Dispatcher) Execute(ctx context.Context, toolName, videoID string, params map[string]any, idempotencyKey string) (*Result, error) {
	tool, err := d.reg.Get(toolName)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := tool.ValidateParams(params); err != nil {
		return nil, err
	}

	key := cache.Key("video", videoID, toolName, cache.HashParams(params))
	if cached, ok := d.cache.Get(ctx, key); ok {
		metrics.IncToolExecution(toolName, "cached")
		return &Result{
			Tool:   toolName,
			Status: "success",
			Cached: true,
			Counts: countsFromCached(cached),
		}, nil
	}

	br := d.breaker(toolName)
	if br.State() == resilience.StateOpen {
		if after := br.RetryAfter(); after > 0 {
			return nil, &BreakerOpenError{Tool: toolName, RetryAfter: after}
		}
	}

	start := time.Now()

	var (
		out        *Result
		persistErr error
	)
	execErr := br.Execute(func() error {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.ToolTimeout)
		defer cancel()

		results, meta, err := tool.Execute(callCtx, videoID, params)
		elapsed := time.Since(start)
		metrics.ObserveToolDuration(toolName, elapsed.Seconds())

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
				metrics.IncToolExecution(toolName, "timeout")
				out = &Result{
					Tool:          toolName,
					Status:        "error",
					Error:         "timeout",
					ErrorKind:     "timeout",
					ExecutionTime: elapsed.Seconds(),
				}
				return err
			}
			metrics.IncToolExecution(toolName, "failure")
			out = &Result{
				Tool:          toolName,
				Status:        "error",
				Error:         err.Error(),
				ErrorKind:     "failure",
				ExecutionTime: elapsed.Seconds(),
			}
			return err
		}

		counts, err := d.persist.StoreToolResults(ctx, videoID, toolName, results, persist.Options{
			IdempotencyKey: idempotencyKey,
			ToolVersion:    meta.ToolVersion,
			ModelVersion:   meta.ModelVersion,
			Params:         params,
		})
		if err != nil {
			// Persistence problems are not tool health problems; report
			// them to the caller without tripping the breaker.
			persistErr = err
			return nil
		}

		metrics.IncToolExecution(toolName, "success")
		result := &Result{
			Tool:          toolName,
			Status:        "success",
			Records:       len(results),
			Counts:        counts,
			ExecutionTime: time.Since(start).Seconds(),
		}
		d.cache.Set(ctx, key, cacheValue(result), 0)
		out = result
		return nil
	})

	if errors.Is(execErr, resilience.ErrCircuitOpen) {
		return nil, &BreakerOpenError{Tool: toolName, RetryAfter: br.RetryAfter()}
	}
	if persistErr != nil {
		return nil, persistErr
	}
	if out != nil {
		return out, nil
	}
	return nil, execErr
}

// ProcessVideo fans the selected tools out concurrently and gathers a
// partial-success aggregate. An empty selection completes with no results.
func (d *Dispatcher) ProcessVideo(ctx context.Context, videoID string, toolNames []string) *BatchResult {
	if len(toolNames) == 0 {
		toolNames = []string{}
	}

	batch := &BatchResult{
		VideoID: videoID,
		Results: make(map[string]*Result, len(toolNames)),
		Errors:  make(map[string]string),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range toolNames {
		name := name
		g.Go(func() error {
			res, err := d.Execute(gctx, name, videoID, nil, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				batch.Errors[name] = err.Error()
			case res.Status == "error":
				batch.Results[name] = res
				batch.Errors[name] = res.Error
			default:
				batch.Results[name] = res
			}
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case len(batch.Errors) == 0:
		batch.Status = "complete"
	case len(batch.Errors) == len(toolNames):
		batch.Status = "failed"
	default:
		batch.Status = "partial"
	}
	return batch
}

// BreakerStates reports every tool breaker's state for introspection.
func (d *Dispatcher) BreakerStates() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.breakers))
	for name, br := range d.breakers {
		out[name] = string(br.State())
	}
	return out
}

// cacheValue flattens a result for storage; values round-trip through JSON
// in the L2 tier, so only plain maps survive intact.
func cacheValue(r *Result) map[string]any {
	counts := make(map[string]any, len(r.Counts))
	for k, v := range r.Counts {
		counts[k] = v
	}
	return map[string]any{
		"records": r.Records,
		"counts":  counts,
	}
}

func countsFromCached(v any) map[string]int64 {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["counts"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]int64, len(raw))
	for k, val := range raw {
		switch n := val.(type) {
		case float64:
			out[k] = int64(n)
		case int64:
			out[k] = n
		}
	}
	return out
}
