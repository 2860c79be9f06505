package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maltedev/review-crawler/internal/metrics"
	"github.com/maltedev/review-crawler/internal/random"
)

// ErrActionFailed is returned by Result.Err when no strategy succeeded.
var ErrActionFailed = errors.New("all strategies failed")

// Strategy is one way of performing a UI action. Attempt reports (false, nil)
// when the target was simply not found; errors are reserved for faults.
// Strategies must not keep state between attempts.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context) (bool, error)
}

// Func adapts a function to a Strategy.
type Func struct {
	Label string
	Fn    func(ctx context.Context) (bool, error)
}

func (f Func) Name() string { return f.Label }

func (f Func) Attempt(ctx context.Context) (bool, error) { return f.Fn(ctx) }

// New is shorthand for a Func strategy.
func New(name string, fn func(ctx context.Context) (bool, error)) Strategy {
	return Func{Label: name, Fn: fn}
}

type Outcome int

const (
	Failure Outcome = iota
	Success
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// Result reports how an action went. Winner is empty on failure.
type Result struct {
	Action   string
	Outcome  Outcome
	Winner   string
	Attempts int
	Errors   []error
}

func (r Result) Succeeded() bool {
	return r.Outcome == Success
}

// Err is nil on success and wraps ErrActionFailed otherwise.
func (r Result) Err() error {
	if r.Succeeded() {
		return nil
	}
	if len(r.Errors) == 0 {
		return fmt.Errorf("%s: %w", r.Action, ErrActionFailed)
	}
	return fmt.Errorf("%s: %w: %w", r.Action, ErrActionFailed, errors.Join(r.Errors...))
}

// Executor runs a set of strategies for one action in a fresh random order
// on every invocation and stops at the first success.
type Executor struct {
	rnd     *random.Source
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewExecutor(rnd *random.Source, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		rnd:     rnd,
		metrics: m,
		logger:  logger.With("component", "strategy"),
	}
}

// Run never returns an error or panics on behalf of a strategy; both count as
// that strategy failing.
func (e *Executor) Run(ctx context.Context, action string, strategies ...Strategy) Result {
	order := make([]Strategy, len(strategies))
	copy(order, strategies)
	e.rnd.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	result := Result{Action: action, Outcome: Failure}
	for _, s := range order {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err())
			break
		}

		result.Attempts++
		ok, err := e.attempt(ctx, s)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", s.Name(), err))
			e.logger.Debug("strategy errored", "action", action, "strategy", s.Name(), "error", err)
		}
		if ok && err == nil {
			result.Outcome = Success
			result.Winner = s.Name()
			e.metrics.IncStrategy(action, Success.String())
			e.logger.Debug("strategy succeeded", "action", action, "strategy", s.Name(), "attempts", result.Attempts)
			return result
		}
		e.metrics.IncStrategy(action, Failure.String())
	}

	e.logger.Warn("all strategies failed", "action", action, "attempts", result.Attempts)
	return result
}

func (e *Executor) attempt(ctx context.Context, s Strategy) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Attempt(ctx)
}
