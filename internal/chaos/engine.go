// Package chaos runs fault and race experiments against a live circulation
// service and checks that its steady state survives them.
package chaos

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Experiment defines a chaos engineering test.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
}

// Metric defines a measurable system property.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action is a fault injection or load step. A returned error means the system
// misbehaved and counts against the hypothesis.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates the final observation of a metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures experiment execution data.
type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine orchestrates chaos experiments.
type Engine struct {
	tracer         trace.Tracer
	logger         *slog.Logger
	sampleInterval time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

// Option configures an Engine.
type Option func(*Engine)

// WithSampleInterval sets how often steady-state metrics are sampled while an
// experiment runs. The default is one second.
func WithSampleInterval(d time.Duration) Option {
	return func(e *Engine) { e.sampleInterval = d }
}

func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		tracer:         otel.Tracer("bookledger/chaos"),
		logger:         logger.With("component", "chaos"),
		sampleInterval: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds an experiment to the suite.
func (e *Engine) Register(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

// Experiments returns the registered experiments.
func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns the results of every completed run.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes a single experiment.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	span.AddEvent("validating_steady_state")
	if valid, violations := e.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	result.FailedAssertions = e.validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0 && len(result.ErrorEvents) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

// observe samples the steady-state metrics for exp.Duration, then once more,
// so every metric has at least one observation.
func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	var recoveryStart time.Time
	recovered := false
	sample := func() {
		for _, metric := range exp.SteadyState {
			value, err := metric.Query(ctx)
			now := time.Now()
			if err != nil {
				result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Timestamp: now, Error: err.Error(), Component: metric.Name})
				continue
			}
			result.Observations[metric.Name] = append(result.Observations[metric.Name], DataPoint{Timestamp: now, Value: value})

			if !evaluateThreshold(value, metric.Threshold) {
				if recoveryStart.IsZero() {
					recoveryStart = now
				}
				result.Violations = append(result.Violations, MetricViolation{
					MetricName: metric.Name,
					Expected:   metric.Threshold.Value,
					Actual:     value,
					Timestamp:  now,
				})
			} else if !recoveryStart.IsZero() && !recovered {
				mttr := now.Sub(recoveryStart)
				result.MTTR = &mttr
				recovered = true
			}
		}
	}

	ticker := time.NewTicker(e.sampleInterval)
	defer ticker.Stop()

sampling:
	for {
		select {
		case <-observationCtx.Done():
			break sampling
		case <-ticker.C:
			sample()
		}
	}
	sample()
}

func (e *Engine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	violations := make([]MetricViolation, 0)

	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			e.logger.WarnContext(ctx, "steady state query failed", "metric", metric.Name, "error", err)
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Timestamp:  time.Now(),
			})
			continue
		}
		if !evaluateThreshold(value, metric.Threshold) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}

	return len(violations) == 0, violations
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

// validateAssertions returns the messages of the assertions that failed.
func (e *Engine) validateAssertions(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, assertion := range assertions {
		observations := result.Observations[assertion.Metric]
		if len(observations) == 0 || !assertion.Condition(observations[len(observations)-1].Value) {
			failed = append(failed, assertion.Message)
		}
	}
	return failed
}

// GameDay is a named series of experiments.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	// Pause is the wait between experiments.
	Pause time.Duration
}

// ExecuteGameDay runs every scenario and reports whether all hypotheses held.
func (e *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	e.logger.InfoContext(ctx, "starting game day", "name", gameDay.Name, "date", gameDay.Date, "scenarios", len(gameDay.Scenarios))

	allHeld := true
	for i, scenario := range gameDay.Scenarios {
		e.logger.InfoContext(ctx, "running experiment",
			"index", i+1, "of", len(gameDay.Scenarios),
			"experiment", scenario.Name, "hypothesis", scenario.Hypothesis)

		result, err := e.Run(ctx, scenario)
		if err != nil {
			allHeld = false
			e.logger.ErrorContext(ctx, "experiment aborted", "experiment", scenario.Name, "error", err)
			continue
		}
		e.logResult(ctx, result)
		allHeld = allHeld && result.HypothesisHeld

		if gameDay.Pause > 0 && i < len(gameDay.Scenarios)-1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(gameDay.Pause):
			}
		}
	}
	return allHeld, nil
}

func (e *Engine) logResult(ctx context.Context, result *Result) {
	attrs := []any{
		"experiment", result.ExperimentName,
		"hypothesis_held", result.HypothesisHeld,
		"violations", len(result.Violations),
		"error_events", len(result.ErrorEvents),
		"duration", result.Duration,
	}
	if result.MTTR != nil {
		attrs = append(attrs, "mttr", *result.MTTR)
	}
	if result.HypothesisHeld {
		e.logger.InfoContext(ctx, "hypothesis held", attrs...)
		return
	}
	for _, ev := range result.ErrorEvents {
		e.logger.WarnContext(ctx, "experiment error event", "experiment", result.ExperimentName, "component", ev.Component, "error", ev.Error)
	}
	for _, msg := range result.FailedAssertions {
		e.logger.WarnContext(ctx, "assertion failed", "experiment", result.ExperimentName, "assertion", msg)
	}
	e.logger.ErrorContext(ctx, "hypothesis violated", attrs...)
}
