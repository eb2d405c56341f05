package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/netexp/netexp/pkg/telemetry"
)

// Builder creates a fresh controller for one run of a repeated experiment,
// with every resource, connection and condition registered.
type Builder func(run int) (*ExperimentController, error)

// MetricFunc computes one sample after a run. ok is false when the run
// produced no sample.
type MetricFunc func(ctx context.Context, ec *ExperimentController, run int) (value float64, ok bool, err error)

// ConvergenceFunc decides, after each run past MinRuns, whether the collected
// samples are enough.
type ConvergenceFunc func(run int, samples []float64) bool

// RunnerOptions configures ExperimentRunner.Run.
type RunnerOptions struct {
	// MinRuns is the least number of runs before convergence is checked.
	MinRuns int

	// MaxRuns caps the number of runs. Zero or negative means no cap, which
	// requires a Metric.
	MaxRuns int

	// WaitGUIDs are waited on with WaitFinished after each deploy.
	WaitGUIDs []GUID

	// WaitTime is slept after WaitGUIDs finish and before shutdown.
	WaitTime time.Duration

	Metric MetricFunc

	// Converged defaults to NormalConvergence when Metric is set.
	Converged ConvergenceFunc
}

// RunResult summarizes a repeated experiment.
type RunResult struct {
	Runs    int
	Samples []float64
	ExpIDs  []string
}

// ExperimentRunner repeats an experiment until a run cap is hit or a metric
// converges.
type ExperimentRunner struct {
	logger *telemetry.Logger
}

// NewExperimentRunner creates a runner. A nil logger discards output.
func NewExperimentRunner(logger *telemetry.Logger) *ExperimentRunner {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &ExperimentRunner{logger: logger.NewComponentLogger("runner")}
}

// Run executes build, deploy, wait and shutdown repeatedly.
func (er *ExperimentRunner) Run(ctx context.Context, build Builder, opts RunnerOptions) (RunResult, error) {
	if opts.MaxRuns <= 0 && opts.Metric == nil {
		return RunResult{}, NewConfigError("runner needs MaxRuns or a Metric to know when to stop")
	}
	if opts.MinRuns <= 0 {
		opts.MinRuns = 1
	}
	if opts.Metric != nil && opts.Converged == nil {
		er.logger.Info("Treating samples as normal: stopping once the 95% standard error is within 5% of the mean")
		opts.Converged = func(_ int, samples []float64) bool { return NormalConvergence(samples) }
	}

	var res RunResult
	for run := 1; ; run++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		ec, err := er.runOnce(ctx, build, opts, run)
		res.Runs = run
		if ec != nil {
			res.ExpIDs = append(res.ExpIDs, ec.ExpID())
		}
		if err != nil {
			return res, fmt.Errorf("run %d: %w", run, err)
		}
		er.logger.Infof("Run %d finished (%s)", run, ec.ExpID())

		if opts.Metric != nil {
			value, ok, err := opts.Metric(ctx, ec, run)
			if err != nil {
				return res, fmt.Errorf("run %d: metric: %w", run, err)
			}
			if ok {
				res.Samples = append(res.Samples, value)
			}
		}

		if opts.MaxRuns > 0 && run >= opts.MaxRuns && run >= opts.MinRuns {
			return res, nil
		}
		if opts.Converged != nil && run >= opts.MinRuns && len(res.Samples) > 0 && opts.Converged(run, res.Samples) {
			return res, nil
		}
	}
}

func (er *ExperimentRunner) runOnce(ctx context.Context, build Builder, opts RunnerOptions, run int) (*ExperimentController, error) {
	ec, err := build(run)
	if err != nil {
		return nil, err
	}

	runErr := func() error {
		if err := ec.Deploy(ctx, nil, true); err != nil {
			return err
		}
		if len(opts.WaitGUIDs) > 0 {
			if err := ec.WaitFinished(ctx, opts.WaitGUIDs); err != nil {
				return err
			}
		}
		if opts.WaitTime > 0 {
			select {
			case <-time.After(opts.WaitTime):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}()

	// Shutdown gets its own deadline so resources are released even when
	// ctx has ended.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return ec, errors.Join(runErr, ec.Shutdown(shutdownCtx))
}

// NormalConvergence treats samples as normally distributed and reports
// whether twice the standard error is at most 5% of the mean.
func NormalConvergence(samples []float64) bool {
	n := float64(len(samples))
	if n == 0 {
		return false
	}
	mean, std := meanStd(samples)
	se95 := 2 * std / math.Sqrt(n)
	return math.Abs(mean)*0.05 >= se95
}

// meanStd returns the mean and population standard deviation.
func meanStd(samples []float64) (mean, std float64) {
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))
	var sq float64
	for _, s := range samples {
		sq += (s - mean) * (s - mean)
	}
	return mean, math.Sqrt(sq / float64(len(samples)))
}
