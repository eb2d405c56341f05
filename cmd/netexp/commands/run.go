package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/netexp/netexp/pkg/config"
	"github.com/netexp/netexp/pkg/engine"
	"github.com/netexp/netexp/pkg/policy"
	"github.com/netexp/netexp/pkg/resources/dummy"
	"github.com/netexp/netexp/pkg/resources/linux"
	"github.com/netexp/netexp/pkg/stores"
	"github.com/netexp/netexp/pkg/telemetry"
)

// releaseTimeout bounds the release that follows an interrupted run.
const releaseTimeout = 2 * time.Minute

type runOptions struct {
	expID       string
	rootDir     string
	database    string
	metricsAddr string
	tracesDir   string
	policies    []string
	vars        map[string]string
	duration    time.Duration
	maxThreads  int
	noDB        bool
}

func newRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <description>",
		Short: "Run an experiment",
		Long: `Run the experiment described in a YAML, CUE or Starlark file.

The run goes through these steps:
  - Load and validate the description
  - Check it against the built-in and --policy policies
  - Deploy every resource and start each one once its conditions hold
  - Wait for the applications to finish, or for --duration
  - Collect enabled traces into --traces-dir
  - Release every resource

The run, its resources and its tasks are recorded in the --db database.`,
		Example: `  # Run a ping experiment
  netexp run ping.yaml

  # Stop after five minutes and keep the traces
  netexp run ping.yaml --duration 5m --traces-dir ./traces

  # Pass variables to a Starlark description
  netexp run mesh.star --var count=8 --policy ./policies`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts = opts.withSettings(cfg)
			return runExperiment(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.expID, "exp-id", "", "experiment id (default: random)")
	cmd.Flags().StringVar(&opts.rootDir, "root-dir", "", "directory for per-resource run files")
	cmd.Flags().StringVar(&opts.database, "db", "", "SQLite database recording the run")
	cmd.Flags().BoolVar(&opts.noDB, "no-db", false, "do not record the run")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.tracesDir, "traces-dir", "", "copy enabled traces here before release")
	cmd.Flags().StringSliceVar(&opts.policies, "policy", nil, "policy files or directories")
	cmd.Flags().StringToStringVar(&opts.vars, "var", nil, "variables for Starlark descriptions")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "stop waiting for the experiment after this long")
	cmd.Flags().IntVar(&opts.maxThreads, "max-threads", 0, "concurrently running scheduled tasks")

	return cmd
}

func (o runOptions) withSettings(s settings) runOptions {
	if o.database == "" {
		o.database = s.Database
	}
	if o.noDB {
		o.database = ""
	}
	if o.rootDir == "" {
		o.rootDir = s.RootDir
	}
	if o.maxThreads == 0 {
		o.maxThreads = s.MaxThreads
	}
	o.policies = append(o.policies, s.Policies...)
	return o
}

func runExperiment(cmd *cobra.Command, path string, opts runOptions) error {
	ctx := cmd.Context()

	loader := config.NewLoader(0)
	loader.Vars = starlarkVars(opts.vars)
	desc, err := loader.Load(ctx, path)
	if err != nil {
		return err
	}

	policies, err := newPolicyEngine(ctx, opts.policies)
	if err != nil {
		return err
	}
	result, err := policies.Evaluate(ctx, desc, "run")
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	for _, w := range result.Warnings {
		log.Warn().Str("policy", w.Policy).Str("resource", w.Resource).Msg(w.Message)
	}
	if !result.Allowed {
		for _, v := range result.Violations {
			log.Error().Str("policy", v.Policy).Str("resource", v.Resource).Msg(v.Message)
		}
		return fmt.Errorf("%s violates %d policies", path, len(result.Violations))
	}

	tel, err := newTelemetry(opts.metricsAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to shut telemetry down")
		}
	}()
	if err := tel.StartMetricsServer(); err != nil {
		return err
	}

	registry, err := newRegistry()
	if err != nil {
		return err
	}

	ecOpts := engine.Options{
		ExpID:      opts.expID,
		RootDir:    opts.rootDir,
		MaxThreads: opts.maxThreads,
		Registry:   registry,
		Telemetry:  tel,
	}
	if opts.database != "" {
		store, err := stores.Open(ctx, opts.database)
		if err != nil {
			return err
		}
		defer store.Close()
		ecOpts.Store = store
	}

	ec, err := engine.New(ecOpts)
	if err != nil {
		return err
	}

	// Resources are released with a fresh context so an interrupt still
	// cleans up the testbed.
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := ec.Shutdown(relCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
		}
		if err := printStatus(cmd, ec); err != nil {
			log.Error().Err(err).Msg("Failed to print status")
		}
	}()

	applied, err := config.Apply(ec, desc)
	if err != nil {
		return err
	}

	log.Info().Str("experiment", ec.ExpID()).Int("resources", len(applied)).Msg("Deploying")
	if err := ec.Deploy(ctx, nil, true); err != nil {
		return err
	}

	waitCtx := ctx
	if opts.duration > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}
	group := config.WaitGroup(desc, applied)
	switch err := ec.WaitFinished(waitCtx, group); {
	case errors.Is(err, context.DeadlineExceeded):
		log.Info().Dur("duration", opts.duration).Msg("Duration elapsed, stopping")
	case errors.Is(err, context.Canceled):
		log.Info().Msg("Interrupted, stopping")
	case err != nil:
		return err
	}

	if opts.tracesDir != "" {
		collectCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := collectTraces(collectCtx, ec, opts.tracesDir); err != nil {
			log.Error().Err(err).Msg("Failed to collect traces")
		}
	}

	if ec.Failed() {
		return fmt.Errorf("experiment %s failed", ec.ExpID())
	}
	return nil
}

// newRegistry knows every resource type the CLI can run.
func newRegistry() (*engine.Registry, error) {
	registry := engine.NewRegistry()
	if err := linux.Register(registry, linux.Options{}); err != nil {
		return nil, err
	}
	if err := dummy.Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

func newTelemetry(metricsAddr string) (*telemetry.Telemetry, error) {
	tcfg := telemetry.DefaultConfig()
	if cfg.Telemetry != nil {
		c := *cfg.Telemetry
		tcfg = &c
	}
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	if metricsAddr != "" {
		tcfg.Metrics.Enabled = true
		tcfg.Metrics.ListenAddress = metricsAddr
	}
	return telemetry.NewTelemetry(tcfg)
}

func newPolicyEngine(ctx context.Context, paths []string) (*policy.Engine, error) {
	eng, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		if err := eng.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// starlarkVars passes integers and booleans as such and everything else
// as strings.
func starlarkVars(vars map[string]string) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = n
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else {
			out[k] = v
		}
	}
	return out
}

// collectTraces copies every enabled trace to dir/<label>/<name>.
func collectTraces(ctx context.Context, ec *engine.ExperimentController, dir string) error {
	var errs []error
	for _, r := range ec.Resources() {
		label := r.Value("label")
		if label == "" {
			label = strconv.Itoa(int(r.GUID()))
		}
		for _, name := range r.EnabledTraces() {
			content, err := ec.Trace(ctx, r.GUID(), name, engine.TraceAll, 0, 0)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", label, name, err))
				continue
			}
			target := filepath.Join(dir, label, name)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
				return err
			}
			log.Debug().Str("resource", label).Str("trace", name).Str("path", target).Msg("Trace collected")
		}
	}
	return errors.Join(errs...)
}
