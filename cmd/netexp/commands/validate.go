package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/netexp/netexp/pkg/config"
	"github.com/netexp/netexp/pkg/policy"
)

// validation is the outcome of checking one description.
type validation struct {
	Path       string             `json:"path"`
	Valid      bool               `json:"valid"`
	Errors     []string           `json:"errors,omitempty"`
	Violations []policy.Violation `json:"violations,omitempty"`
	Warnings   []policy.Violation `json:"warnings,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var (
		policies []string
		vars     map[string]string
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "validate <description>...",
		Short: "Validate experiment descriptions",
		Long: `Validate experiment descriptions without running them.

This command checks:
  - YAML, CUE or Starlark syntax
  - Schema conformance and references between resources
  - Policy compliance (built-in and --policy Rego policies)

With --watch it keeps running and validates again whenever a description
or policy file changes.`,
		Example: `  # Validate one description
  netexp validate ping.yaml

  # Validate against lab policies, revalidating on every save
  netexp validate ping.yaml mesh.cue --policy ./policies --watch`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			policies = append(policies, cfg.Policies...)

			eng, err := newPolicyEngine(ctx, policies)
			if err != nil {
				return err
			}
			loader := config.NewLoader(0)
			loader.Vars = starlarkVars(vars)

			check := func() error {
				return reportValidations(cmd.OutOrStdout(), validateAll(ctx, loader, eng, args))
			}
			if !watch {
				return check()
			}

			if err := check(); err != nil {
				log.Warn().Err(err).Msg("Validation failed")
			}
			return watchAndValidate(ctx, args, policies, eng, check)
		},
	}

	cmd.Flags().StringSliceVar(&policies, "policy", nil, "policy files or directories")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "variables for Starlark descriptions")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "validate again when files change")

	return cmd
}

func validateAll(ctx context.Context, loader *config.Loader, eng *policy.Engine, paths []string) []validation {
	results := make([]validation, 0, len(paths))
	for _, path := range paths {
		results = append(results, validateOne(ctx, loader, eng, path))
	}
	return results
}

func validateOne(ctx context.Context, loader *config.Loader, eng *policy.Engine, path string) validation {
	v := validation{Path: path}

	desc, err := loader.Load(ctx, path)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			for _, e := range verrs {
				v.Errors = append(v.Errors, e.Error())
			}
		} else {
			v.Errors = append(v.Errors, err.Error())
		}
		return v
	}

	result, err := eng.Evaluate(ctx, desc, "validate")
	if err != nil {
		v.Errors = append(v.Errors, err.Error())
		return v
	}
	v.Violations = result.Violations
	v.Warnings = result.Warnings
	v.Valid = result.Allowed
	return v
}

func reportValidations(out io.Writer, results []validation) error {
	invalid := 0
	for _, r := range results {
		if !r.Valid {
			invalid++
		}
	}

	if jsonOutput {
		if err := printJSON(out, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			status := "ok"
			if !r.Valid {
				status = "invalid"
			}
			fmt.Fprintf(out, "%s: %s\n", r.Path, status)
			for _, e := range r.Errors {
				fmt.Fprintf(out, "  error: %s\n", e)
			}
			for _, v := range r.Violations {
				fmt.Fprintf(out, "  %s [%s]: %s\n", v.Severity, v.Policy, v.Message)
			}
			for _, w := range r.Warnings {
				fmt.Fprintf(out, "  %s [%s]: %s\n", w.Severity, w.Policy, w.Message)
			}
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d descriptions are invalid", invalid, len(results))
	}
	return nil
}

// watchAndValidate runs check whenever a description or policy changes and
// returns when ctx ends.
func watchAndValidate(ctx context.Context, paths, policyPaths []string, eng *policy.Engine, check func() error) error {
	rerun := func() {
		if err := check(); err != nil {
			log.Warn().Err(err).Msg("Validation failed")
		}
	}

	err := config.Watch(ctx, paths, config.WatchOptions{
		Match: func(path string) bool {
			_, err := config.FormatOf(path)
			return err == nil
		},
		OnChange: rerun,
		OnError: func(err error) {
			log.Error().Err(err).Msg("Watcher error")
		},
	})
	if err != nil {
		return err
	}

	if len(policyPaths) > 0 {
		loader := policy.NewLoader(log.Logger)
		err := loader.Watch(ctx, policyPaths, func(ps []policy.Policy) error {
			if err := eng.SetPolicies(ctx, ps); err != nil {
				return err
			}
			rerun()
			return nil
		})
		if err != nil {
			return err
		}
	}

	log.Info().Strs("paths", paths).Msg("Watching for changes, press Ctrl-C to stop")
	<-ctx.Done()
	return nil
}
