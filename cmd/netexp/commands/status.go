package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/netexp/netexp/pkg/engine"
)

func printStatus(cmd *cobra.Command, ec *engine.ExperimentController) error {
	resources := ec.Resources()
	statuses := make([]engine.ResourceStatus, 0, len(resources))
	for _, r := range resources {
		statuses = append(statuses, r.Status())
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"experiment": ec.ExpID(),
			"state":      ec.State(),
			"failed":     ec.Failed(),
			"resources":  statuses,
		})
	}

	fmt.Fprintf(out, "Experiment %s: %s\n\n", ec.ExpID(), ec.State())
	return writeStatusTable(out, statuses, time.Now())
}

func writeStatusTable(out io.Writer, statuses []engine.ResourceStatus, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GUID\tLABEL\tTYPE\tSTATE\tSTARTED\tRAN\tPROBLEM")
	for _, st := range statuses {
		started, ran := "-", "-"
		if t, ok := st.Times[engine.StateStarted.String()]; ok {
			started = humanize.RelTime(t, now, "ago", "from now")
			if end, ok := st.Times[engine.StateStopped.String()]; ok {
				ran = end.Sub(t).Round(time.Millisecond).String()
			}
		}
		problem := st.FailureCause
		if problem == "" && st.ReleaseError != "" {
			problem = "release: " + st.ReleaseError
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			st.GUID, st.Label, st.Type, st.State, started, ran, problem)
	}
	return w.Flush()
}
