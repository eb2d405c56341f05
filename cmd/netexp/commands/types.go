package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/netexp/netexp/pkg/engine"
)

// typeDoc is the JSON form of a registered resource type.
type typeDoc struct {
	Type       string                 `json:"type"`
	Help       string                 `json:"help"`
	Attributes []engine.AttributeSpec `json:"attributes"`
	Traces     []engine.TraceSpec     `json:"traces,omitempty"`
}

func newTypesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "types [type]",
		Short: "List resource types and their attributes",
		Example: `  # Every type
  netexp types

  # Attributes of one type
  netexp types linux::Application`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := newRegistry()
			if err != nil {
				return err
			}

			names := registry.Types()
			if len(args) == 1 {
				if _, ok := registry.Lookup(args[0]); !ok {
					return fmt.Errorf("unknown resource type %s", args[0])
				}
				names = args
			}

			docs := make([]typeDoc, 0, len(names))
			for _, name := range names {
				info, _ := registry.Lookup(name)
				attrs, _ := registry.AttributesOf(name)
				docs = append(docs, typeDoc{Type: name, Help: info.Help, Attributes: attrs, Traces: info.Traces})
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, docs)
			}
			if len(args) == 0 {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, d := range docs {
					fmt.Fprintf(w, "%s\t%s\n", d.Type, d.Help)
				}
				return w.Flush()
			}

			d := docs[0]
			fmt.Fprintf(out, "%s: %s\n\n", d.Type, d.Help)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ATTRIBUTE\tTYPE\tDEFAULT\tFLAGS\tHELP")
			for _, a := range d.Attributes {
				typ := string(a.Type)
				if a.Type == engine.AttrEnum {
					typ = strings.Join(a.Allowed, "|")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Name, typ, a.Default, flagNames(a.Flags), a.Help)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if len(d.Traces) > 0 {
				fmt.Fprintln(out, "\nTraces:")
				for _, t := range d.Traces {
					fmt.Fprintf(out, "  %s: %s\n", t.Name, t.Help)
				}
			}
			return nil
		},
	}
}

func flagNames(f engine.AttrFlags) string {
	var names []string
	if f.Has(engine.FlagReadOnly) {
		names = append(names, "read-only")
	}
	if f.Has(engine.FlagExecReadOnly) {
		names = append(names, "exec-read-only")
	}
	if f.Has(engine.FlagCredential) {
		names = append(names, "credential")
	}
	return strings.Join(names, ",")
}
