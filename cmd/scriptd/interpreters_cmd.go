package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/scriptd/internal/connectors"
	"github.com/spf13/cobra"
)

var interpretersCmd = &cobra.Command{
	Use:   "interpreters",
	Short: "Show which script interpreters the daemon can find",
	RunE:  runInterpreters,
}

func runInterpreters(cmd *cobra.Command, args []string) error {
	var found []connectors.Interpreter
	if err := apiGet("/interpreters", &found); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXT\tKIND\tCOMMAND\tSTATUS\tVERSION")
	for _, in := range found {
		status := "missing"
		if in.Available {
			status = "ok"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", in.Extension, in.Kind, strings.Join(in.Command, " "), status, in.Version)
	}
	return w.Flush()
}
