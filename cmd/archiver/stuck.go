package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"osf-archiver/archiver/sweeper"
)

func newStuckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stuck",
		Short: "Report archives running longer than the archive time limit",
		RunE:  stuckRun,
	}
}

func stuckRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	stuck, err := sweeper.NewSweeper(settingsObj, archiveDB, reporter).Sweep(ctx)
	if err != nil {
		return err
	}

	if len(stuck) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no stuck archives")

		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REGISTRATION\tTASK\tELAPSED\tPENDING")

	for _, s := range stuck {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", s.DstNodeID, s.TaskID, s.Elapsed.Round(time.Second), s.Pending)
	}

	return w.Flush()
}
