package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"osf-archiver/archiver/service"
	"osf-archiver/caching"
	"osf-archiver/goutils/datamodel"
)

var (
	statusDst    string
	statusReport bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display the archiving state of a registration",
		Long: `Prints the archive job of a registration together with the status of every addon.
Use --report to print the report written when the job finished instead.`,
		Example: `  archiver status --dst xyz34
  archiver status --dst xyz34 --report`,
		RunE: statusRun,
	}

	cmd.Flags().StringVar(&statusDst, "dst", "", "registration (destination node) id")
	cmd.Flags().BoolVar(&statusReport, "report", false, "print the finished job report from the local cache")

	_ = cmd.MarkFlagRequired("dst")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if statusReport {
		report, err := caching.InitDiskCache().Read(service.ReportPath(settingsObj.LocalCachePath, statusDst))
		if err != nil {
			return fmt.Errorf("no report for %s: %w", statusDst, err)
		}

		_, err = cmd.OutOrStdout().Write(append(report, '\n'))

		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	job, err := archiveDB.GetArchiveJob(ctx, statusDst)
	if errors.Is(err, caching.ErrJobNotFound) {
		return fmt.Errorf("registration %s was never archived", statusDst)
	}

	if err != nil {
		return err
	}

	targets, err := archiveDB.GetArchiveTargets(ctx, statusDst)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(&datamodel.JobReport{Job: job, Targets: targets}, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	fmt.Fprintf(cmd.OutOrStdout(), "elapsed: %s\n", job.Elapsed(time.Now()).Round(time.Second))

	return nil
}
