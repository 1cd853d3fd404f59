package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"osf-archiver/archiver/api"
	"osf-archiver/archiver/service"
	"osf-archiver/archiver/sweeper"
	"osf-archiver/archiver/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume archive tasks and serve WaterButler callbacks",
		Long: `Runs the archiver worker against the rabbitmq queue, the http gateway receiving
WaterButler copy callbacks and health checks, and the periodic stuck archive sweep.`,
		RunE: serveRun,
	}
}

func serveRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	archiverService := service.InitArchiverService()

	gateway := api.NewGateway(settingsObj, archiverService, checks)
	gateway.Start()

	stuckSweeper := sweeper.NewSweeper(settingsObj, archiveDB, reporter)

	cronRunner, err := stuckSweeper.Schedule(settingsObj.StuckSweep.CronFrequency)
	if err != nil {
		return err
	}

	mqWorker := worker.NewWorker(settingsObj, archiverService, taskMgr)

	defer func() {
		<-cronRunner.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := gateway.Stop(shutdownCtx); err != nil {
			log.WithError(err).Error("error while stopping http server")
		}

		if err := mqWorker.ShutdownWorker(); err != nil {
			log.WithError(err).Error("error while shutting down worker")
		}
	}()

	for {
		err = mqWorker.ConsumeTaskWithContext(ctx)
		if ctx.Err() != nil {
			log.Info("received shutdown signal, stopping archiver")

			return nil
		}

		if err != nil {
			log.WithError(err).Error("error while consuming task, starting again")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}
