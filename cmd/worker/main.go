package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/tee-sidechain-worker/bootstrap"
	"github.com/ruteri/tee-sidechain-worker/cmd/flags"
	"github.com/ruteri/tee-sidechain-worker/common"
	"github.com/ruteri/tee-sidechain-worker/worker"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "sidechain-worker",
		Usage:   "Run a TEE sidechain worker enclave",
		Version: common.Version,
		Flags:   append(append([]cli.Flag{flags.LogServiceFlagFn("sidechain-worker")}, flags.CommonFlags...), flags.WorkerFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := flags.ConfigureWorker(cCtx)
			if err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}

			w, err := worker.New(cfg, logger)
			if err != nil {
				logger.Error("Failed to create worker", "err", err)
				return err
			}
			defer w.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Worker is starting, press Ctrl+C to stop")
			err = w.Run(ctx)

			var bootErr *bootstrap.BootstrapError
			if errors.As(err, &bootErr) {
				logger.Error("Enclave bootstrap failed", "stage", bootErr.Stage.String(), "err", bootErr.Err)
				return cli.Exit(err, 2)
			}
			if err != nil {
				logger.Error("Worker stopped with error", "err", err)
				return err
			}

			logger.Info("Worker shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
