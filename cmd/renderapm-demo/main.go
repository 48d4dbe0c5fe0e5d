// Command renderapm-demo serves a small site whose component renders are
// timed by the configured agents.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	renderapm "github.com/itsneelabh/renderapm"
	"github.com/itsneelabh/renderapm/pkg/config"
	"github.com/itsneelabh/renderapm/pkg/logger"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "Path to a YAML or JSON configuration file",
		EnvVars: []string{"RENDERAPM_CONFIG"},
	}
	addrFlag = &cli.StringFlag{
		Name:    "addr",
		Usage:   "Address to listen on",
		Value:   ":8080",
		EnvVars: []string{"RENDERAPM_ADDR"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Logging verbosity (debug, info, warn, error)",
	}
	shutdownTimeoutFlag = &cli.DurationFlag{
		Name:  "shutdown-timeout",
		Usage: "Time allowed for in-flight requests and telemetry flush on exit",
		Value: 10 * time.Second,
	}
)

var appFlags = []cli.Flag{
	configFlag,
	addrFlag,
	logLevelFlag,
	shutdownTimeoutFlag,
}

func run(cliCtx *cli.Context) error {
	var opts []config.Option
	if path := cliCtx.String(configFlag.Name); path != "" {
		opts = append(opts, config.WithConfigFile(path))
	}
	if level := cliCtx.String(logLevelFlag.Name); level != "" {
		opts = append(opts, config.WithLogLevel(level))
	}

	cfg, err := config.NewConfig(opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := renderapm.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	inst.Telemetry.SetGlobal()

	srv := &http.Server{
		Addr:              cliCtx.String(addrFlag.Name),
		Handler:           newHandler(inst),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		inst.Logger.Info("Listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = inst.Shutdown(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		inst.Logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCtx.Duration(shutdownTimeoutFlag.Name))
	defer cancel()
	return errors.Join(
		srv.Shutdown(shutdownCtx),
		inst.Shutdown(shutdownCtx),
	)
}

func main() {
	app := cli.App{}
	app.Name = "renderapm-demo"
	app.Usage = "serves demo pages whose component renders are timed by monitoring agents"
	app.Version = renderapm.Version
	app.Flags = appFlags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logger.NewDefaultLogger().Error("renderapm-demo failed", "error", err)
		os.Exit(1)
	}
}
