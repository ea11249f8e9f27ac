package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server with the inspection pipeline",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address, overrides server.httpAddr")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.HTTPAddr = addr
	}

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	a.printIssuedKeys(cmd.OutOrStdout())

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	if err := a.start(rootCtx); err != nil {
		a.close()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server is running",
			"addr", cfg.Server.HTTPAddr,
			"pid", os.Getpid(),
			"environment", cfg.Environment,
			"waf", cfg.WAF.Enabled,
			"gateway", cfg.Gateway.Enabled,
			"redis", cfg.Redis.Enabled(),
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err, ok := <-errCh:
		if ok && err != nil {
			cancelRoot()
			a.close()
			return err
		}
	}

	cancelRoot()
	if err := a.shutdown(5 * time.Second); err != nil {
		return err
	}
	logger.Info("server exited properly")
	return nil
}
