// relay-server bootstraps the coordination service: loads config, wires
// the KV store, remote repo client, lock registry, dependency graph
// builder, and activity log, then serves both request-plane surfaces
// over HTTP. Bootstrap sequencing (component construction order, signal
// handling) follows the teacher's cmd/crisk-check-server/main.go;
// subcommand structure follows cmd/crisk's cobra root command.
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

	"github.com/luljaj/relay/internal/activity"
	"github.com/luljaj/relay/internal/api"
	"github.com/luljaj/relay/internal/depgraph"
	"github.com/luljaj/relay/internal/kv"
	"github.com/luljaj/relay/internal/locks"
	"github.com/luljaj/relay/internal/logging"
	"github.com/luljaj/relay/internal/mcpbridge"
	"github.com/luljaj/relay/internal/relayconfig"
	"github.com/luljaj/relay/internal/remoterepo"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	cliLog  *logrus.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relay-server",
	Short: "Relay - coordination service for concurrent editors on a shared repository",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cliLog = logrus.New()
		if verbose {
			cliLog.SetLevel(logrus.DebugLevel)
		} else {
			cliLog.SetLevel(logrus.InfoLevel)
		}
		cliLog.Info("relay-server starting")
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: relay.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose CLI output")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanupOnceCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP request plane (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var cleanupOnceCmd = &cobra.Command{
	Use:   "cleanup-once",
	Short: "Run cleanupExpired across every known lock namespace once, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCleanupOnce()
	},
}

type components struct {
	cfg      *relayconfig.Config
	kv       *kv.Client
	remote   *remoterepo.Client
	locks    *locks.Registry
	graph    *depgraph.Builder
	activity *activity.Log
	svc      *api.Service
}

func bootstrap(ctx context.Context) (*components, error) {
	cfg, err := relayconfig.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger := logging.Global()

	kvClient, err := kv.NewClient(ctx, cfg.KV.URL, cfg.KV.Token)
	if err != nil {
		return nil, err
	}
	logger.Info("kv store connected")

	remote := remoterepo.NewClient(cfg.RemoteHost.Token, cfg.RemoteHost.RateLimit, cfg.RemoteHost.HeadCacheTTL)
	logger.Info("remote repo client ready")

	lockRegistry := locks.NewRegistry(kvClient)
	graphBuilder := depgraph.NewBuilder(kvClient, remote, 8)
	activityLog := activity.NewLog(kvClient)

	svc := &api.Service{
		KV: kvClient, Remote: remote, Locks: lockRegistry, Graph: graphBuilder, Activity: activityLog,
		Logger:             logger,
		RequestDeadline:    cfg.RequestDeadline,
		GraphBuildDeadline: cfg.GraphBuildDeadline,
	}
	if cfg.CanonicalRepoURL != "" {
		rewritten := cfg.CanonicalRepoURL
		svc.CanonicalRepoURL = func(string) string { return rewritten }
	}

	return &components{
		cfg: cfg, kv: kvClient, remote: remote, locks: lockRegistry, graph: graphBuilder, activity: activityLog, svc: svc,
	}, nil
}

func runServe() error {
	ctx := context.Background()
	logger := logging.Global()

	c, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer c.kv.Close()

	mux := http.NewServeMux()
	mux.Handle("/", api.NewServer(c.svc, c.cfg.CronSecret))

	bridge := mcpbridge.NewBridge(c.svc)
	mux.HandleFunc("/mcp", bridge.ServeHTTP)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", c.cfg.Port),
		Handler:      mux,
		ReadTimeout:  c.cfg.GraphBuildDeadline,
		WriteTimeout: c.cfg.GraphBuildDeadline,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relay-server listening", "port", c.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runCleanupOnce() error {
	ctx := context.Background()
	c, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer c.kv.Close()

	removed, err := c.svc.CleanupStaleLocks(ctx)
	if err != nil {
		return err
	}
	cliLog.Infof("removed %d expired lock(s)", removed)
	return nil
}
