// Command waypoint runs the behaviour-scripted workflow service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/waypointhq/waypoint/config"
	"github.com/waypointhq/waypoint/core"
	"github.com/waypointhq/waypoint/engine"
	"github.com/waypointhq/waypoint/extension"
	"github.com/waypointhq/waypoint/logging"
	"github.com/waypointhq/waypoint/server"
	"github.com/waypointhq/waypoint/service"
	"github.com/waypointhq/waypoint/store"
	"github.com/waypointhq/waypoint/timer"
)

var (
	configPath string
	devMode    bool
	skipAuth   bool
)

var rootCmd = &cobra.Command{
	Use:   "waypoint",
	Short: "Waypoint - a behaviour-scripted workflow service",
	Long: `Waypoint executes JSON behaviour scripts as per-user workflow sessions
and exposes them over HTTP and remote messengers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "enable development mode")
	rootCmd.PersistentFlags().BoolVar(&skipAuth, "skip-auth", false, "skip the API access check")
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if devMode {
		cfg.DevMode = true
	}
	if skipAuth {
		cfg.SkipAuth = true
	}

	logger := logging.New(&logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: "json",
		Output: os.Stdout,
	})

	var graphs store.Store
	if cfg.Redis.Addr != "" {
		rs := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err := rs.Ping(context.Background()); err != nil {
			return fmt.Errorf("redis store unreachable: %w", err)
		}
		defer rs.Close()
		graphs = rs
	} else {
		graphs = store.NewFileStore(cfg.Workspace, logger)
	}

	ctx := context.Background()
	graph, err := graphs.LoadGraph(ctx, cfg.Behaviour)
	if err != nil {
		return err
	}
	knowledge, err := graphs.LoadKnowledge(ctx, cfg.Behaviour)
	if err != nil {
		return err
	}
	for k, v := range cfg.Overlay() {
		knowledge[k] = v
	}
	knowledge["REMOTE_CALLBACK_URL"] = server.RemoteCallbackURL(cfg.RemoteWebhookURL, cfg.Port)

	timers := timer.New(logger)
	defer timers.Close()

	eng, err := engine.New(engine.Config{
		Graph:              graph,
		Knowledge:          knowledge,
		Registry:           extension.NewRegistry(),
		Timers:             timers,
		Store:              graphs,
		Logger:             logger,
		AutoPurgeIdleUsers: cfg.AutoPurgeIdleUsers,
	})
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	eng.RegisterService(service.NewDiscordMessenger(eng, knowledge, logger))
	eng.StartServices()

	if cfg.DevMode {
		if fs, ok := graphs.(*store.FileStore); ok {
			if path, found := fs.GraphPath(cfg.Behaviour); found {
				w, err := store.Watch(path, logger, func(g *core.BehaviourGraph) {
					eng.StageGraph(g, nil)
				})
				if err != nil {
					logger.Warn("unable to watch the behaviour file", "error", err)
				} else {
					defer w.Close()
				}
			}
		}
	}

	srv := server.New(server.Config{
		ProjectName:             cfg.ProjectName,
		ProjectAccessKey:        cfg.ProjectAccessKey,
		Behaviour:               cfg.Behaviour,
		Port:                    cfg.Port,
		SkipAuth:                cfg.SkipAuth,
		DevMode:                 cfg.DevMode,
		BackendOperationEnabled: cfg.BackendOperationEnabled,
		SystemAdminKey:          cfg.SystemAdminKey,
	}, eng, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(cfg.ListenAddr()) }()
	logger.Info("waypoint serving", "addr", cfg.ListenAddr(), "behaviour", cfg.Behaviour)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
		return nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
