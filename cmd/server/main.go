package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/fsroute/fsroute/internal/app"
	"github.com/fsroute/fsroute/internal/config"
	"github.com/fsroute/fsroute/internal/observability"
	"github.com/fsroute/fsroute/internal/router"
)

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "fsroute",
		Usage:   "File-structure-driven HTTP server",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			routesCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fsroute: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the routes directory",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on (overrides PORT)",
			},
			&cli.StringFlag{
				Name:    "routes",
				Aliases: []string{"r"},
				Usage:   "Routes directory (overrides ROUTES_DIR)",
			},
			&cli.BoolFlag{
				Name:  "cluster",
				Usage: "Run a pool of workers behind a load balancer",
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Usage:   "Number of workers (0 = one per CPU)",
			},
			&cli.StringFlag{
				Name:  "algorithm",
				Usage: "Load balancing algorithm: round-robin, least-connections, least-cpu, fastest-response",
			},
			&cli.BoolFlag{
				Name:  "sticky",
				Usage: "Pin each client to the worker that served it first",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-request timeout, 0 disables",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Reload routes when the directory changes",
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "Development mode: text logs, error details in responses",
			},
		},
		Action: serve,
	}
}

func routesCommand() *cli.Command {
	return &cli.Command{
		Name:  "routes",
		Usage: "Print the routes discovered in the routes directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "routes",
				Aliases: []string{"r"},
				Usage:   "Routes directory (overrides ROUTES_DIR)",
			},
		},
		Action: listRoutes,
	}
}

func newLogger(development bool) *slog.Logger {
	if development {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// loadConfig reads the environment, then lets flags that were set override it
func loadConfig(cmd *cli.Command) (*config.Config, *slog.Logger, error) {
	dev := cmd.Bool("dev") || strings.EqualFold(os.Getenv("ENV"), config.EnvDevelopment)
	logger := newLogger(dev)

	cfg, err := config.LoadConfig(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if cmd.Bool("dev") {
		cfg.App.Environment = config.EnvDevelopment
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = cmd.Int("port")
	}
	if cmd.IsSet("routes") {
		cfg.Routes.Dir = cmd.String("routes")
	}
	if cmd.IsSet("cluster") {
		cfg.Cluster.Enabled = cmd.Bool("cluster")
	}
	if cmd.IsSet("workers") {
		cfg.Cluster.Workers = cmd.Int("workers")
	}
	if cmd.IsSet("algorithm") {
		cfg.Cluster.Algorithm = strings.ToLower(cmd.String("algorithm"))
	}
	if cmd.IsSet("sticky") {
		cfg.Cluster.StickySessions = cmd.Bool("sticky")
	}
	if cmd.IsSet("timeout") {
		cfg.Dispatch.RequestTimeout = cmd.Duration("timeout")
	}
	if cmd.IsSet("watch") {
		cfg.Routes.Watch = cmd.Bool("watch")
	}
	if cfg.App.Version == "dev" {
		cfg.App.Version = version
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	metricsConfig := observability.DefaultMetricsConfig("fsroute")
	metricsConfig.Logger = logger

	logger.Info("starting fsroute",
		"version", cfg.App.Version,
		"addr", cfg.Address(),
		"routes_dir", cfg.Routes.Dir,
		"cluster", cfg.Cluster.Enabled,
	)

	return app.Run(ctx, &app.Options{
		Logger:   logger,
		Config:   cfg,
		Resolver: demoModules(logger, cfg.App.Version),
		Metrics:  observability.NewMetrics(metricsConfig),
	})
}

func listRoutes(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	loader, err := router.NewLoader(&router.LoaderConfig{
		Logger:   logger,
		Resolver: demoModules(logger, cfg.App.Version),
	})
	if err != nil {
		return err
	}
	res, err := loader.Load(ctx, cfg.Routes.Dir)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATTERN\tMETHODS")
	for _, r := range res.Table.Routes() {
		fmt.Fprintf(tw, "%s\t%s\n", r.Pattern, strings.Join(r.Methods, ", "))
	}
	for _, m := range res.Middleware {
		fmt.Fprintf(tw, "%s\tmiddleware (before %d, after %d, onError %d)\n",
			m.Prefix, len(m.Before), len(m.After), len(m.OnError))
	}
	if len(res.Skipped) > 0 {
		fmt.Fprintf(tw, "\nskipped:\t%s\n", strings.Join(res.Skipped, ", "))
	}
	return tw.Flush()
}
