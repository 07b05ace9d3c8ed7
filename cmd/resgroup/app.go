package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fxnlabs/resource-group/internal/config"
	"github.com/fxnlabs/resource-group/internal/gpu"
	"github.com/fxnlabs/resource-group/internal/procgroup"
	"github.com/fxnlabs/resource-group/internal/resource"
	"github.com/fxnlabs/resource-group/internal/topology"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// appOptions wires the driver, topology, process group and resource group
// from cfg. The resource group is closed when the app stops.
func appOptions(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(
			newDriver,
			newTopology,
			newProcessGroup,
			newResourceGroup,
		),
	)
}

func newDriver(cfg *config.Config, log *zap.Logger) (gpu.Driver, error) {
	return gpu.NewDriver(cfg.Driver.Name, cfg.Driver.SimulatedDevices, log)
}

// newTopology builds the device map from the configured layout. Without a
// layout the process owns every device the driver reports.
func newTopology(cfg *config.Config, drv gpu.Driver) (resource.Topology, error) {
	layout := cfg.Topology.Layout
	if len(layout) == 0 {
		count, err := drv.DeviceCount()
		if err != nil {
			return nil, err
		}
		devices := make([]int, count)
		for i := range devices {
			devices[i] = i
		}
		layout = [][]int{devices}
	}
	m, err := topology.NewDeviceMap(layout, cfg.Topology.Pid)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func newProcessGroup(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (procgroup.ProcessGroup, error) {
	if cfg.CollectiveMode() != resource.ModeMulti || cfg.Collective.Size == 1 {
		return procgroup.Local{}, nil
	}
	g, err := procgroup.NewHTTPGroup(procgroup.HTTPConfig{
		Rank:        cfg.Collective.Rank,
		Size:        cfg.Collective.Size,
		Coordinator: cfg.Collective.Coordinator,
	}, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return g.Close() },
	})
	return g, nil
}

// newResourceGroup builds the group. On failure it closes pg, since fx runs
// no OnStop hooks when construction fails.
func newResourceGroup(lc fx.Lifecycle, cfg *config.Config, topo resource.Topology, drv gpu.Driver, pg procgroup.ProcessGroup, log *zap.Logger) (g *resource.Group, err error) {
	defer func() {
		if err == nil {
			return
		}
		if c, ok := pg.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				log.Warn("Failed to close process group", zap.Error(cerr))
			}
		}
	}()

	formation, err := resource.FormationFor(cfg.CollectiveMode(), pg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Collective.Timeout)
	defer cancel()

	g, err = resource.New(ctx, topo, drv,
		resource.WithLogger(log),
		resource.WithFormation(formation),
		resource.WithAffinity(resource.StaticAffinity(cfg.Pool.Affinity, resource.RoundRobinAffinity)),
	)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return g.Close() },
	})
	return g, nil
}

// registerMetricsServer serves the Prometheus registry while the app runs.
// It depends on the resource group so that the group exists before scraping starts.
func registerMetricsServer(lc fx.Lifecycle, cfg *config.Config, _ *resource.Group, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Metrics.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", zap.Error(err))
				}
			}()
			log.Info("Serving metrics", zap.String("address", ln.Addr().String()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// runApp builds and starts an app from st's configuration plus opts, runs fn
// and stops the app, releasing every resource the app created.
func runApp(ctx context.Context, st *cliState, fn func(ctx context.Context) error, opts ...fx.Option) error {
	app := fx.New(appOptions(st.cfg, st.log), fx.Options(opts...))
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	return multierr.Append(runErr, app.Stop(stopCtx))
}
