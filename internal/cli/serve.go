package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hamzaKhattat/smdr-collector/internal/alerts"
	"github.com/hamzaKhattat/smdr-collector/internal/config"
	"github.com/hamzaKhattat/smdr-collector/internal/metrics"
	"github.com/hamzaKhattat/smdr-collector/internal/publisher"
	"github.com/hamzaKhattat/smdr-collector/internal/service"
	"github.com/hamzaKhattat/smdr-collector/internal/web"
)

const shutdownTimeout = 5 * time.Second

func (a *app) serveCmd() *cobra.Command {
	var controllers []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collector",
		Long: `Connects to the configured controllers and ingests SMDR lines until
interrupted. SIGHUP reloads the connection and alert sections of the
configuration file without restarting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(controllers) > 0 {
				a.cfg.Connection.Controllers = controllers
			}
			return a.serve(cmd)
		},
	}

	cmd.Flags().StringSliceVar(&controllers, "controller", nil, "Controller address (repeatable, overrides config)")
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	ctx := context.Background()
	cfg := a.cfg

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()

	var pub *publisher.Publisher
	if cfg.NATS.URL != "" {
		pub, err = publisher.Connect(cfg.NATS, m.Published)
		if err != nil {
			log.Printf("[NATS] Publishing disabled: %v", err)
		} else {
			defer pub.Close()
		}
	}

	var window alerts.BusyWindow
	if cfg.Alerts.BusyStore == config.BusyStoreRedis {
		client, err := alerts.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		window = alerts.NewRedisWindow(client, cfg.Redis.Prefix)
	}

	svc, err := service.New(service.Options{
		Connection:       cfg.Connection,
		Rules:            cfg.Alerts.Rules,
		Store:            store,
		Window:           window,
		Metrics:          m,
		Publisher:        pub,
		RecentRecords:    cfg.Storage.RecentRecords,
		QueueSize:        cfg.Storage.QueueSize,
		ArchiveDir:       cfg.Storage.ArchiveDir,
		RetentionDays:    cfg.Storage.RetentionDays,
		RolloverInterval: cfg.Storage.RolloverInterval,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	var ws *web.Server
	if cfg.Web.Enabled {
		ws = web.NewServer(svc, m, cfg.Web.AllowedOrigins...)
		go func() {
			if err := ws.ListenAndServe(cfg.Web.Listen); err != nil {
				log.Printf("[WEB] Server error: %v", err)
			}
		}()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, color.GreenString("SMDR collector running"))
	fmt.Fprintf(out, "Controllers: %v (port %d)\n", cfg.Connection.Controllers, cfg.Connection.Port)
	fmt.Fprintf(out, "Encryption at rest: %v\n", store.Encrypted())
	if ws != nil {
		fmt.Fprintf(out, "Web: http://%s\n", cfg.Web.Listen)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		a.reload(svc)
	}

	log.Println("Shutting down...")
	if ws != nil {
		sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := ws.Shutdown(sctx); err != nil {
			log.Printf("[WEB] Shutdown error: %v", err)
		}
		cancel()
	}
	svc.Stop()
	return nil
}

func (a *app) reload(svc *service.Service) {
	next, _, err := config.Load(a.cfgFile)
	if err != nil {
		log.Printf("[CONFIG] Reload rejected: %v", err)
		return
	}
	if len(a.cfg.Connection.Controllers) > 0 && len(next.Connection.Controllers) == 0 {
		next.Connection.Controllers = a.cfg.Connection.Controllers
	}
	if err := svc.UpdateConfig(next.Connection, next.Alerts.Rules); err != nil {
		log.Printf("[CONFIG] Reload rejected: %v", err)
		return
	}
	a.cfg.Connection = next.Connection
	a.cfg.Alerts = next.Alerts
	log.Printf("[CONFIG] Reloaded %s", a.cfgFile)
}
