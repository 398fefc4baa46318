package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ganadoscan/ganadoscan/internal/buildinfo"
	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/models"
	"github.com/ganadoscan/ganadoscan/internal/remote"
	"github.com/ganadoscan/ganadoscan/internal/sync"
)

// offlineRemote stands in for the record store when none is configured.
// Every call fails as unavailable, so changes stay queued locally.
type offlineRemote struct{}

var errOffline = errors.RemoteUnavailable(nil, "agent is offline")

func (offlineRemote) CreateTag(context.Context, models.Tag) (models.Tag, error) {
	return models.Tag{}, errOffline
}

func (offlineRemote) CreateBatch(context.Context, models.Batch) (models.Batch, error) {
	return models.Batch{}, errOffline
}

func (offlineRemote) UpdateTag(context.Context, string, models.TagFields) error     { return errOffline }
func (offlineRemote) UpdateBatch(context.Context, string, models.BatchFields) error { return errOffline }
func (offlineRemote) DeleteTag(context.Context, string) error                       { return errOffline }
func (offlineRemote) DeleteBatch(context.Context, string) error                     { return errOffline }
func (offlineRemote) ListTags(context.Context) ([]models.Tag, error)                { return nil, errOffline }
func (offlineRemote) ListBatches(context.Context) ([]models.Batch, error)           { return nil, errOffline }
func (offlineRemote) Ping(context.Context) error                                    { return errOffline }

func (offlineRemote) Subscribe(context.Context, func(models.Event)) (remote.Subscription, error) {
	return nil, errOffline
}

func newDrainCmd(a *app) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Upload queued changes now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), func(s *session) error {
				out := cmd.OutOrStdout()
				report, err := s.engine.DrainPendingQueue(cmd.Context())
				if err != nil {
					return err
				}
				if report.Skipped {
					fmt.Fprintln(out, dimStyle.Render("a drain is already running"))
					return nil
				}
				fmt.Fprintf(out, "uploaded %d, updated %d, deleted %d", report.Uploaded, report.Updated, report.Deleted)
				if report.Failed > 0 {
					fmt.Fprint(out, ", ", warnStyle.Render(fmt.Sprintf("%d still queued", report.Failed)))
				}
				fmt.Fprintf(out, " in %s\n", report.Duration.Round(time.Millisecond))

				if !refresh {
					return nil
				}
				snap, err := s.engine.RefreshSnapshot(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "snapshot: applied %d, kept %d local, pruned %d\n", snap.Applied, snap.Ignored, snap.Pruned)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload the server snapshot afterwards")
	return cmd
}

func newImportLegacyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import-legacy <export.json>",
		Short: "Import records exported from the browser app's storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			return a.withSession(cmd.Context(), func(s *session) error {
				report, err := s.engine.ImportLegacy(cmd.Context(), f)
				if err != nil {
					return err
				}
				if report.AlreadyImported {
					fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("legacy data already imported"))
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d batches and %d tags, skipped %d\n", report.Batches, report.Tags, report.Skipped)
				return nil
			})
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stay connected and keep the local store in sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.Duration("backoff", 0, "wait before re-subscribing to the change feed")
	flags.Duration("retry-interval", 0, "drain the queue this often (0 disables)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.String("log-file", "", "write logs to this rotated file")
	return cmd
}

func (a *app) run(ctx context.Context) error {
	log := a.log

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := sync.NewMetrics(reg)

	s, err := a.open(ctx, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(); err != nil {
			log.WithError(err).Warn("close failed")
		}
	}()

	if err := s.engine.Start(); err != nil {
		return err
	}

	if s.client != nil {
		cm := sync.NewConnectionManager(s.client, s.engine, sync.ConnectionManagerOptions{
			Backoff:             a.cfg.Backoff,
			HealthCheckInterval: a.cfg.ProbeInterval,
			ProbeTimeout:        a.cfg.ProbeTimeout,
			Logger:              log.Logger,
			Metrics:             metrics,
		})
		if err := cm.Start(ctx); err != nil {
			return err
		}
		defer cm.Stop()
	} else {
		log.Warn("no server configured, changes stay queued locally")
	}

	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("agent running", "version", buildinfo.Version(), "server", a.cfg.ServerURL, "store", a.cfg.DBPath())
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Args:  cobra.NoArgs,
		// Skips config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ganadoscan %s (%s, built %s)\n", buildinfo.Version(), buildinfo.CommitHash, buildinfo.BuildTime)
		},
	}
}
