// Command ganadoscan is the field agent: it records ear-tag scans into the
// local store and keeps them synchronized with the record store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ganadoscan/ganadoscan/internal/config"
	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/logger"
	"github.com/ganadoscan/ganadoscan/internal/remote"
	"github.com/ganadoscan/ganadoscan/internal/store"
	"github.com/ganadoscan/ganadoscan/internal/sync"
)

// app carries what every command needs once flags are parsed.
type app struct {
	configFile string
	offline    bool
	cfg        *config.AgentConfig
	log        *logger.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for rejected input and 1 for everything else.
func exitCode(err error) int {
	if errors.IsValidation(err) || errors.Is(err, errors.ErrNotFound) {
		return 2
	}
	return 1
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "ganadoscan",
		Short:         "Offline-first ear-tag scanning agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				a.log.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ./ganadoscan.yaml)")
	flags.BoolVar(&a.offline, "offline", false, "do not contact the server")
	flags.String(config.KeyServer, "", "record store URL")
	flags.String(config.KeyAPIKey, "", "field API key")
	flags.String(config.KeyDataDir, "", "directory holding the local store")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newScanCmd(a),
		newStatusCmd(a),
		newNotesCmd(a),
		newDeleteCmd(a),
		newBatchCmd(a),
		newViewCmd(a),
		newDrainCmd(a),
		newRunCmd(a),
		newImportLegacyCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	v, err := config.NewAgentViper(a.configFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	cfg, err := config.LoadAgent(v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	// One-shot commands log to stderr so stdout stays clean for output.
	level := cfg.LogLevel
	if !flags.Changed("log-level") && cmd.Name() != "run" {
		level = "warn"
	}
	lc := logger.Config{Writer: os.Stderr, Level: logger.ParseLevel(level)}
	if cmd.Name() == "run" {
		lc.File = cfg.LogFile
	}
	a.log = logger.New(lc)
	return nil
}

// flagKeys maps command-line flags to config keys. Flags override the file
// and the environment only when set.
var flagKeys = map[string]string{
	config.KeyServer:  config.KeyServer,
	config.KeyAPIKey:  config.KeyAPIKey,
	config.KeyDataDir: config.KeyDataDir,
	"log-level":       config.KeyLogLevel,
	"log-file":        config.KeyLogFile,
	"backoff":         config.KeyBackoff,
	"retry-interval":  config.KeyRetryInterval,
	"metrics-addr":    config.KeyMetricsAddr,
}

// session is an opened store plus an engine over it.
type session struct {
	store  *store.Store
	engine *sync.SyncEngine
	client *remote.Client
}

// open prepares the local store and the engine. Background uploads started
// by a command finish, bounded by the request timeout, before close returns.
func (a *app) open(ctx context.Context, metrics *sync.Metrics) (*session, error) {
	if err := os.MkdirAll(a.cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	st, err := store.Open(a.cfg.DBPath())
	if err != nil {
		return nil, err
	}
	if err := st.InitSchemaContext(ctx); err != nil {
		st.Close()
		return nil, err
	}

	s := &session{store: st}
	var rc sync.RemoteClient = offlineRemote{}
	if !a.offline && a.cfg.ServerURL != "" {
		s.client, err = remote.New(remote.Config{
			BaseURL:     a.cfg.ServerURL,
			APIKey:      a.cfg.APIKey,
			Timeout:     a.cfg.RequestTimeout,
			UploadRate:  a.cfg.UploadRate,
			UploadBurst: a.cfg.UploadBurst,
		}, a.log.Logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		rc = s.client
	}

	s.engine, err = sync.NewSyncEngine(ctx, sync.Options{
		Store:   st,
		Remote:  rc,
		Logger:  a.log.Logger,
		Metrics: metrics,
		Config: sync.Config{
			RequestTimeout: a.cfg.RequestTimeout,
			RetryInterval:  a.cfg.RetryInterval,
		},
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() error {
	err := s.engine.Close()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// withSession runs fn against an opened session and closes it afterwards.
func (a *app) withSession(ctx context.Context, fn func(*session) error) error {
	s, err := a.open(ctx, nil)
	if err != nil {
		return err
	}
	err = fn(s)
	if cerr := s.close(); err == nil {
		err = cerr
	}
	return err
}
