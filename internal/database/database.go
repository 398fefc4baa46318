package database

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ganadoscan/ganadoscan/internal/config"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

const embeddedPort = 5433

// DB wraps gorm.DB and includes a reference to an embedded process if active
type DB struct {
	*gorm.DB
	embedded *embeddedpostgres.EmbeddedPostgres
	log      *slog.Logger
}

// stalePostmaster is a postmaster.pid left in the embedded data directory.
type stalePostmaster struct {
	pidFile string
	pid     int
}

// findStalePostmaster reports the postmaster recorded under dataPath, if any.
func findStalePostmaster(dataPath string) (stalePostmaster, bool, error) {
	pidFile := filepath.Join(dataPath, "postmaster.pid")
	data, err := os.ReadFile(pidFile)
	if stderrors.Is(err, fs.ErrNotExist) {
		return stalePostmaster{}, false, nil
	}
	if err != nil {
		return stalePostmaster{}, false, err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || pid <= 0 {
		return stalePostmaster{}, false, fmt.Errorf("malformed %s: %q", pidFile, line)
	}
	return stalePostmaster{pidFile: pidFile, pid: pid}, true, nil
}

func (p stalePostmaster) running() bool {
	proc, err := os.FindProcess(p.pid)
	return err == nil && proc.Signal(syscall.Signal(0)) == nil
}

// stop terminates the process, escalating to SIGKILL after grace, and then
// drops the pid file so the embedded server can start over it.
func (p stalePostmaster) stop(grace time.Duration, log *slog.Logger) {
	defer os.Remove(p.pidFile)
	if !p.running() {
		log.Info("removing stale postmaster.pid", "pid", p.pid)
		return
	}
	proc, _ := os.FindProcess(p.pid)

	log.Warn("stopping PostgreSQL left by a previous run", "pid", p.pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		log.Warn("SIGTERM failed", "pid", p.pid, "error", err)
	}
	for deadline := time.Now().Add(grace); time.Now().Before(deadline); {
		time.Sleep(250 * time.Millisecond)
		if !p.running() {
			return
		}
	}
	log.Warn("PostgreSQL ignored SIGTERM, killing", "pid", p.pid, "grace", grace)
	_ = proc.Kill()
	time.Sleep(250 * time.Millisecond)
}

// releaseEmbeddedDataDir clears what a crashed run left in dataPath.
func releaseEmbeddedDataDir(dataPath string, log *slog.Logger) {
	pm, ok, err := findStalePostmaster(dataPath)
	if err != nil {
		log.Warn("ignoring postmaster.pid", "error", err)
		return
	}
	if ok {
		pm.stop(5*time.Second, log)
	}
}

// isPortInUse checks if a port is already in use
func isPortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Connect establishes a connection to a PostgreSQL database. With host
// localhost and no password it starts an embedded instance instead.
func Connect(cfg config.DatabaseConfig, log *slog.Logger) (*DB, error) {
	log = log.With("component", "database")
	var embedded *embeddedpostgres.EmbeddedPostgres

	password := cfg.Password
	if cfg.Embedded() {
		log.Info("starting embedded PostgreSQL", "data_path", cfg.DataPath, "port", embeddedPort)

		releaseEmbeddedDataDir(cfg.DataPath, log)

		if isPortInUse(embeddedPort) {
			log.Warn("port still in use, waiting for release", "port", embeddedPort)
			for i := 0; i < 6; i++ {
				time.Sleep(500 * time.Millisecond)
				if !isPortInUse(embeddedPort) {
					break
				}
			}
			if isPortInUse(embeddedPort) {
				return nil, fmt.Errorf("port %d is still in use by another process", embeddedPort)
			}
		}

		embeddedCfg := embeddedpostgres.DefaultConfig().
			DataPath(cfg.DataPath).
			Port(uint32(embeddedPort)).
			Database(cfg.Database).
			Username(cfg.Username).
			Password("postgres")

		embedded = embeddedpostgres.NewDatabase(embeddedCfg)
		if err := embedded.Start(); err != nil {
			return nil, fmt.Errorf("failed to start embedded database: %w", err)
		}

		cfg.Port = strconv.Itoa(embeddedPort)
		password = "postgres"
	} else {
		log.Info("connecting to external PostgreSQL", "host", cfg.Host, "port", cfg.Port)
	}

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host,
		cfg.Port,
		cfg.Username,
		password,
		cfg.Database,
	)

	logLevel := logger.Warn
	if cfg.Quiet {
		logLevel = logger.Silent
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	log.Info("database connection established")
	return &DB{DB: db, embedded: embedded, log: log}, nil
}

// Close shuts down the connection pool and the embedded process, if any.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if db.embedded != nil {
		db.log.Info("stopping embedded PostgreSQL")
		if stopErr := db.embedded.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return err
}

// Migrate creates or updates the record store schema.
func (db *DB) Migrate() error {
	return db.DB.AutoMigrate(&models.Batch{}, &models.Tag{}, &models.ChangeEvent{})
}
