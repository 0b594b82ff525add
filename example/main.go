package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/sessionkit/sqlsession"
)

type config struct {
	Backend        string        `env:"SESSION_BACKEND" envDefault:"sqlite"`
	SQLitePath     string        `env:"SESSION_SQLITE_PATH" envDefault:"sessions.db"`
	PostgresDSN    string        `env:"SESSION_POSTGRES_DSN"`
	MemcachedAddrs []string      `env:"SESSION_MEMCACHED_ADDRS" envSeparator:","`
	ListenAddr     string        `env:"LISTEN_ADDR" envDefault:":8080"`
	ExpireDays     int           `env:"SESSION_EXPIRE_DAYS" envDefault:"30"`
	CleanupEvery   time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"10m"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// A .env file is optional; real environment variables win either way.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.Error("failed to parse configuration", "error", err)
		os.Exit(1)
	}

	store, err := newStore(cfg)
	if err != nil {
		logger.Error("failed to create store", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}

	mgr := sqlsession.NewManager(sqlsession.Config{
		Store:           store,
		Logger:          logger,
		SessionExpire:   cfg.ExpireDays,
		CleanupInterval: cfg.CleanupEvery,
	})
	defer mgr.Close()

	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s := sqlsession.FromRequest(r)
		if s == nil {
			http.Error(w, "no session on request", http.StatusInternalServerError)
			return
		}

		// JSON numbers decode as float64.
		count, _ := s.Data["count"].(float64)
		count++
		s.Data["count"] = count

		fmt.Fprintf(w, "Hello! You have visited this page %.0f times.\n", count)
	})

	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		s := sqlsession.FromRequest(r)
		if s == nil {
			http.Error(w, "no session on request", http.StatusInternalServerError)
			return
		}

		if err := s.Destroy(w, r); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		fmt.Fprint(w, "Logged out!\n")
	})

	logger.Info("server starting", "addr", cfg.ListenAddr, "backend", cfg.Backend)
	if err := http.ListenAndServe(cfg.ListenAddr, mgr.Middleware(mux)); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newStore(cfg config) (sqlsession.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return sqlsession.NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return sqlsession.NewPostgreSQLStore(cfg.PostgresDSN)
	case "memcached":
		return sqlsession.NewMemcachedStore(0, cfg.MemcachedAddrs...), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
