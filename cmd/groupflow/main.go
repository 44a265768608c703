package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"groupflow/internal/adminwindow"
	"groupflow/internal/api"
	"groupflow/internal/dispatch"
	"groupflow/internal/gateway"
	"groupflow/internal/notify"
	"groupflow/internal/store"
	"groupflow/internal/sweep"
	"groupflow/internal/welcome"
)

func main() {
	_ = godotenv.Load()

	var (
		addr       = flag.String("addr", envOr("GROUPFLOW_ADDR", ":8080"), "HTTP bind address")
		dbPath     = flag.String("db", envOr("GROUPFLOW_DB", "groupflow.db"), "SQLite DB path")
		sweepEvery = flag.Duration("sweep", 30*time.Second, "scheduler sweep interval (keep at or below 60s)")
		tz         = flag.String("tz", envOr("GROUPFLOW_TZ", "Africa/Cairo"), "reference timezone for admin-only windows")
		tokens     = flag.String("tokens", envOr("GROUPFLOW_TOKENS", ""), "comma-separated token:tenant API credentials")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		log.Fatal().Err(err).Str("tz", *tz).Msg("invalid timezone")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := store.NewSQLiteRepo(db)
	if n, err := repo.RecoverInterrupted(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("recover interrupted jobs")
	} else if n > 0 {
		log.Warn().Int("jobs", n).Msg("finalized jobs interrupted by previous shutdown")
	}

	// The transport adapter (browser-automation WhatsApp client) binds tenant
	// sessions into this registry as accounts connect.
	sessions := gateway.NewRegistry()
	notifier := notify.NewService()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := dispatch.New(repo, sessions, notifier)
	sweeper := sweep.NewService(repo, dispatcher, *sweepEvery)
	go sweeper.Start(ctx)

	welcomes := welcome.NewAggregator(repo, sessions, notifier)

	applier := adminwindow.NewApplier(repo, sessions, notifier, loc)
	if err := applier.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start admin-only window applier")
	}

	srv := &http.Server{
		Addr:    *addr,
		Handler: api.NewServer(repo, welcomes, notifier, api.StaticTokens(parseTokens(*tokens))),
	}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	cancel()
	sweeper.Stop()
	applier.Stop()
	welcomes.Stop()

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseTokens(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		token, tenant, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || token == "" || tenant == "" {
			continue
		}
		out[token] = tenant
	}
	return out
}
