package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joelkehle/feedback-intake/internal/config"
	"github.com/joelkehle/feedback-intake/internal/httpapi"
	"github.com/joelkehle/feedback-intake/internal/intake"
	"github.com/joelkehle/feedback-intake/internal/store"
)

func main() {
	sqlitePath := flag.String("sqlite", "", "Use a local SQLite database at this path instead of Postgres")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	db, err := openStore(cfg, *sqlitePath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	caller, err := intake.NewAnthropicCallerFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	model := intake.NewModelClient(caller)
	runner := intake.NewLLMStageRunner(model, db)
	pipeline := intake.NewPipeline(runner, db, intake.Options{
		Sink: store.NewEscalationSink(db),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: httpapi.NewServer(pipeline, cfg.AllowedOrigins),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		log.Printf("feedback-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func openStore(cfg config.Config, sqlitePath string) (*store.SQLStore, error) {
	if sqlitePath != "" {
		return store.OpenSQLite(sqlitePath, store.Options{})
	}
	return store.OpenPostgres(store.ConnConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
	}, store.Options{})
}
