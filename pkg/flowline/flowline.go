package flowline

import (
	"context"
	"database/sql"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tallyworks/flowline/internal/config"
	"github.com/tallyworks/flowline/internal/controllers"
	"github.com/tallyworks/flowline/internal/engine"
	"github.com/tallyworks/flowline/internal/migrations"
	"github.com/tallyworks/flowline/internal/repository"
	"github.com/tallyworks/flowline/internal/retry"
	"github.com/tallyworks/flowline/internal/stream"
	"github.com/tallyworks/flowline/internal/tasks"
	"github.com/tallyworks/flowline/pkg/flowline/core"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lmittmann/tint"

	_ "github.com/go-sql-driver/mysql"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

// Start boots the workflow engine, the stream consumers and the HTTP server.
// Node action handlers must be registered on actions before invocation. This
// call blocks until ctx is cancelled or the HTTP server stops.
func Start(ctx context.Context, mux *http.ServeMux, actions *engine.ActionRegistry) error {

	databaseType := config.GetSystemSettingString(config.DATABASE_TYPE)
	if databaseType == "" || (databaseType != config.DATABASE_TYPE_POSTGRES && databaseType != config.DATABASE_TYPE_MYSQL && databaseType != config.DATABASE_TYPE_SQLITE) {
		panic("FLOWLINE_DATABASE_TYPE must be set to one of the following values: POSTGRES, MYSQL, SQLITE")
	}

	var db *sql.DB
	if databaseType == config.DATABASE_TYPE_POSTGRES {
		db = setupPostgresDatabase()
		defer db.Close()
	}
	if databaseType == config.DATABASE_TYPE_SQLITE {
		db = setupSqliteDatabase()
		defer db.Close()
	}
	if databaseType == config.DATABASE_TYPE_MYSQL {
		db = setupMysqlDatabase()
		defer db.Close()
	}

	streams, err := stream.Open(ctx)
	if err != nil {
		slog.Error("Redis connection failed", "error", err)
		return err
	}
	defer streams.Close()

	clock := core.NewRealClock()
	executionRepo := repository.NewExecutionRepository(db, clock)
	eventStore := repository.NewEventStore(db, clock)
	definitionRepo := repository.NewDefinitionRepository(db, clock)
	catalogRepo := repository.NewCatalogRepository(db, clock)
	taskRepo := repository.NewTaskRepository(db, clock)
	taskDefinitionRepo := repository.NewTaskDefinitionRepository(db, clock)
	taskHistoryRepo := repository.NewTaskHistoryRepository(db, clock)

	inbox := tasks.NewService(taskRepo, taskDefinitionRepo, taskHistoryRepo, streams, clock)

	if actions == nil {
		actions = engine.NewActionRegistry()
	}
	policy := retryPolicyFromConfig()
	eng := engine.NewEngine(executionRepo, eventStore, definitionRepo, inbox, streams, actions, clock, policy)
	lifecycle := engine.NewController(executionRepo, eventStore, eng, inbox, clock)
	router := engine.NewTriggerRouter(catalogRepo, eventStore, eng)
	runtime := engine.NewRuntime(streams, eng, router, executionRepo, inbox, clock, policy)

	go runtime.Start(ctx)

	if mux == nil {
		mux = http.NewServeMux()
	}
	executionsController := controllers.NewExecutionsController(executionRepo, eventStore, lifecycle)
	executionsController.RegisterRoutes(mux)
	tasksController := controllers.NewTasksController(inbox)
	tasksController.RegisterRoutes(mux)
	definitionsController := controllers.NewDefinitionsController(definitionRepo)
	definitionsController.RegisterRoutes(mux)

	addr := ":" + config.GetSystemSettingString(config.ENGINE_SERVER_WEB_PORT)
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		addr = v
	}
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("Starting HTTP server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("HTTP server failed", "error", err)
		return err
	}
	return nil
}

func retryPolicyFromConfig() retry.Policy {
	return retry.Policy{
		MaxRetries:    config.GetSystemSettingInteger(config.ENGINE_RETRY_MAX),
		InitialDelay:  config.GetSystemSettingDuration(config.ENGINE_RETRY_INITIAL_DELAY),
		MaxDelay:      config.GetSystemSettingDuration(config.ENGINE_RETRY_MAX_DELAY),
		BackoffFactor: config.GetSystemSettingFloat(config.ENGINE_RETRY_BACKOFF_FACTOR),
	}
}

func setupPostgresDatabase() *sql.DB {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		panic("FLOWLINE_DATABASE_URL must be set when using the POSTGRES database type")
	}
	slog.Info("Using Postgres database", "url", dbURL)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("postgres", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening Postgres database")
	dbPostgres, err := sql.Open("postgres", dbURL)
	if err != nil {
		slog.Error("DB connection failed", "error", err)
		os.Exit(1)
	}
	return dbPostgres
}

func setupSqliteDatabase() *sql.DB {
	fileName := config.GetSystemSettingString(config.DATABASE_SQLITE_FILE_NAME)
	if fileName == "" {
		panic("FLOWLINE_DATABASE_SQLITE_FILE_NAME must be set")
	}
	dbURL := "sqlite3://" + fileName
	slog.Info("Using SQLite database", "file", fileName)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("sqlite3", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening SQLite database")
	dbSqlite, err := sql.Open("sqlite3", fileName)
	if err != nil {
		log.Fatalf("Failed to open SQLite DB: %v", err)
	}
	if err := dbSqlite.Ping(); err != nil {
		log.Fatalf("Failed to ping SQLite DB: %v", err)
	}
	return dbSqlite
}

func setupMysqlDatabase() *sql.DB {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		panic("FLOWLINE_DATABASE_URL must be set when using the MYSQL database type")
	}
	if !strings.Contains(dbURL, "parseTime=true") {
		panic("FLOWLINE_DATABASE_URL must contain 'parseTime=true' for MySQL")
	}
	if !strings.HasPrefix(dbURL, "mysql://") {
		panic("FLOWLINE_DATABASE_URL must start with 'mysql://' for MySQL")
	}

	slog.Info("Using MySQL database", "url", dbURL)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("mysql", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening MySQL database")
	dbMysql, err := sql.Open("mysql", strings.Replace(dbURL, "mysql://", "", 1))
	if err != nil {
		slog.Error("DB connection failed", "error", err)
		os.Exit(1)
	}
	return dbMysql
}

func runMigrationsFromEmbed(migrationsPath string, dbURL string) error {
	sub, err := fs.Sub(migrations.FS, migrationsPath)
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func SetupLogger() {
	w := os.Stderr
	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}
