package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"taskboard/microservices/tasks-service/config"
	"taskboard/microservices/tasks-service/handlers"
	"taskboard/microservices/tasks-service/logging"
	"taskboard/microservices/tasks-service/membership"
	"taskboard/microservices/tasks-service/repositories"
	"taskboard/microservices/tasks-service/services"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func openStore(ctx context.Context, cfg *config.Config) (repositories.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		store, err := repositories.OpenSQLite(ctx, cfg.SQLitePath, cfg.TxTimeout)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		logging.Logger.Infof("Event ID: DB_CONNECTED, Description: Successfully connected to MongoDB, database %s", cfg.MongoDBName)

		store := repositories.NewMongoStore(client, cfg.MongoDBName, cfg.TxTimeout)
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		return store, nil
	}
}

func main() {
	config.LoadDotEnv(".env")
	cfg, err := config.FromEnv()
	if err == nil {
		err = cfg.ValidateServer()
	}
	if err != nil {
		logging.Logger.Fatalf("Event ID: CONFIG_ERROR, Description: %v", err)
	}

	logging.InitLogger(logging.Options{
		SystemName: "tasks-service",
		File:       cfg.LogFile,
		Level:      cfg.LogLevel,
		Stdout:     cfg.LogStdout,
	})
	logging.Logger.Info("Event ID: SERVICE_START, Description: Starting Tasks Service...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := openStore(ctx, cfg)
	cancel()
	if err != nil {
		logging.Logger.Fatalf("Event ID: DB_CONNECTION_FAILED, Description: %v", err)
	}
	defer store.Close(context.Background())

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logging.Logger.Warnf("Event ID: CACHE_UNAVAILABLE, Description: Redis at %s not reachable, listings will bypass it until it is: %v", cfg.RedisAddr, err)
		}
		cancel()
		store = repositories.NewCachedStore(store, rdb, cfg.CacheTTL)
		logging.Logger.Infof("Event ID: CACHE_ENABLED, Description: Task listings cached in Redis at %s for %s", cfg.RedisAddr, cfg.CacheTTL)
	}

	var auth membership.Authorizer = membership.NewStoreAuthorizer(store)
	if cfg.MembershipServiceURL != "" {
		auth = membership.NewRemoteAuthorizer(cfg.MembershipServiceURL, &http.Client{Timeout: 5 * time.Second}, membership.NewBreaker("BoardsServiceCB"))
		logging.Logger.Infof("Event ID: MEMBERSHIP_REMOTE, Description: Membership checks delegated to %s", cfg.MembershipServiceURL)
	}

	taskService := services.NewTaskService(store, auth, services.Options{
		TxTimeout:  cfg.TxTimeout,
		MaxRetries: cfg.MoveMaxRetries,
	})
	taskHandler := handlers.NewTaskHandler(taskService)
	router := handlers.NewRouter(taskHandler, []byte(cfg.JWTSecret), cfg.CORSOrigin)

	serverAddress := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Logger.Infof("Event ID: SERVER_START_INFO, Description: Server running on http://localhost%s", serverAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Logger.Fatalf("Event ID: SERVER_FATAL_ERROR, Description: Server failed to start: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logging.Logger.Info("Event ID: SERVICE_STOP, Description: Shutting down Tasks Service...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Logger.Errorf("Event ID: SERVER_SHUTDOWN_ERROR, Description: %v", err)
	}
}
