// Package config loads the service settings from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"taskboard/microservices/tasks-service/logging"

	"github.com/joho/godotenv"
)

const (
	DriverMongo  = "mongo"
	DriverSQLite = "sqlite"
)

type Config struct {
	ServerPort           string
	StoreDriver          string
	MongoURI             string
	MongoDBName          string
	SQLitePath           string
	RedisAddr            string
	CacheTTL             time.Duration
	JWTSecret            string
	MembershipServiceURL string
	TxTimeout            time.Duration
	MoveMaxRetries       int
	CORSOrigin           string
	LogFile              string
	LogLevel             string
	LogStdout            bool
}

// LoadDotEnv reads path into the environment. A missing file is not an error.
func LoadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil {
		logging.Logger.Infof("Event ID: ENV_FILE_SKIPPED, Description: %s not loaded: %v", path, err)
	}
}

// Load builds the configuration from lookup (os.LookupEnv in production).
func Load(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	var errs []error
	duration := func(key string, def time.Duration) time.Duration {
		raw := get(key, "")
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, raw))
			return def
		}
		return d
	}

	cfg := &Config{
		ServerPort:           get("SERVER_PORT", ""),
		StoreDriver:          strings.ToLower(get("STORE_DRIVER", DriverMongo)),
		MongoURI:             get("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
		MongoDBName:          get("MONGO_DB_NAME", "tasks_db"),
		SQLitePath:           get("SQLITE_PATH", "data/tasks.db"),
		RedisAddr:            get("REDIS_ADDR", ""),
		CacheTTL:             duration("CACHE_TTL", time.Minute),
		JWTSecret:            get("JWT_SECRET", ""),
		MembershipServiceURL: get("MEMBERSHIP_SERVICE_URL", ""),
		TxTimeout:            duration("TX_TIMEOUT", 5*time.Second),
		MoveMaxRetries:       3,
		CORSOrigin:           get("CORS_ORIGIN", "*"),
		LogFile:              get("LOG_FILE", "logs/tasks.log"),
		LogLevel:             get("LOG_LEVEL", "info"),
	}

	if raw := get("MOVE_MAX_RETRIES", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("MOVE_MAX_RETRIES: invalid count %q", raw))
		} else {
			cfg.MoveMaxRetries = n
		}
	}
	if raw := get("LOG_STDOUT", ""); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("LOG_STDOUT: invalid bool %q", raw))
		}
		cfg.LogStdout = b
	}

	if cfg.TxTimeout == 0 {
		errs = append(errs, errors.New("TX_TIMEOUT must be positive"))
	}
	switch cfg.StoreDriver {
	case DriverMongo, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER: unknown driver %q", cfg.StoreDriver))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateServer checks the settings only the HTTP server needs.
func (c *Config) ValidateServer() error {
	var errs []error
	if c.ServerPort == "" {
		errs = append(errs, errors.New("SERVER_PORT is not set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}
	return errors.Join(errs...)
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (*Config, error) {
	return Load(os.LookupEnv)
}
