// Package roster parses roster service flags and launches the service.
package roster

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/silverpine/rollcall/internal/platform/cmd"
	"github.com/silverpine/rollcall/internal/services/roster/app"
)

// Config holds roster command configuration.
type Config struct {
	HTTPAddr                 string        `env:"ROLLCALL_ROSTER_HTTP_ADDR" envDefault:":8080"`
	HealthAddr               string        `env:"ROLLCALL_ROSTER_HEALTH_ADDR"`
	DBPath                   string        `env:"ROLLCALL_ROSTER_DB_PATH" envDefault:"data/roster.db"`
	APIServiceKey            string        `env:"ROLLCALL_ROSTER_SERVICE_KEY"`
	DirectoryBaseURL         string        `env:"ROLLCALL_DIRECTORY_BASE_URL"`
	DirectoryServiceKey      string        `env:"ROLLCALL_DIRECTORY_SERVICE_KEY"`
	DirectoryFetchTimeout    time.Duration `env:"ROLLCALL_DIRECTORY_FETCH_TIMEOUT"`
	DirectoryMutateTimeout   time.Duration `env:"ROLLCALL_DIRECTORY_MUTATE_TIMEOUT"`
	DirectoryMaxRetries      int           `env:"ROLLCALL_DIRECTORY_MAX_RETRIES"`
	DirectoryRetryDelay      time.Duration `env:"ROLLCALL_DIRECTORY_RETRY_DELAY"`
	DirectoryBreakerCooldown time.Duration `env:"ROLLCALL_DIRECTORY_BREAKER_COOLDOWN"`
	DirectoryVerifyDelay     time.Duration `env:"ROLLCALL_DIRECTORY_VERIFY_DELAY"`
	DisableVerification      bool          `env:"ROLLCALL_ROSTER_DISABLE_VERIFICATION"`
	BatchMode                bool          `env:"ROLLCALL_ROSTER_BATCH_MODE"`
	PropagationDelay         time.Duration `env:"ROLLCALL_ROSTER_PROPAGATION_DELAY"`
	ReconcileAttempts        int           `env:"ROLLCALL_ROSTER_RECONCILE_ATTEMPTS"`
	ReconcileInterval        time.Duration `env:"ROLLCALL_ROSTER_RECONCILE_INTERVAL"`
	CacheSweepInterval       time.Duration `env:"ROLLCALL_ROSTER_CACHE_SWEEP_INTERVAL"`
	UserRolesTTL             time.Duration `env:"ROLLCALL_ROSTER_USER_ROLES_TTL"`
	RoleServerTTL            time.Duration `env:"ROLLCALL_ROSTER_ROLE_SERVER_TTL"`
	RoleMapTTL               time.Duration `env:"ROLLCALL_ROSTER_ROLE_MAP_TTL"`
	MaxConcurrentFetches     int           `env:"ROLLCALL_ROSTER_MAX_CONCURRENT_FETCHES"`
	DetailedLogging          bool          `env:"ROLLCALL_ROSTER_DETAILED_LOGGING"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The roster JSON API listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "The gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The sqlite database path")
	fs.StringVar(&cfg.DirectoryBaseURL, "directory-url", cfg.DirectoryBaseURL, "The role directory base URL")
	fs.BoolVar(&cfg.BatchMode, "batch-mode", cfg.BatchMode, "Apply role mutations in batched directory calls")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the roster service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRoster, func(ctx context.Context) error {
		return app.Run(ctx, app.Config{
			HTTPAddr:                 cfg.HTTPAddr,
			HealthAddr:               cfg.HealthAddr,
			DBPath:                   cfg.DBPath,
			APIServiceKey:            cfg.APIServiceKey,
			DirectoryBaseURL:         cfg.DirectoryBaseURL,
			DirectoryServiceKey:      cfg.DirectoryServiceKey,
			DirectoryFetchTimeout:    cfg.DirectoryFetchTimeout,
			DirectoryMutateTimeout:   cfg.DirectoryMutateTimeout,
			DirectoryMaxRetries:      cfg.DirectoryMaxRetries,
			DirectoryRetryDelay:      cfg.DirectoryRetryDelay,
			DirectoryBreakerCooldown: cfg.DirectoryBreakerCooldown,
			DirectoryVerifyDelay:     cfg.DirectoryVerifyDelay,
			DisableVerification:      cfg.DisableVerification,
			BatchMode:                cfg.BatchMode,
			PropagationDelay:         cfg.PropagationDelay,
			MaxReconcileAttempts:     cfg.ReconcileAttempts,
			ReconcileInterval:        cfg.ReconcileInterval,
			CacheSweepInterval:       cfg.CacheSweepInterval,
			UserRolesTTL:             cfg.UserRolesTTL,
			RoleServerTTL:            cfg.RoleServerTTL,
			RoleMapTTL:               cfg.RoleMapTTL,
			MaxConcurrentFetches:     cfg.MaxConcurrentFetches,
			DetailedLogging:          cfg.DetailedLogging,
		})
	})
}
