package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
	str2duration "github.com/xhit/go-str2duration/v2"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Sources holds the per-source OAuth application credentials, keyed by
	// source name ("google", "notion", "strava", "spotify", "github",
	// "plaid"). Sources without an entry cannot complete the OAuth flow but
	// still appear in the catalog.
	Sources map[string]SourceCredentials `cfg:"sources"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Lake      Lake        `cfg:"lake"`
	Scheduler Scheduler   `cfg:"scheduler"`
	Sync      Sync        `cfg:"sync"`
	Boundary  Boundary    `cfg:"boundary"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// SourceCredentials is one source's OAuth application registration.
type SourceCredentials struct {
	ClientID     string `cfg:"client_id"`
	ClientSecret string `cfg:"client_secret" log:"-"`
	// RedirectBase overrides the server's externally visible base URL when
	// building the redirect_uri, for deployments behind a proxy.
	RedirectBase string `cfg:"redirect_base"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, forwards auth requests to an external
	// authentication service before admin endpoints are reached. The ingest
	// and OAuth callback endpoints authenticate on their own (device token,
	// state nonce) and are excluded.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminToken, if set, protects /api/v1/settings/* with bearer token
	// authentication. If not set, all settings endpoints return 403.
	AdminToken string `cfg:"admin_token" log:"-"`

	// Alan, if set, enables distributed clustering via UDP peer discovery,
	// used for scheduler leader election and encryption-key-rotation
	// broadcast across replicas.
	Alan *alan.Config `cfg:"alan"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM encryption for OAuth
	// tokens stored in the database. Any non-empty string works; it is
	// hashed to a 32-byte key internally. When empty, tokens are stored as
	// plaintext.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	DBTable    string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// Lake configures the raw-record archive.
type Lake struct {
	// Root is the object-store root directory lake objects are written
	// under.
	Root string `cfg:"root" default:"lake"`
}

// Scheduler configures the cron-driven sync enqueuer and the job workers.
type Scheduler struct {
	// Workers is how many job-queue workers poll concurrently.
	Workers int `cfg:"workers" default:"4"`
	// PollInterval is how long a worker sleeps after an empty poll.
	// Accepts human-friendly durations ("5s", "1m30s").
	PollInterval string `cfg:"poll_interval" default:"5s"`
	// Enrichment is the cron schedule for the periodic enrichment pass
	// (six-field). Empty disables it.
	Enrichment string `cfg:"enrichment" default:"0 0 * * * *"`
	// Synthesis is the cron schedule for the hourly narrative synthesis
	// pass (six-field). Empty disables it.
	Synthesis string `cfg:"synthesis" default:"0 5 * * * *"`
	// SynthesisLookback is how far back each synthesis pass re-reads
	// boundaries.
	SynthesisLookback string `cfg:"synthesis_lookback" default:"24h"`
}

// Sync configures sync execution defaults.
type Sync struct {
	// Timeout is the per-request timeout of the shared outbound HTTP client
	// every pull source uses.
	Timeout string `cfg:"timeout" default:"60s"`
	// StreamingTimeout bounds the wall clock of each sync run. It applies to
	// every pull stream alike; streaming and non-streaming pulls are not
	// told apart.
	StreamingTimeout string `cfg:"streaming_timeout" default:"300s"`
	// RetryAttempts caps outbound request attempts per call, the first
	// attempt included.
	RetryAttempts int `cfg:"retry_attempts" default:"3"`
}

// Boundary configures aggregation.
type Boundary struct {
	// BucketWidth is the rounding window candidates are merged within.
	BucketWidth string `cfg:"bucket_width" default:"2m"`
	// PrimaryThreshold is the minimum aggregate weight a bucket needs to
	// persist.
	PrimaryThreshold float64 `cfg:"primary_threshold" default:"50"`
	// HealthValueField names the field the continuous detector reads its
	// signal from.
	HealthValueField string `cfg:"health_value_field" default:"value"`
}

// Duration parses a human-friendly duration string ("90s", "1h30m", "2d"),
// falling back to def when s is empty or unparsable.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		slog.Warn("invalid duration, using default", "value", s, "default", def)
		return def
	}
	return d
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("ELT_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
