// Package config defines the TOML configuration surface and its defaults
// and validation.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caasmo/certinpieces/acme"
	certcrypto "github.com/caasmo/certinpieces/crypto"
)

// Duration wraps time.Duration so TOML values can be written as "30s" or
// "720h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LogLevel wraps slog.Level for TOML ("debug", "info", "warn", "error").
type LogLevel struct {
	slog.Level
}

func (l *LogLevel) UnmarshalText(text []byte) error {
	return l.Level.UnmarshalText(text)
}

func (l LogLevel) MarshalText() ([]byte, error) {
	return l.Level.MarshalText()
}

// Config is the full configuration tree.
type Config struct {
	ACME      ACME      `toml:"acme"`
	Renewal   Renewal   `toml:"renewal"`
	Storage   Storage   `toml:"storage"`
	Solvers   Solvers   `toml:"solvers"`
	Transport Transport `toml:"transport"`
	Log       Log       `toml:"log"`
}

// ACME configures the CA endpoint and account.
type ACME struct {
	// CA selects a directory preset ("letsencrypt",
	// "letsencrypt-staging", "google", "google-staging", "zerossl").
	// DirectoryURL overrides it when set.
	CA           string   `toml:"ca"`
	DirectoryURL string   `toml:"directory_url"`
	Contacts     []string `toml:"contacts"`
	TOSAgreed    bool     `toml:"tos_agreed"`
	// KeyAlgorithm for the account key: "ed25519" or "ecdsa-p256".
	KeyAlgorithm string `toml:"key_algorithm"`
}

// Renewal configures when and how certificates are reissued.
type Renewal struct {
	// ChallengeType preference: "http-01", "dns-01" or "tls-alpn-01".
	ChallengeType     string `toml:"challenge_type"`
	RenewBeforeDays   int    `toml:"renew_before_days"`
	CheckIntervalSecs int    `toml:"check_interval_secs"`
	Concurrency       int    `toml:"concurrency"`
	// Domains lists the certificates to keep current; each entry is one
	// certificate covering its domain set.
	Domains [][]string `toml:"domains"`
}

// Storage selects and configures the persistence backend.
type Storage struct {
	// Backend: "file", "memory", "sqlite" or "redis".
	Backend string `toml:"backend"`
	// Path is the base directory for the file backend.
	Path string `toml:"path"`
	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `toml:"sqlite_path"`
	// RedisAddr is host:port for the redis backend.
	RedisAddr      string `toml:"redis_addr"`
	RedisPassword  string `toml:"redis_password"`
	RedisDB        int    `toml:"redis_db"`
	RedisNamespace string `toml:"redis_namespace"`
	// EncryptionKeyFile, when set, points at a 32-byte key file and
	// enables encryption at rest on top of the chosen backend.
	EncryptionKeyFile string `toml:"encryption_key_file"`
}

// Solvers configures the challenge listeners and the DNS provider probe.
type Solvers struct {
	HTTP01  HTTP01Solver  `toml:"http01"`
	DNS01   DNS01Solver   `toml:"dns01"`
	TLSALPN TLSALPNSolver `toml:"tlsalpn01"`
}

type HTTP01Solver struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type DNS01Solver struct {
	Enabled            bool     `toml:"enabled"`
	Resolver           string   `toml:"resolver"`
	PropagationTimeout Duration `toml:"propagation_timeout"`
	PollInterval       Duration `toml:"poll_interval"`
	CacheTTL           Duration `toml:"cache_ttl"`
}

type TLSALPNSolver struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Transport configures the outbound HTTP policies.
type Transport struct {
	Timeout        Duration `toml:"timeout"`
	MaxAttempts    int      `toml:"max_attempts"`
	RatePerSecond  float64  `toml:"rate_per_second"`
	RateBurst      int      `toml:"rate_burst"`
	MaxInflight    int64    `toml:"max_inflight_per_host"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
}

type Log struct {
	Level LogLevel `toml:"level"`
	// Format: "json" or "text".
	Format string `toml:"format"`
}

// NewDefaultConfig returns a Config with every default filled in: staging
// CA, file storage, http-01 solver, 30 day renewal window, hourly checks.
func NewDefaultConfig() *Config {
	return &Config{
		ACME: ACME{
			CA:           "letsencrypt-staging",
			KeyAlgorithm: string(certcrypto.KeyAlgorithmEd25519),
		},
		Renewal: Renewal{
			ChallengeType:     acme.ChallengeHTTP01,
			RenewBeforeDays:   30,
			CheckIntervalSecs: 3600,
			Concurrency:       5,
		},
		Storage: Storage{
			Backend: "file",
			Path:    "./data",
		},
		Solvers: Solvers{
			HTTP01: HTTP01Solver{Enabled: true, Addr: ":80"},
			DNS01: DNS01Solver{
				PropagationTimeout: Duration{5 * time.Minute},
				PollInterval:       Duration{5 * time.Second},
				CacheTTL:           Duration{5 * time.Second},
			},
			TLSALPN: TLSALPNSolver{Addr: ":443"},
		},
		Transport: Transport{
			Timeout:        Duration{30 * time.Second},
			MaxAttempts:    3,
			RatePerSecond:  10,
			RateBurst:      10,
			MaxInflight:    10,
			InitialBackoff: Duration{100 * time.Millisecond},
			MaxBackoff:     Duration{30 * time.Second},
		},
		Log: Log{
			Level:  LogLevel{slog.LevelInfo},
			Format: "json",
		},
	}
}

// DirectoryURL resolves the effective directory endpoint: the explicit
// URL when set, otherwise the CA preset.
func (c *Config) DirectoryURL() (string, error) {
	if c.ACME.DirectoryURL != "" {
		return c.ACME.DirectoryURL, nil
	}
	return acme.DirectoryURLFor(c.ACME.CA)
}

// RenewBefore converts the day count into a duration.
func (c *Config) RenewBefore() time.Duration {
	return time.Duration(c.Renewal.RenewBeforeDays) * 24 * time.Hour
}

// CheckInterval converts the seconds count into a duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Renewal.CheckIntervalSecs) * time.Second
}

// Validate checks the tree for contradictions and missing requirements.
func (c *Config) Validate() error {
	if _, err := c.DirectoryURL(); err != nil {
		return fmt.Errorf("acme: %w", err)
	}
	switch certcrypto.KeyAlgorithm(c.ACME.KeyAlgorithm) {
	case certcrypto.KeyAlgorithmEd25519, certcrypto.KeyAlgorithmECDSAP256:
	default:
		return fmt.Errorf("acme: unknown key_algorithm %q", c.ACME.KeyAlgorithm)
	}

	switch c.Renewal.ChallengeType {
	case acme.ChallengeHTTP01, acme.ChallengeDNS01, acme.ChallengeTLSALPN01:
	default:
		return fmt.Errorf("renewal: unknown challenge_type %q", c.Renewal.ChallengeType)
	}
	if c.Renewal.RenewBeforeDays < 0 {
		return fmt.Errorf("renewal: renew_before_days must not be negative")
	}
	if c.Renewal.CheckIntervalSecs <= 0 {
		return fmt.Errorf("renewal: check_interval_secs must be positive")
	}
	if c.Renewal.Concurrency <= 0 {
		return fmt.Errorf("renewal: concurrency must be positive")
	}
	for i, set := range c.Renewal.Domains {
		if len(set) == 0 {
			return fmt.Errorf("renewal: domain set %d is empty", i)
		}
	}

	switch c.Storage.Backend {
	case "file":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage: file backend needs path")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage: sqlite backend needs sqlite_path")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage: redis backend needs redis_addr")
		}
	case "memory":
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}

	if c.Renewal.ChallengeType == acme.ChallengeHTTP01 && !c.Solvers.HTTP01.Enabled {
		return fmt.Errorf("solvers: challenge_type is http-01 but the http01 solver is disabled")
	}
	if c.Renewal.ChallengeType == acme.ChallengeDNS01 && !c.Solvers.DNS01.Enabled {
		return fmt.Errorf("solvers: challenge_type is dns-01 but the dns01 solver is disabled")
	}
	if c.Renewal.ChallengeType == acme.ChallengeTLSALPN01 && !c.Solvers.TLSALPN.Enabled {
		return fmt.Errorf("solvers: challenge_type is tls-alpn-01 but the tlsalpn01 solver is disabled")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	return nil
}
