// Package config loads settings from flags, JOBSPOOL_* environment variables,
// a .env file and an optional jobspool.yaml, in that order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/jobspool/classify"
	"github.com/dhcgn/jobspool/filter"
	"github.com/dhcgn/jobspool/imap"
	"github.com/dhcgn/jobspool/ingest"
	"github.com/dhcgn/jobspool/lease"
	"github.com/dhcgn/jobspool/model"
	"github.com/dhcgn/jobspool/state"
)

const EnvPrefix = "JOBSPOOL"

type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	IMAP      IMAPConfig      `mapstructure:"imap"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Filters   FilterConfig    `mapstructure:"filters"`
	Rules     []classify.Rule `mapstructure:"rules"`
	Retention map[string]int  `mapstructure:"retention"`
	Rescore   string          `mapstructure:"rescore"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Log       LogConfig       `mapstructure:"log"`
	Serve     ServeConfig     `mapstructure:"serve"`
	Workers   int             `mapstructure:"workers"`
	DryRun    bool            `mapstructure:"dry_run"`
}

type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	DSN         string `mapstructure:"dsn"`
	RedisURL    string `mapstructure:"redis_url"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

type IMAPConfig struct {
	Host               string      `mapstructure:"host"`
	Port               int         `mapstructure:"port"`
	Username           string      `mapstructure:"username"`
	Password           string      `mapstructure:"password"`
	TLS                bool        `mapstructure:"tls"`
	InsecureSkipVerify bool        `mapstructure:"insecure_skip_verify"`
	Mailbox            string      `mapstructure:"mailbox"`
	UnseenOnly         bool        `mapstructure:"unseen_only"`
	BatchSize          int         `mapstructure:"batch_size"`
	ExpungeAll         bool        `mapstructure:"expunge_all"`
	OAuth              OAuthConfig `mapstructure:"oauth"`
}

type OAuthConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	TokenURL     string   `mapstructure:"token_url"`
	RefreshToken string   `mapstructure:"refresh_token"`
	Scopes       []string `mapstructure:"scopes"`
	Mechanism    string   `mapstructure:"mechanism"`
}

type RoutingConfig struct {
	Default    string  `mapstructure:"default"`
	Recipients []Route `mapstructure:"recipients"`
}

// Route is a list entry rather than a map key because addresses contain dots,
// which viper treats as key separators.
type Route struct {
	Address string `mapstructure:"address"`
	Action  string `mapstructure:"action"`
}

type FilterConfig struct {
	IncludeHeader []string `mapstructure:"include_header"`
	IncludeBody   []string `mapstructure:"include_body"`
	ExcludeHeader []string `mapstructure:"exclude_header"`
	ExcludeBody   []string `mapstructure:"exclude_body"`
}

type ScoringConfig struct {
	URL         string        `mapstructure:"url"`
	Token       string        `mapstructure:"token"`
	ProfileFile string        `mapstructure:"profile_file"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RPS         float64       `mapstructure:"rps"`
	Burst       int           `mapstructure:"burst"`
	Workers     int           `mapstructure:"workers"`
	Limit       int           `mapstructure:"limit"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type LeaseConfig struct {
	Name string        `mapstructure:"name"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

type ServeConfig struct {
	Addr string `mapstructure:"addr"`
	// Sync and Score are cron specs; empty disables the task.
	Sync  string `mapstructure:"sync"`
	Score string `mapstructure:"score"`
}

// RegisterFlags attaches the global flags to the root command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Config file (default ./jobspool.yaml or ~/.jobspool/jobspool.yaml)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (stderr only when empty)")
	flags.String("backend", state.BackendFile, "Storage backend: memory, file, sqlite, postgres, redis")
	flags.String("state-dir", "", "Directory for the file and sqlite backends")
	flags.String("dsn", "", "Postgres connection string")
	flags.String("redis-url", "", "Redis URL (redis://host:6379/0)")
	flags.Int("workers", 4, "Concurrent ingest workers")
	flags.Bool("dry-run", false, "Read and classify without writing the spool")
}

var flagKeys = map[string]string{
	"log-level": "log.level",
	"log-dir":   "log.dir",
	"backend":   "storage.backend",
	"state-dir": "storage.dir",
	"dsn":       "storage.dsn",
	"redis-url": "storage.redis_url",
	"workers":   "workers",
	"dry-run":   "dry_run",
}

func setDefaults(v *viper.Viper, stateDir string) {
	v.SetDefault("storage.backend", state.BackendFile)
	v.SetDefault("storage.dir", stateDir)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.redis_prefix", state.DefaultRedisPrefix)

	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.insecure_skip_verify", false)
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("imap.unseen_only", false)
	v.SetDefault("imap.batch_size", 50)
	v.SetDefault("imap.expunge_all", false)
	v.SetDefault("imap.oauth.client_id", "")
	v.SetDefault("imap.oauth.client_secret", "")
	v.SetDefault("imap.oauth.token_url", "")
	v.SetDefault("imap.oauth.refresh_token", "")
	v.SetDefault("imap.oauth.scopes", []string{})
	v.SetDefault("imap.oauth.mechanism", imap.MechanismOAuthBearer)

	v.SetDefault("routing.default", string(filter.ActionJob))
	v.SetDefault("filters.include_header", []string{})
	v.SetDefault("filters.include_body", []string{})
	v.SetDefault("filters.exclude_header", []string{})
	v.SetDefault("filters.exclude_body", []string{})
	v.SetDefault("rescore", string(ingest.RescorePreserve))

	v.SetDefault("scoring.url", "")
	v.SetDefault("scoring.token", "")
	v.SetDefault("scoring.profile_file", "")
	v.SetDefault("scoring.timeout", 60*time.Second)
	v.SetDefault("scoring.rps", 1.0)
	v.SetDefault("scoring.burst", 1)
	v.SetDefault("scoring.workers", 2)
	v.SetDefault("scoring.limit", 0)
	v.SetDefault("scoring.max_attempts", 3)

	v.SetDefault("lease.name", "jobspool")
	v.SetDefault("lease.ttl", lease.DefaultTTL)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")

	v.SetDefault("serve.addr", ":8080")
	v.SetDefault("serve.sync", "*/15 * * * *")
	v.SetDefault("serve.score", "")

	v.SetDefault("workers", 4)
	v.SetDefault("dry_run", false)
}

// Load resolves the configuration for cmd. Missing .env and config files are
// not errors; a config file named explicitly must exist.
func Load(cmd *cobra.Command) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	stateDir, err := defaultStateDir()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v, stateDir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("imap.password", EnvPrefix+"_IMAP_PASSWORD", "IMAP_PASS"); err != nil {
		return Config{}, fmt.Errorf("bind IMAP_PASS: %w", err)
	}

	cfgFile := ""
	if f := lookupFlag(cmd, "config"); f != nil {
		cfgFile = f.Value.String()
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("jobspool")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".jobspool"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	for name, key := range flagKeys {
		if f := lookupFlag(cmd, name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind --%s: %w", name, err)
			}
		}
	}

	return decode(v)
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f
	}
	return cmd.Root().PersistentFlags().Lookup(name)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if cfg.Log.Level == "warning" {
		cfg.Log.Level = "warn"
	}
	if cfg.Storage.Dir != "" {
		cfg.Storage.Dir = filepath.Clean(cfg.Storage.Dir)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	switch c.Storage.Backend {
	case state.BackendMemory, state.BackendFile, state.BackendSQLite:
		if c.Storage.Backend != state.BackendMemory && c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the %s backend", c.Storage.Backend)
		}
	case state.BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	case state.BackendRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.IMAP.Port < 0 || c.IMAP.Port > 65535 {
		return fmt.Errorf("imap.port must be between 1 and 65535")
	}
	if _, err := ingest.ParseRescorePolicy(c.Rescore); err != nil {
		return err
	}
	if _, err := c.RoutingTable(); err != nil {
		return err
	}
	for kind, days := range c.Retention {
		if strings.TrimSpace(kind) == "" {
			return fmt.Errorf("retention: empty kind")
		}
		if days < 0 {
			return fmt.Errorf("retention.%s must not be negative", kind)
		}
	}
	includeActive := len(c.Filters.IncludeHeader) > 0 || len(c.Filters.IncludeBody) > 0
	excludeActive := len(c.Filters.ExcludeHeader) > 0 || len(c.Filters.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude filters are mutually exclusive")
	}
	if c.Scoring.RPS < 0 {
		return fmt.Errorf("scoring.rps must not be negative")
	}
	for name, spec := range map[string]string{"serve.sync": c.Serve.Sync, "serve.score": c.Serve.Score} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c Config) StateOptions() state.Options {
	return state.Options{
		Backend:     c.Storage.Backend,
		Dir:         c.Storage.Dir,
		DSN:         c.Storage.DSN,
		RedisURL:    c.Storage.RedisURL,
		RedisPrefix: c.Storage.RedisPrefix,
		ReadOnly:    c.DryRun,
	}
}

func (c Config) RoutingTable() (filter.Routing, error) {
	def, err := filter.ParseAction(c.Routing.Default)
	if err != nil {
		return filter.Routing{}, fmt.Errorf("routing.default: %w", err)
	}
	recipients := make(map[string]filter.Action, len(c.Routing.Recipients))
	for i, route := range c.Routing.Recipients {
		if strings.TrimSpace(route.Address) == "" {
			return filter.Routing{}, fmt.Errorf("routing.recipients[%d]: address is empty", i)
		}
		action, err := filter.ParseAction(route.Action)
		if err != nil {
			return filter.Routing{}, fmt.Errorf("routing.recipients[%d]: %w", i, err)
		}
		recipients[route.Address] = action
	}
	return filter.NewRouting(recipients, def), nil
}

func (c Config) FilterOptions() filter.Options {
	return filter.Options{
		IncludeHeader: c.Filters.IncludeHeader,
		IncludeBody:   c.Filters.IncludeBody,
		ExcludeHeader: c.Filters.ExcludeHeader,
		ExcludeBody:   c.Filters.ExcludeBody,
	}
}

func (c Config) RetentionPolicy() model.RetentionPolicy {
	overrides := make(map[model.Kind]int, len(c.Retention))
	for kind, days := range c.Retention {
		overrides[model.Kind(kind)] = days
	}
	return model.DefaultRetentionPolicy().With(overrides)
}

// Classifier returns the configured rules, or the built-in ones.
func (c Config) Classifier() (*classify.Engine, error) {
	if len(c.Rules) == 0 {
		return classify.Default, nil
	}
	return classify.New(c.Rules)
}

func (c Config) RescorePolicy() ingest.RescorePolicy {
	policy, _ := ingest.ParseRescorePolicy(c.Rescore)
	return policy
}

// IMAPOptions builds fetcher options. A refresh token switches from LOGIN to
// SASL with a token source that mints access tokens on demand.
func (c Config) IMAPOptions(ctx context.Context) imap.Options {
	opts := imap.Options{
		Host:               c.IMAP.Host,
		Port:               c.IMAP.Port,
		Username:           c.IMAP.Username,
		Password:           c.IMAP.Password,
		UseTLS:             c.IMAP.TLS,
		InsecureSkipVerify: c.IMAP.InsecureSkipVerify,
		Mailbox:            c.IMAP.Mailbox,
		UnseenOnly:         c.IMAP.UnseenOnly,
		BatchSize:          c.IMAP.BatchSize,
		ExpungeAll:         c.IMAP.ExpungeAll,
	}
	oauth := imap.OAuthOptions{
		ClientID:     c.IMAP.OAuth.ClientID,
		ClientSecret: c.IMAP.OAuth.ClientSecret,
		TokenURL:     c.IMAP.OAuth.TokenURL,
		RefreshToken: c.IMAP.OAuth.RefreshToken,
		Scopes:       c.IMAP.OAuth.Scopes,
	}
	if oauth.Enabled() {
		opts.TokenSource = oauth.TokenSource(ctx)
		opts.Mechanism = c.IMAP.OAuth.Mechanism
	}
	return opts
}

// Profile returns the scoring profile text, empty without a profile file.
func (c Config) Profile() (string, error) {
	if c.Scoring.ProfileFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Scoring.ProfileFile)
	if err != nil {
		return "", fmt.Errorf("read scoring profile: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".jobspool", "state"), nil
}
