package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/jobspool/filter"
	"github.com/dhcgn/jobspool/ingest"
	"github.com/dhcgn/jobspool/model"
	"github.com/dhcgn/jobspool/state"
)

// isolate runs the test in an empty working directory with an empty home so
// no stray .env or jobspool.yaml is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "jobspool"}
	RegisterFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load(newCommand(t))
	require.NoError(t, err)

	assert.Equal(t, state.BackendFile, cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(home, ".jobspool", "state"), cfg.Storage.Dir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 993, cfg.IMAP.Port)
	assert.True(t, cfg.IMAP.TLS)
	assert.Equal(t, "INBOX", cfg.IMAP.Mailbox)
	assert.Equal(t, 60*time.Second, cfg.Scoring.Timeout)
	assert.Equal(t, ingest.RescorePreserve, cfg.RescorePolicy())

	routing, err := cfg.RoutingTable()
	require.NoError(t, err)
	assert.Equal(t, filter.ActionJob, routing.Default)
	assert.Equal(t, model.DefaultRetentionPolicy(), cfg.RetentionPolicy())
}

const yamlConfig = `
storage:
  backend: sqlite
  dir: ./spool
routing:
  default: ignore
  recipients:
    - address: Jobs@Example.com
      action: job
    - address: archive@example.com
      action: store
retention:
  scored: 7
  application: 0
rules:
  - name: newsletter
    kind: scored
    channel: newsletter
    subject: ["weekly roles"]
lease:
  ttl: 1m
scoring:
  timeout: 5s
  rps: 0.5
rescore: overwrite
`

func TestLoad_ConfigFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o600))

	cfg, err := Load(newCommand(t, "--config", path))
	require.NoError(t, err)

	assert.Equal(t, state.BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "spool", cfg.Storage.Dir)
	assert.Equal(t, time.Minute, cfg.Lease.TTL)
	assert.Equal(t, 5*time.Second, cfg.Scoring.Timeout)
	assert.InDelta(t, 0.5, cfg.Scoring.RPS, 1e-9)
	assert.Equal(t, ingest.RescoreOverwrite, cfg.RescorePolicy())

	routing, err := cfg.RoutingTable()
	require.NoError(t, err)
	assert.Equal(t, filter.ActionIgnore, routing.Default)
	assert.Equal(t, filter.ActionJob, routing.Recipients["jobs@example.com"])
	assert.Equal(t, filter.ActionStore, routing.Recipients["archive@example.com"])

	policy := cfg.RetentionPolicy()
	limit, ok := policy.Threshold(model.KindScored)
	require.True(t, ok)
	assert.Equal(t, 7*24*time.Hour, limit)
	_, ok = policy.Threshold(model.KindApplication)
	assert.False(t, ok, "zero retention means unbounded")

	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, model.KindScored, cfg.Rules[0].Kind)
	engine, err := cfg.Classifier()
	require.NoError(t, err)
	require.NotNil(t, engine)
}

func TestLoad_DefaultConfigFileInWorkingDir(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jobspool.yaml"), []byte("workers: 7\n"), 0o600))

	cfg, err := Load(newCommand(t))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Workers)
}

func TestLoad_ExplicitConfigMustExist(t *testing.T) {
	dir := isolate(t)
	_, err := Load(newCommand(t, "--config", filepath.Join(dir, "missing.yaml")))
	assert.Error(t, err)
}

func TestLoad_Precedence(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "jobspool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\nworkers: 2\n"), 0o600))

	t.Setenv("JOBSPOOL_LOG_LEVEL", "warning")
	t.Setenv("JOBSPOOL_WORKERS", "3")
	t.Setenv("IMAP_PASS", "from-legacy-env")

	cfg, err := Load(newCommand(t))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level, "env beats file and warning is normalized")
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "from-legacy-env", cfg.IMAP.Password)

	cfg, err = Load(newCommand(t, "--workers", "8", "--log-level", "debug"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers, "flag beats env")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("JOBSPOOL_STORAGE_BACKEND=memory\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("JOBSPOOL_STORAGE_BACKEND") })

	cfg, err := Load(newCommand(t))
	require.NoError(t, err)
	assert.Equal(t, state.BackendMemory, cfg.Storage.Backend)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Storage: StorageConfig{Backend: state.BackendFile, Dir: "/tmp/spool"},
		Log:     LogConfig{Level: "info"},
		Workers: 1,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "bolt" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = state.BackendPostgres }},
		{"redis without url", func(c *Config) { c.Storage.Backend = state.BackendRedis }},
		{"file without dir", func(c *Config) { c.Storage.Dir = "" }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"bad rescore", func(c *Config) { c.Rescore = "sometimes" }},
		{"bad routing action", func(c *Config) { c.Routing.Default = "forward" }},
		{"empty route address", func(c *Config) { c.Routing.Recipients = []Route{{Action: "job"}} }},
		{"negative retention", func(c *Config) { c.Retention = map[string]int{"scored": -1} }},
		{"include and exclude", func(c *Config) {
			c.Filters.IncludeHeader = []string{"a"}
			c.Filters.ExcludeBody = []string{"b"}
		}},
		{"bad cron", func(c *Config) { c.Serve.Sync = "every five minutes" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIMAPOptions_OAuthSwitchesToTokenSource(t *testing.T) {
	cfg := Config{IMAP: IMAPConfig{Host: "imap.example.com", Port: 993, Username: "u", Password: "p"}}
	opts := cfg.IMAPOptions(t.Context())
	assert.Nil(t, opts.TokenSource)
	assert.Equal(t, "p", opts.Password)

	cfg.IMAP.OAuth = OAuthConfig{RefreshToken: "r", TokenURL: "https://login.example.com/token", Mechanism: "xoauth2"}
	opts = cfg.IMAPOptions(t.Context())
	assert.NotNil(t, opts.TokenSource)
	assert.Equal(t, "xoauth2", opts.Mechanism)
}

func TestProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.txt")
	require.NoError(t, os.WriteFile(path, []byte("  Senior Go engineer, remote, UK\n"), 0o600))

	p, err := Config{Scoring: ScoringConfig{ProfileFile: path}}.Profile()
	require.NoError(t, err)
	assert.Equal(t, "Senior Go engineer, remote, UK", p)

	p, err = Config{}.Profile()
	require.NoError(t, err)
	assert.Empty(t, p)
}
