package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("data-dir", "", "")
	fs.String("master-db", "", "")
	fs.String("tenant", "", "")
	fs.StringP("output", "o", "", "")
	fs.BoolP("verbose", "v", false, "")
	fs.Uint64("max-steps", 0, "")
	fs.Duration("invoke-timeout", 0, "")
	fs.String("location", "", "")
	return fs
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "tenantrt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	ResetConfig()

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, DefaultDataDir), cfg.DataDir)
	assert.Equal(t, DefaultOutput, cfg.OutputFormat)
	assert.Equal(t, uint64(DefaultMaxSteps), cfg.Runtime.MaxSteps)
	assert.Equal(t, DefaultInvokeTimeout, cfg.Runtime.InvokeTimeout)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, DefaultMessageCap, cfg.ErrorLog.MessageCap)
	assert.Equal(t, DefaultDetailsCap, cfg.ErrorLog.DetailsCap)
	assert.Equal(t, filepath.Join(dir, DefaultWatchDir), cfg.Watch.Dir)
	assert.Empty(t, GetConfigFileUsed())
	assert.Same(t, cfg, GetCurrentConfig())
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
data_dir: state
master_db: ":memory:"
tenant: acme
runtime:
  max_steps: 500
  invoke_timeout: 2s
scheduler:
  enabled: false
  location: Europe/Berlin
errorlog:
  message_cap: 100
`)
	sub := filepath.Join(dir, "nested", "deeper")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	t.Chdir(sub)
	ResetConfig()

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "tenantrt.yaml"), GetConfigFileUsed())
	assert.Equal(t, dir, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.DataDir)
	assert.Equal(t, ":memory:", cfg.MasterDB)
	assert.Equal(t, "acme", cfg.Tenant)
	assert.Equal(t, uint64(500), cfg.Runtime.MaxSteps)
	assert.Equal(t, 2*time.Second, cfg.Runtime.InvokeTimeout)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 100, cfg.ErrorLog.MessageCap)
	assert.Equal(t, DefaultDetailsCap, cfg.ErrorLog.DetailsCap)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `
tenant: from-file
output: markdown
runtime:
  max_steps: 10
  invoke_timeout: 1s
`)
	t.Chdir(dir)
	t.Setenv("TENANTRT_TENANT", "from-env")
	t.Setenv("TENANTRT_RUNTIME__MAX_STEPS", "20")
	t.Setenv("TENANTRT_OUTPUT", "json")
	ResetConfig()

	flags := newFlags(t)
	require.NoError(t, flags.Parse([]string{"--tenant", "from-flag", "--invoke-timeout", "5s"}))

	cfg, err := LoadConfig(cfgPath, flags)
	require.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.Tenant, "flag beats env")
	assert.Equal(t, uint64(20), cfg.Runtime.MaxSteps, "env beats file")
	assert.Equal(t, "json", cfg.OutputFormat, "env beats file")
	assert.Equal(t, 5*time.Second, cfg.Runtime.InvokeTimeout, "nested flag key")
}

func TestLoadConfig_UnsetFlagsDoNotOverride(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "runtime:\n  max_steps: 42\n")
	t.Chdir(dir)
	ResetConfig()

	cfg, err := LoadConfig(cfgPath, newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cfg.Runtime.MaxSteps)
}

func TestLoadConfig_FlagPathsResolveAgainstWorkingDir(t *testing.T) {
	root := t.TempDir()
	cfgPath := writeConfig(t, root, "data_dir: from-file\n")
	work := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))
	t.Chdir(work)
	ResetConfig()

	flags := newFlags(t)
	require.NoError(t, flags.Parse([]string{"--data-dir", "data"}))

	cfg, err := LoadConfig(cfgPath, flags)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(work, "data"), cfg.DataDir)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	ResetConfig()

	_, err := LoadConfig("does-not-exist.yaml", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{DataDir: "d", OutputFormat: "auto", Scheduler: SchedulerConfig{Location: "UTC"}}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no data dir", mutate: func(c *Config) { c.DataDir = "" }, wantErr: "data_dir is required"},
		{name: "bad output", mutate: func(c *Config) { c.OutputFormat = "xml" }, wantErr: "output must be one of"},
		{name: "negative workers", mutate: func(c *Config) { c.Runtime.CompileWorkers = -1 }, wantErr: "compile_workers"},
		{name: "negative timeout", mutate: func(c *Config) { c.Runtime.InvokeTimeout = -time.Second }, wantErr: "invoke_timeout"},
		{name: "negative cap", mutate: func(c *Config) { c.ErrorLog.DetailsCap = -1 }, wantErr: "errorlog caps"},
		{name: "unknown zone", mutate: func(c *Config) { c.Scheduler.Location = "Mars/Olympus" }, wantErr: "scheduler.location"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "runtime.max_steps", envKey("TENANTRT_RUNTIME__MAX_STEPS"))
	assert.Equal(t, "data_dir", envKey("TENANTRT_DATA_DIR"))
}

func TestFlagKey(t *testing.T) {
	assert.Equal(t, "runtime.invoke_timeout", flagKey("invoke-timeout"))
	assert.Equal(t, "platform_dir", flagKey("platform-dir"))
}

func TestGetLogger_Fallback(t *testing.T) {
	assert.NotNil(t, GetLogger(t.Context()))
}

func TestLoadConfig_IgnoresCommandFlags(t *testing.T) {
	t.Chdir(t.TempDir())
	ResetConfig()

	flags := newFlags(t)
	flags.Bool("watch", false, "")
	flags.String("type", "", "")
	require.NoError(t, flags.Parse([]string{"--watch", "--type", "invoice"}))

	cfg, err := LoadConfig("", flags)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(DefaultWatchDir), filepath.Base(cfg.Watch.Dir))
}
