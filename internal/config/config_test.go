package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "claude", cfg.LLM.Primary)
	assert.Equal(t, "openai", cfg.LLM.Fallback)
	assert.InDelta(t, 0.3, cfg.LLM.Temperature, 0.001)
	assert.Equal(t, int64(4096), cfg.LLM.MaxTokens)
	assert.Equal(t, 120, cfg.LLM.TimeoutSecs)
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
	assert.Equal(t, 2000, cfg.Scrape.RequestDelayMs)
	assert.Equal(t, 3, cfg.Scrape.MaxAttempts)
	assert.Equal(t, 10, cfg.Scrape.MaxPages)
	assert.Equal(t, "0 6 * * *", cfg.Scheduler.DefaultSchedule)
	assert.InDelta(t, 0.7, cfg.Analysis.ClassificationThreshold, 0.001)
	assert.Equal(t, "1.0.0", cfg.Analysis.PromptVersion)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 48, cfg.Monitoring.StaleAfterHours)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Empty(t, cfg.Sources)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/safety
log:
  level: debug
  format: console
scrape:
  max_pages: 4
sources:
  - code: uk_pfd
    name: Prevention of Future Deaths
    country: UK
    base_url: https://www.judiciary.uk/prevention-of-future-death-reports/
    scraper: uk_pfd
    schedule: "0 6 * * *"
    keywords: [maternity]
    selectors:
      title: h3 a
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Scrape.MaxPages)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Scrape.MaxAttempts)

	require.Len(t, cfg.Sources, 1)
	src := cfg.Sources[0]
	assert.Equal(t, "uk_pfd", src.Code)
	assert.Equal(t, "uk_pfd", src.Scraper)
	assert.Equal(t, []string{"maternity"}, src.Keywords)
	assert.Equal(t, "h3 a", src.Selectors["title"])
	assert.False(t, src.Inactive)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("SAFETY_STORE_DRIVER", "postgres")
	t.Setenv("SAFETY_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SAFETY_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadSourceFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	content := `
sources:
  - code: nz_hdc
    name: Health and Disability Commissioner
    country: NZ
    base_url: https://www.hdc.org.nz/decisions/
    scraper: html
  - code: au_vic_coroner
    country: AU
    region: VIC
    scraper: html
    inactive: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	sources, err := LoadSourceFile(path)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "nz_hdc", sources[0].Code)
	assert.Equal(t, "VIC", sources[1].Region)
	assert.True(t, sources[1].Inactive)
}

func TestLoadSourceFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadSourceFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	dup := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("sources:\n  - code: a\n  - code: a\n"), 0644))
	_, err = LoadSourceFile(dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate source code")

	nocode := filepath.Join(dir, "nocode.yaml")
	require.NoError(t, os.WriteFile(nocode, []byte("sources:\n  - name: x\n"), 0644))
	_, err = LoadSourceFile(nocode)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no code")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "test.db"
	cfg.Scrape.MaxAttempts = 3
	cfg.Scrape.MaxPages = 10
	cfg.Scrape.RequestDelayMs = 2000
	cfg.LLM.Primary = "claude"
	cfg.LLM.Fallback = "openai"
	cfg.LLM.MaxRetries = 3
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.OpenAI.Key = "sk-key"
	cfg.Analysis.ClassificationThreshold = 0.7
	cfg.Analysis.RepairAttempts = 3
	cfg.Scheduler.Workers = 4
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModesPass(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"scrape", "analyze", "serve"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateAnalyze_MissingKeys(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	cfg.OpenAI.Key = ""

	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "openai.key is required")
}

func TestValidateAnalyze_SameProviders(t *testing.T) {
	cfg := validDefaults()
	cfg.LLM.Fallback = "claude"

	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestValidateScrape_BadCron(t *testing.T) {
	cfg := validDefaults()
	cfg.Sources = []SourceConfig{{Code: "uk_pfd", Schedule: "every day"}}

	err := cfg.Validate("scrape")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources.uk_pfd.schedule")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateThreshold(t *testing.T) {
	cfg := validDefaults()
	cfg.Analysis.ClassificationThreshold = 1.5

	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classification_threshold")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
