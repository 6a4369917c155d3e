package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// chdir moves into dir so no erpmirror.* file of the working tree is picked up.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, SourceSQL, cfg.Source.Kind)
	assert.Equal(t, "godror", cfg.Source.Driver)
	assert.Equal(t, 30*time.Second, cfg.Source.Timeout)
	assert.Equal(t, DetectorAlways, cfg.Detector.Kind)
	assert.Equal(t, StoreFile, cfg.Store.Kind)
	assert.Equal(t, "banco_local.db", cfg.Store.PublishedName)
	assert.Equal(t, 5*time.Minute, cfg.Schedule.Interval)
	assert.True(t, cfg.Schedule.RunOnStart)
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
	require.Len(t, cfg.Tables, 5)
	assert.Equal(t, "PCMOV", cfg.Tables[0].Name)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeFile(t, "erpmirror.yaml", `
source:
  kind: download
  url: http://erp.local/banco.db
detector:
  kind: etag
store:
  kind: memory
schedule:
  interval: 90s
  run_on_start: false
tables:
  - name: PCCLIENT
    query: SELECT CODCLI, CLIENTE FROM crc.PCCLIENT
    primary_key: [CODCLI]
`)
	t.Setenv("ERPMIRROR_SCHEDULE_INTERVAL", "2m")
	t.Setenv("ERPMIRROR_LOG_LEVEL", "debug")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, SourceDownload, cfg.Source.Kind)
	assert.Equal(t, "http://erp.local/banco.db", cfg.DetectorURL())
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, 2*time.Minute, cfg.Schedule.Interval, "environment overrides the file")
	assert.False(t, cfg.Schedule.RunOnStart)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Tables, 1)
	assert.Equal(t, []string{"CODCLI"}, cfg.Tables[0].PrimaryKey)
}

func TestLoad_EnvFile(t *testing.T) {
	env := writeFile(t, ".env", "ERPMIRROR_SOURCE_PASSWORD=segredo\nERPMIRROR_SOURCE_USER=crc\n")
	os.Unsetenv("ERPMIRROR_SOURCE_PASSWORD")
	os.Unsetenv("ERPMIRROR_SOURCE_USER")
	t.Cleanup(func() {
		os.Unsetenv("ERPMIRROR_SOURCE_PASSWORD")
		os.Unsetenv("ERPMIRROR_SOURCE_USER")
	})
	chdir(t, t.TempDir())

	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, "segredo", cfg.Source.Password)
	assert.Equal(t, "crc", cfg.Source.User)
}

func TestLoad_MissingEnvFileIsNotFatal(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Source:   SourceConfig{Kind: SourceSQL, Driver: "godror"},
			Detector: DetectorConfig{Kind: DetectorAlways},
			Store:    StoreConfig{Kind: StoreFile, Dir: "data"},
			Schedule: ScheduleConfig{Interval: time.Minute},
			Log:      LogConfig{Level: "info"},
			Tables:   DefaultTables(),
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]struct {
		mutate func(*Config)
		want   error
	}{
		"bad source":      {func(c *Config) { c.Source.Kind = "ftp" }, ErrSourceKind},
		"download no url": {func(c *Config) { c.Source.Kind = SourceDownload }, ErrMissingSetting},
		"bad detector":    {func(c *Config) { c.Detector.Kind = "cron" }, ErrDetectorKind},
		"file no path":    {func(c *Config) { c.Detector.Kind = DetectorFile }, ErrMissingSetting},
		"query no sql":    {func(c *Config) { c.Detector.Kind = DetectorQuery }, ErrMissingSetting},
		"bad store":       {func(c *Config) { c.Store.Kind = "s3" }, ErrStoreKind},
		"no store dir":    {func(c *Config) { c.Store.Dir = "" }, ErrMissingSetting},
		"zero interval":   {func(c *Config) { c.Schedule.Interval = 0 }, ErrInterval},
	}
	for name, tc := range cases {
		cfg := valid()
		tc.mutate(cfg)
		err := cfg.Validate()
		require.Error(t, err, name)
		assert.Equal(t, tc.want, errors.Cause(err), name)
	}

	cfg := valid()
	cfg.Tables = nil
	assert.Error(t, cfg.Validate(), "no tables")

	cfg = valid()
	cfg.Log.Level = "loud"
	assert.Error(t, cfg.Validate())
}

func TestDefaultTables(t *testing.T) {
	names := make([]string, 0)
	for _, s := range DefaultTables() {
		names = append(names, s.Name)
		assert.Contains(t, s.Query, "crc."+s.Name)
		assert.NotEmpty(t, s.PrimaryKey)
	}
	assert.Equal(t, []string{"PCMOV", "PCUSUARI", "PCPRODUT", "PCFORNEC", "PCCLIENT"}, names)
}
