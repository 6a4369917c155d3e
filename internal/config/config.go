// Package config loads the replicator settings from an optional config file,
// a .env file and ERPMIRROR_* environment variables, in increasing priority.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "ERPMIRROR"
	DefaultName    = "erpmirror"
	DefaultEnvFile = ".env"
)

const (
	SourceSQL      = "sql"
	SourceDownload = "download"

	DetectorAlways = "always"
	DetectorETag   = "etag"
	DetectorFile   = "file"
	DetectorQuery  = "query"

	StoreFile   = "file"
	StoreMemory = "memory"
)

var (
	ErrSourceKind     = errors.New("source.kind must be sql or download")
	ErrDetectorKind   = errors.New("detector.kind must be always, etag, file or query")
	ErrStoreKind      = errors.New("store.kind must be file or memory")
	ErrInterval       = errors.New("schedule.interval must be positive")
	ErrMissingSetting = errors.New("missing setting")
)

type Config struct {
	Source   SourceConfig            `mapstructure:"source"`
	Detector DetectorConfig          `mapstructure:"detector"`
	Store    StoreConfig             `mapstructure:"store"`
	Schedule ScheduleConfig          `mapstructure:"schedule"`
	HTTP     HTTPConfig              `mapstructure:"http"`
	State    StateConfig             `mapstructure:"state"`
	Log      LogConfig               `mapstructure:"log"`
	Tables   []replication.TableSpec `mapstructure:"tables"`
}

type SourceConfig struct {
	// Kind is sql (query the database) or download (query a published SQLite file).
	Kind     string        `mapstructure:"kind"`
	Driver   string        `mapstructure:"driver"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Database string        `mapstructure:"database"`
	DSN      string        `mapstructure:"dsn"`
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type DetectorConfig struct {
	Kind    string        `mapstructure:"kind"`
	URL     string        `mapstructure:"url"`
	Path    string        `mapstructure:"path"`
	Query   string        `mapstructure:"query"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Kind          string `mapstructure:"kind"`
	Dir           string `mapstructure:"dir"`
	PublishedName string `mapstructure:"published_name"`
}

type ScheduleConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

type HTTPConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
}

type StateConfig struct {
	// Path of the bbolt history file, empty disables the history.
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the configuration. path may name a config file (yaml, json or
// toml); when empty an erpmirror.* file in the working directory is used if
// present. envFile is loaded into the environment first when it exists.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrapf(err, "loading %s", envFile)
			}
			log.WithField("file", envFile).Warn("env file not found, using environment and defaults")
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	} else {
		v.SetConfigName(DefaultName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, "reading config file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.kind", SourceSQL)
	v.SetDefault("source.driver", "godror")
	v.SetDefault("source.host", "localhost")
	v.SetDefault("source.port", 1521)
	v.SetDefault("source.user", "")
	v.SetDefault("source.password", "")
	v.SetDefault("source.database", "")
	v.SetDefault("source.dsn", "")
	v.SetDefault("source.url", "")
	v.SetDefault("source.timeout", 30*time.Second)

	v.SetDefault("detector.kind", DetectorAlways)
	v.SetDefault("detector.url", "")
	v.SetDefault("detector.path", "")
	v.SetDefault("detector.query", "")
	v.SetDefault("detector.timeout", 10*time.Second)

	v.SetDefault("store.kind", StoreFile)
	v.SetDefault("store.dir", "data")
	v.SetDefault("store.published_name", "banco_local.db")

	v.SetDefault("schedule.interval", 5*time.Minute)
	v.SetDefault("schedule.run_on_start", true)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.query_timeout", 15*time.Second)

	v.SetDefault("state.path", "data/erpmirror_state.kv")
	v.SetDefault("state.timeout", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("tables", DefaultTables())
}

// DefaultTables are the ERP tables the dashboards read.
func DefaultTables() []replication.TableSpec {
	return []replication.TableSpec{
		{
			Name: "PCMOV",
			Query: `SELECT CODFILIAL, DTMOV, CODOPER, CODCLI, CODUSUR, CODPROD, PUNIT, QT, CODFORNEC,
				NUMNOTA, NUMPED, CODPLPAG, DTCANCEL FROM crc.PCMOV`,
			PrimaryKey: []string{"NUMNOTA"},
		},
		{Name: "PCUSUARI", Query: "SELECT CODUSUR, NOME FROM crc.PCUSUARI", PrimaryKey: []string{"CODUSUR"}},
		{Name: "PCPRODUT", Query: "SELECT CODPROD, DESCRICAO, CODFORNEC FROM crc.PCPRODUT", PrimaryKey: []string{"CODPROD"}},
		{Name: "PCFORNEC", Query: "SELECT CODFORNEC, FORNECEDOR FROM crc.PCFORNEC", PrimaryKey: []string{"CODFORNEC"}},
		{
			Name:       "PCCLIENT",
			Query:      "SELECT CODCLI, CGCENT, CLIENTE, CODUSUR1, CODUSUR2, BLOQUEIO, LIMCRED FROM crc.PCCLIENT",
			PrimaryKey: []string{"CODCLI"},
		},
	}
}

func (c *Config) normalize() {
	c.Source.Kind = strings.ToLower(c.Source.Kind)
	c.Detector.Kind = strings.ToLower(c.Detector.Kind)
	c.Store.Kind = strings.ToLower(c.Store.Kind)
	c.Log.Format = strings.ToLower(c.Log.Format)
}

func (c *Config) Validate() error {
	if err := replication.ValidateSpecs(c.Tables); err != nil {
		return err
	}
	switch strings.ToLower(c.Source.Kind) {
	case SourceSQL:
		if c.Source.Driver == "" {
			return errors.Wrap(ErrMissingSetting, "source.driver")
		}
	case SourceDownload:
		if c.Source.URL == "" {
			return errors.Wrap(ErrMissingSetting, "source.url")
		}
	default:
		return ErrSourceKind
	}
	switch strings.ToLower(c.Detector.Kind) {
	case DetectorAlways:
	case DetectorETag:
		if c.Detector.URL == "" && c.Source.URL == "" {
			return errors.Wrap(ErrMissingSetting, "detector.url")
		}
	case DetectorFile:
		if c.Detector.Path == "" {
			return errors.Wrap(ErrMissingSetting, "detector.path")
		}
	case DetectorQuery:
		if c.Detector.Query == "" {
			return errors.Wrap(ErrMissingSetting, "detector.query")
		}
		if strings.ToLower(c.Source.Kind) != SourceSQL {
			return errors.New("detector.kind query needs an sql source")
		}
	default:
		return ErrDetectorKind
	}
	switch strings.ToLower(c.Store.Kind) {
	case StoreFile:
		if c.Store.Dir == "" {
			return errors.Wrap(ErrMissingSetting, "store.dir")
		}
	case StoreMemory:
	default:
		return ErrStoreKind
	}
	if c.Schedule.Interval <= 0 {
		return ErrInterval
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

// DetectorURL is the URL the ETag detector probes, the download URL unless
// set explicitly.
func (c *Config) DetectorURL() string {
	if c.Detector.URL != "" {
		return c.Detector.URL
	}
	return c.Source.URL
}
