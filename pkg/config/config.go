package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Database DatabaseConfig `mapstructure:"database"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type UpstreamConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	TitleModel  string        `mapstructure:"title_model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

type SnapshotConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
}

type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

type ChatConfig struct {
	Welcome string `mapstructure:"welcome"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var drivers = map[string]int{
	"memory":   0,
	"postgres": 5432,
	"mysql":    3306,
	"sqlite":   0,
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	driver := u.Scheme
	if driver == "postgresql" {
		driver = "postgres"
	}
	port, ok := drivers[driver]
	if !ok {
		return DatabaseConfig{}, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if driver == "sqlite" {
		return DatabaseConfig{Driver: driver, Path: strings.TrimPrefix(dbURL, "sqlite://")}, nil
	}

	password, _ := u.User.Password()
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}
	sslmode := u.Query().Get("sslmode")
	if sslmode == "" {
		sslmode = "disable"
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Driver:   driver,
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  sslmode,
	}, nil
}

// LoadConfig reads defaults, an optional YAML file at path, .env and the
// environment, in increasing priority. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("upstream.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("upstream.model", "deepseek-reasoner")
	v.SetDefault("upstream.timeout", 60*time.Second)
	v.SetDefault("upstream.max_tokens", 0)
	v.SetDefault("upstream.temperature", 0.7)
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "deepthink.db")
	v.SetDefault("snapshot.path", "deepthink-snapshot.json")
	v.SetDefault("snapshot.interval", 30*time.Second)
	v.SetDefault("chat.welcome", "Hi! Ask me anything. Select any part of an answer to branch off and dig deeper.")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.title_model", "")

	// Enable environment variable support
	v.SetEnvPrefix("DEEPTHINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	// Well-known variables without the prefix
	env := viper.New()
	env.AutomaticEnv()

	if dbURL := env.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse DATABASE_URL")
		}
		config.Database = dbConfig
	}
	if token := env.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if apiKey := env.GetString("OPENAI_API_KEY"); apiKey != "" && config.Upstream.APIKey == "" {
		config.Upstream.APIKey = apiKey
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if _, ok := drivers[c.Database.Driver]; !ok {
		return errors.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Upstream.Model == "" {
		return errors.New("upstream.model is required")
	}
	if _, err := url.ParseRequestURI(c.Upstream.BaseURL); err != nil {
		return errors.Wrap(err, "upstream.base_url")
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return errors.New("telegram.chat_id is required when a bot token is set")
	}
	return nil
}
