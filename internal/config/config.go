package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the lapio platform.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Server   Server   `yaml:"server"`
	Auth     Auth     `yaml:"auth"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	Advisor  Advisor  `yaml:"advisor"`
	Macro    Macro    `yaml:"macro"`
	Telegram Telegram `yaml:"telegram"`
	Push     Push     `yaml:"push"`
	Sheets   Sheets   `yaml:"sheets"`
	Schedule Schedule `yaml:"schedule"`
	Chat     Chat     `yaml:"chat"`
	Logging  Logging  `yaml:"logging"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	ParquetDir string `yaml:"parquet_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Auth configures the app password gate and session tokens.
type Auth struct {
	AppPassword     string `yaml:"app_password"`
	SessionSecret   string `yaml:"session_secret"`
	SessionTTLHours int    `yaml:"session_ttl_hours"`
}

// SessionTTL returns the session lifetime, defaulting to 30 days.
func (a Auth) SessionTTL() time.Duration {
	if a.SessionTTLHours <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(a.SessionTTLHours) * time.Hour
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Advisor configures the Gemini-backed recommendation and chat engine.
type Advisor struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Macro holds keys for the macro-signal fetchers.
type Macro struct {
	FredAPIKey string `yaml:"fred_api_key"`
}

// Telegram configures outbound alert delivery.
type Telegram struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// Push configures APNs delivery for the iOS client.
type Push struct {
	KeyPath  string `yaml:"key_path"`
	KeyID    string `yaml:"key_id"`
	TeamID   string `yaml:"team_id"`
	BundleID string `yaml:"bundle_id"`
	Sandbox  bool   `yaml:"sandbox"`
}

// Sheets configures the Google Sheets export target.
type Sheets struct {
	CredentialsPath string `yaml:"credentials_path"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	DriveFolderID   string `yaml:"drive_folder_id"`
}

// Schedule holds cron expressions for the background refresh jobs.
type Schedule struct {
	DailyRefresh string `yaml:"daily_refresh"`
	MacroRefresh string `yaml:"macro_refresh"`
}

// Chat tunes the chat surface's polling behaviour.
type Chat struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	PageLimit           int `yaml:"page_limit"`
}

// PollInterval returns the configured poll interval, defaulting to 5s.
func (c Chat) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set. Secrets are expected
// to arrive this way in deployment; the YAML file carries the non-sensitive
// defaults.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("PARQUET_DIR"); v != "" {
		cfg.Storage.ParquetDir = v
	}

	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}

	if v := os.Getenv("APP_PASSWORD"); v != "" {
		cfg.Auth.AppPassword = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.Auth.SessionSecret = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Advisor.APIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		cfg.Advisor.Model = v
	}

	if v := os.Getenv("FRED_API_KEY"); v != "" {
		cfg.Macro.FredAPIKey = v
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}

	if v := os.Getenv("APNS_KEY_PATH"); v != "" {
		cfg.Push.KeyPath = v
	}
	if v := os.Getenv("APNS_KEY_ID"); v != "" {
		cfg.Push.KeyID = v
	}
	if v := os.Getenv("APNS_TEAM_ID"); v != "" {
		cfg.Push.TeamID = v
	}

	if v := os.Getenv("SHEETS_CREDENTIALS"); v != "" {
		cfg.Sheets.CredentialsPath = v
	}
	if v := os.Getenv("SHEETS_SPREADSHEET_ID"); v != "" {
		cfg.Sheets.SpreadsheetID = v
	}
	if v := os.Getenv("SHEETS_DRIVE_FOLDER_ID"); v != "" {
		cfg.Sheets.DriveFolderID = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
