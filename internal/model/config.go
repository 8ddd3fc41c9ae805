package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// KeyringPrefix marks a secret value that lives in the OS keyring rather
// than in the config file, e.g. "keyring:imap-password".
const KeyringPrefix = "keyring:"

// TLS modes understood by the mailbox and sending transports.
const (
	TLSImplicit = "tls"
	TLSStartTLS = "starttls"
	TLSNone     = "insecure"
)

// History modes select how the transcript for a target is assembled.
const (
	HistoryAuto         = "auto"
	HistoryConversation = "conversation"
	HistoryMailbox      = "mailbox"
)

// ServerConfig holds the endpoint and login for a mail server.
type ServerConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`

	// TLS is one of "tls", "starttls" or "insecure". Insecure sending logs
	// in only against localhost, or not at all if the server offers no AUTH.
	TLS string `mapstructure:"tls" yaml:"tls"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OpenAIConfig holds settings for the OpenAI-compatible model backend.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Model   string `mapstructure:"model" yaml:"model"`
}

// Config is the top-level application configuration.
type Config struct {
	IMAP   ServerConfig `mapstructure:"imap" yaml:"imap"`
	SMTP   ServerConfig `mapstructure:"smtp" yaml:"smtp"`
	OpenAI OpenAIConfig `mapstructure:"openai" yaml:"openai"`

	// SubjectKey is the subject that marks a message as addressed to the bot.
	SubjectKey string `mapstructure:"subject_key" yaml:"subject_key"`

	// Folder is a comma-separated list of folders to scan. Empty means all.
	Folder string `mapstructure:"folder" yaml:"folder"`

	// WatchInterval is the pause between cycles in seconds. Zero runs once.
	WatchInterval int `mapstructure:"watch_interval" yaml:"watch_interval"`

	SystemPrompt    string `mapstructure:"system_prompt" yaml:"system_prompt"`
	Alias           string `mapstructure:"alias" yaml:"alias"`
	MessageIDDomain string `mapstructure:"message_id_domain" yaml:"message_id_domain"`
	History         string `mapstructure:"history" yaml:"history"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	// Journal is the path of the SQLite reply journal. Empty disables it.
	Journal string `mapstructure:"journal" yaml:"journal"`
}

// Folders splits Folder into trimmed, non-empty names.
func (c *Config) Folders() []string {
	var out []string
	for _, f := range strings.Split(c.Folder, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// BotAddress is the address the bot sends from, compared lower-cased.
func (c *Config) BotAddress() string {
	return strings.ToLower(strings.TrimSpace(c.IMAP.Username))
}

// ConfigError lists every required setting that is missing.
type ConfigError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigError) Error() string {
	var parts []string
	for _, m := range e.Missing {
		parts = append(parts, m+" is required")
	}
	parts = append(parts, e.Invalid...)
	return strings.Join(parts, "; ")
}

// Validate checks that the settings needed to run a cycle are present.
func (c *Config) Validate() error {
	cerr := &ConfigError{}
	required := []struct {
		key, val string
	}{
		{"imap.host", c.IMAP.Host},
		{"imap.username", c.IMAP.Username},
		{"imap.password", c.IMAP.Password},
		{"smtp.host", c.SMTP.Host},
		{"openai.api_key", c.OpenAI.APIKey},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			cerr.Missing = append(cerr.Missing, r.key)
		}
	}

	for _, s := range []struct {
		key  string
		mode string
	}{{"imap.tls", c.IMAP.TLS}, {"smtp.tls", c.SMTP.TLS}} {
		switch s.mode {
		case TLSImplicit, TLSStartTLS, TLSNone:
		default:
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("%s must be tls, starttls or insecure, got %q", s.key, s.mode))
		}
	}
	switch c.History {
	case HistoryAuto, HistoryConversation, HistoryMailbox:
	default:
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("history must be auto, conversation or mailbox, got %q", c.History))
	}
	if c.WatchInterval < 0 {
		cerr.Invalid = append(cerr.Invalid, "watch_interval must not be negative")
	}

	if len(cerr.Missing) > 0 || len(cerr.Invalid) > 0 {
		return cerr
	}
	return nil
}

// ResolveSecrets replaces "keyring:<key>" values with the secret returned
// by lookup.
func (c *Config) ResolveSecrets(lookup func(key string) (string, error)) error {
	for _, field := range []*string{&c.IMAP.Password, &c.SMTP.Password, &c.OpenAI.APIKey} {
		ref, ok := strings.CutPrefix(*field, KeyringPrefix)
		if !ok {
			continue
		}
		secret, err := lookup(ref)
		if err != nil {
			return fmt.Errorf("resolving %s%s: %w", KeyringPrefix, ref, err)
		}
		*field = secret
	}
	return nil
}

// applyFallbacks lets the sending account default to the mailbox account.
func (c *Config) applyFallbacks() {
	if c.SMTP.Username == "" {
		c.SMTP.Username = c.IMAP.Username
	}
	if c.SMTP.Password == "" {
		c.SMTP.Password = c.IMAP.Password
	}
	c.IMAP.TLS = strings.ToLower(c.IMAP.TLS)
	c.SMTP.TLS = strings.ToLower(c.SMTP.TLS)
	c.History = strings.ToLower(c.History)
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/llmail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "llmail", "config.yaml")
}

var defaults = map[string]any{
	"imap.host":         "",
	"imap.port":         993,
	"imap.username":     "",
	"imap.password":     "",
	"imap.tls":          TLSImplicit,
	"smtp.host":         "",
	"smtp.port":         465,
	"smtp.username":     "",
	"smtp.password":     "",
	"smtp.tls":          TLSImplicit,
	"openai.api_key":    "",
	"openai.base_url":   "https://api.openai.com/v1",
	"openai.model":      "mistralai/mistral-7b-instruct:free",
	"subject_key":       "llmail autoreply",
	"folder":            "",
	"watch_interval":    0,
	"system_prompt":     "",
	"alias":             "",
	"message_id_domain": "llmail",
	"history":           HistoryAuto,
	"log_level":         "info",
	"log_format":        "console",
	"journal":           "",
}

// FlagName maps a config key to its command-line flag, e.g.
// "openai.api_key" -> "openai-api-key".
func FlagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

// DotEnvFile is read from the working directory by LoadConfig. Its
// entries act as environment variables that are not already set.
var DotEnvFile = ".env"

// LoadConfig reads configuration from the YAML file at path, the
// environment (IMAP_HOST, OPENAI_API_KEY, ...), a .env file and any changed
// flags in flags, in increasing order of precedence. A missing file is not
// an error.
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	if err := loadDotEnv(DotEnvFile); err != nil {
		return nil, err
	}

	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for k := range defaults {
			if f := flags.Lookup(FlagName(k)); f != nil {
				if err := v.BindPFlag(k, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", f.Name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyFallbacks()

	return cfg, nil
}

// ReadConfigFile returns only what the file at path holds, over the
// defaults. It is what "configure" edits, so values from the environment
// or flags are never written back to the file.
func ReadConfigFile(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return v, nil
}

// loadDotEnv exports the entries of a .env file for config keys whose
// variable is unset. A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	for k := range defaults {
		name := strings.ToUpper(strings.ReplaceAll(k, ".", "_"))
		if os.Getenv(name) != "" || !v.IsSet(name) {
			continue
		}
		if err := os.Setenv(name, v.GetString(name)); err != nil {
			return fmt.Errorf("exporting %s: %w", name, err)
		}
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("imap", cfg.IMAP)
	v.Set("smtp", cfg.SMTP)
	v.Set("openai", cfg.OpenAI)
	v.Set("subject_key", cfg.SubjectKey)
	v.Set("folder", cfg.Folder)
	v.Set("watch_interval", cfg.WatchInterval)
	v.Set("system_prompt", cfg.SystemPrompt)
	v.Set("alias", cfg.Alias)
	v.Set("message_id_domain", cfg.MessageIDDomain)
	v.Set("history", cfg.History)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("journal", cfg.Journal)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
