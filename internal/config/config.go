// Package config resolves bridge settings from a YAML file, a .env file, the
// environment and the OS keyring, in increasing order of precedence (the
// keyring only fills a token nothing else provided).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chatwoot/chatbridge/internal/urlparse"
)

const (
	DefaultListen          = ":8080"
	DefaultCacheBackend    = "file"
	DefaultCachePath       = "chatwoot-cache.json"
	DefaultAgentRefresh    = 60 * time.Second
	DefaultEmailDomain     = "example.com"
	DefaultEnvFile         = ".env"
	DefaultConversationTag = "chatbridge_session"
)

// Config is the complete bridge configuration.
type Config struct {
	Chatwoot ChatwootConfig `yaml:"chatwoot"`
	Server   ServerConfig   `yaml:"server"`
	Cache    CacheConfig    `yaml:"cache"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`

	// TokenSource records where the API token came from: file, env or keyring.
	TokenSource string `yaml:"-"`
}

// ChatwootConfig holds the remote backend connection.
type ChatwootConfig struct {
	BaseURL           string   `yaml:"base_url"`
	APIToken          string   `yaml:"api_token"`
	AgentAPIToken     string   `yaml:"agent_api_token"`
	AccountID         int      `yaml:"account_id"`
	InboxID           int      `yaml:"inbox_id"`
	InboxIdentifier   string   `yaml:"inbox_identifier"`
	ContactStrategies []string `yaml:"contact_strategies"`
	EmailDomain       string   `yaml:"email_domain"`
	ConversationTag   string   `yaml:"conversation_tag"`
}

// ServerConfig holds the inbound HTTP listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	RedisURL string `yaml:"redis_url"`
}

// AgentsConfig controls the periodic agent refresh.
type AgentsConfig struct {
	RefreshInterval    time.Duration `yaml:"-"`
	RefreshIntervalRaw string        `yaml:"refresh_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Debug  bool   `yaml:"debug"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every optional value set.
func Default() Config {
	return Config{
		Chatwoot: ChatwootConfig{
			EmailDomain:     DefaultEmailDomain,
			ConversationTag: DefaultConversationTag,
		},
		Server: ServerConfig{Listen: DefaultListen},
		Cache: CacheConfig{
			Backend: DefaultCacheBackend,
			Path:    DefaultCachePath,
		},
		Agents: AgentsConfig{RefreshInterval: DefaultAgentRefresh},
	}
}

// IncompleteError lists the required settings that are missing.
type IncompleteError struct {
	Missing []string
}

func (e *IncompleteError) Error() string {
	return "chatwoot configuration incomplete: missing " + strings.Join(e.Missing, ", ")
}

// IsIncomplete reports whether err is an *IncompleteError.
func IsIncomplete(err error) bool {
	var ie *IncompleteError
	return errors.As(err, &ie)
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var missing []string
	if c.Chatwoot.BaseURL == "" {
		missing = append(missing, "CHATWOOT_BASE_URL")
	}
	if c.Chatwoot.APIToken == "" {
		missing = append(missing, "CHATWOOT_API_TOKEN")
	}
	if c.Chatwoot.AccountID <= 0 {
		missing = append(missing, "CHATWOOT_ACCOUNT_ID")
	}
	if c.Chatwoot.InboxID <= 0 {
		missing = append(missing, "CHATWOOT_INBOX_ID")
	}
	if len(missing) > 0 {
		return &IncompleteError{Missing: missing}
	}
	return nil
}

// LoadOptions controls where Load looks for settings.
type LoadOptions struct {
	// Path is an optional YAML file. A missing file is an error only when set.
	Path string
	// EnvFile is read with godotenv; values never override the real environment.
	// Empty means DefaultEnvFile, "-" disables it.
	EnvFile string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// SkipKeyring disables the keyring token fallback.
	SkipKeyring bool
}

// Load resolves the configuration. It does not call Validate: a server may
// start with an incomplete configuration and report it per request.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.Path != "" {
		if err := loadYAML(opts.Path, &cfg); err != nil {
			return nil, err
		}
		if cfg.Chatwoot.APIToken != "" {
			cfg.TokenSource = "file"
		}
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	dotenv, err := readEnvFile(opts.EnvFile)
	if err != nil {
		return nil, err
	}
	env := func(key string) (string, bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
		if v, ok := dotenv[key]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
		return "", false
	}
	if err := applyEnv(&cfg, env); err != nil {
		return nil, err
	}

	if cfg.Chatwoot.APIToken == "" && !opts.SkipKeyring {
		if token, err := StoredToken(); err == nil {
			cfg.Chatwoot.APIToken = token
			cfg.TokenSource = "keyring"
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the environment value
// (empty when unset).
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	if raw := strings.TrimSpace(cfg.Agents.RefreshIntervalRaw); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing refresh_interval %q: %w", raw, err)
		}
		cfg.Agents.RefreshInterval = d
	}
	return nil
}

func readEnvFile(path string) (map[string]string, error) {
	switch strings.TrimSpace(path) {
	case "-":
		return nil, nil
	case "":
		vars, err := godotenv.Read(DefaultEnvFile)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", DefaultEnvFile, err)
		}
		return vars, nil
	default:
		vars, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %q: %w", path, err)
		}
		return vars, nil
	}
}

func applyEnv(cfg *Config, env func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := env(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := env(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer", key)
		}
		*dst = n
		return nil
	}

	str("CHATWOOT_BASE_URL", &cfg.Chatwoot.BaseURL)
	if v, ok := env("CHATWOOT_API_TOKEN"); ok {
		cfg.Chatwoot.APIToken = v
		cfg.TokenSource = "env"
	}
	str("CHATWOOT_AGENT_API_TOKEN", &cfg.Chatwoot.AgentAPIToken)
	if err := num("CHATWOOT_ACCOUNT_ID", &cfg.Chatwoot.AccountID); err != nil {
		return err
	}
	if err := num("CHATWOOT_INBOX_ID", &cfg.Chatwoot.InboxID); err != nil {
		return err
	}
	str("CHATWOOT_INBOX_IDENTIFIER", &cfg.Chatwoot.InboxIdentifier)
	if v, ok := env("CHATBRIDGE_CONTACT_STRATEGIES"); ok {
		cfg.Chatwoot.ContactStrategies = SplitList(v)
	}
	str("CHATBRIDGE_EMAIL_DOMAIN", &cfg.Chatwoot.EmailDomain)
	str("CHATBRIDGE_CONVERSATION_TAG", &cfg.Chatwoot.ConversationTag)
	str("CHATBRIDGE_LISTEN", &cfg.Server.Listen)
	str("CHATBRIDGE_CACHE_BACKEND", &cfg.Cache.Backend)
	str("CHATBRIDGE_CACHE_PATH", &cfg.Cache.Path)
	str("CHATBRIDGE_REDIS_URL", &cfg.Cache.RedisURL)
	if v, ok := env("CHATBRIDGE_AGENT_REFRESH"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CHATBRIDGE_AGENT_REFRESH: %w", err)
		}
		cfg.Agents.RefreshInterval = d
	}
	if v, ok := env("CHATBRIDGE_DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CHATBRIDGE_DEBUG must be a boolean")
		}
		cfg.Logging.Debug = b
	}
	str("CHATBRIDGE_LOG_FORMAT", &cfg.Logging.Format)
	return nil
}

func (c *Config) normalize() error {
	c.Chatwoot.BaseURL = strings.TrimSuffix(strings.TrimSpace(c.Chatwoot.BaseURL), "/")
	if urlparse.IsDashboard(c.Chatwoot.BaseURL) {
		d, err := urlparse.Parse(c.Chatwoot.BaseURL)
		if err != nil {
			return fmt.Errorf("CHATWOOT_BASE_URL: %w", err)
		}
		c.Chatwoot.BaseURL = d.BaseURL
		if c.Chatwoot.AccountID == 0 {
			c.Chatwoot.AccountID = d.AccountID
		}
		if c.Chatwoot.InboxID == 0 {
			c.Chatwoot.InboxID = d.InboxID
		}
	}
	if c.Chatwoot.BaseURL != "" {
		if err := ValidateBaseURL(c.Chatwoot.BaseURL); err != nil {
			return err
		}
	}
	if c.Chatwoot.EmailDomain == "" {
		c.Chatwoot.EmailDomain = DefaultEmailDomain
	}
	if c.Chatwoot.ConversationTag == "" {
		c.Chatwoot.ConversationTag = DefaultConversationTag
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = DefaultCacheBackend
	}
	if c.Cache.Path == "" {
		c.Cache.Path = DefaultCachePath
	}
	if c.Agents.RefreshInterval < 0 {
		c.Agents.RefreshInterval = 0
	}
	return nil
}

// ValidateBaseURL checks that raw is an absolute http(s) URL without query or fragment.
func ValidateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base URL %q: missing host", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("invalid base URL %q: query and fragment are not allowed", raw)
	}
	return nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Redacted returns a copy safe to print, with tokens masked.
func (c Config) Redacted() Config {
	c.Chatwoot.APIToken = mask(c.Chatwoot.APIToken)
	c.Chatwoot.AgentAPIToken = mask(c.Chatwoot.AgentAPIToken)
	if c.Cache.RedisURL != "" {
		if u, err := url.Parse(c.Cache.RedisURL); err == nil && u.User != nil {
			u.User = url.User(u.User.Username())
			c.Cache.RedisURL = u.String()
		}
	}
	return c
}

func mask(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
