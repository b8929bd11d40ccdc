package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/xswap/internal/id"
	"github.com/ggonzalez94/xswap/internal/registry"
)

const (
	CacheBackendSQLite = "sqlite"
	CacheBackendRedis  = "redis"
)

type GlobalFlags struct {
	ConfigPath  string
	JSON        bool
	Plain       bool
	Select      string
	ResultsOnly bool
	Timeout     string
	Retries     int
	MaxStale    string
	NoStale     bool
	NoCache     bool
	LogLevel    string
	LogFormat   string
	RPCURLs     []string
	KeySource   string
}

// Settings is built once per invocation and handed to every adapter.
type Settings struct {
	OutputMode   string
	SelectFields []string
	ResultsOnly  bool
	Timeout      time.Duration
	Retries      int

	CacheEnabled  bool
	CacheBackend  string
	CacheTTL      time.Duration
	MaxStale      time.Duration
	NoStale       bool
	CachePath     string
	CacheLockPath string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	SessionStorePath string
	SessionLockPath  string

	LiFiBaseURL    string
	LiFiAPIKey     string
	LiFiIntegrator string
	Slippage       float64
	PollInterval   time.Duration

	RPCURLs       map[int64]string
	ChainMap      map[int64]int64
	KeySource     string
	GasMultiplier float64

	LogLevel  string
	LogFormat string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Cache   struct {
		Enabled  *bool  `yaml:"enabled"`
		Backend  string `yaml:"backend"`
		TTL      string `yaml:"ttl"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
		Redis    struct {
			Addr        string `yaml:"addr"`
			Password    string `yaml:"password"`
			PasswordEnv string `yaml:"password_env"`
			DB          *int   `yaml:"db"`
			Prefix      string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`
	Sessions struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"sessions"`
	LiFi struct {
		BaseURL    string `yaml:"base_url"`
		APIKey     string `yaml:"api_key"`
		APIKeyEnv  string `yaml:"api_key_env"`
		Integrator string `yaml:"integrator"`
	} `yaml:"lifi"`
	Swap struct {
		Slippage     *float64 `yaml:"slippage"`
		PollInterval string   `yaml:"poll_interval"`
	} `yaml:"swap"`
	Wallet struct {
		KeySource     string            `yaml:"key_source"`
		GasMultiplier *float64          `yaml:"gas_multiplier"`
		RPCURLs       map[string]string `yaml:"rpc_urls"`
		ChainMap      map[string]int64  `yaml:"chain_map"`
	} `yaml:"wallet"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 5 * time.Second
	}
	if settings.GasMultiplier < 1 {
		settings.GasMultiplier = 1.2
	}

	return settings, validate(settings)
}

func defaultSettings() (Settings, error) {
	dir, err := defaultCacheDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:       "json",
		Timeout:          10 * time.Second,
		Retries:          2,
		CacheEnabled:     true,
		CacheBackend:     CacheBackendSQLite,
		CacheTTL:         time.Hour,
		MaxStale:         24 * time.Hour,
		CachePath:        filepath.Join(dir, "cache.db"),
		CacheLockPath:    filepath.Join(dir, "cache.lock"),
		RedisAddr:        "127.0.0.1:6379",
		RedisPrefix:      "xswap:",
		SessionStorePath: filepath.Join(dir, "sessions.db"),
		SessionLockPath:  filepath.Join(dir, "sessions.lock"),
		LiFiBaseURL:      registry.LiFiBaseURL,
		LiFiIntegrator:   registry.LiFiIntegrator,
		Slippage:         0.005,
		PollInterval:     5 * time.Second,
		RPCURLs:          map[int64]string{},
		ChainMap:         map[int64]int64{},
		KeySource:        "auto",
		GasMultiplier:    1.2,
		LogLevel:         "warn",
		LogFormat:        "text",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	if v := os.Getenv("XSWAP_CONFIG"); v != "" {
		return v, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "xswap", "config.yaml"), nil
}

func defaultCacheDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "xswap"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(cfg.Timeout, "config timeout", &settings.Timeout); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}

	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Backend != "" {
		settings.CacheBackend = strings.ToLower(cfg.Cache.Backend)
	}
	if err := setDuration(cfg.Cache.TTL, "config cache.ttl", &settings.CacheTTL); err != nil {
		return err
	}
	if err := setDuration(cfg.Cache.MaxStale, "config cache.max_stale", &settings.MaxStale); err != nil {
		return err
	}
	setString(cfg.Cache.Path, &settings.CachePath)
	setString(cfg.Cache.LockPath, &settings.CacheLockPath)
	setString(cfg.Cache.Redis.Addr, &settings.RedisAddr)
	setString(cfg.Cache.Redis.Password, &settings.RedisPassword)
	if cfg.Cache.Redis.PasswordEnv != "" {
		settings.RedisPassword = os.Getenv(cfg.Cache.Redis.PasswordEnv)
	}
	if cfg.Cache.Redis.DB != nil {
		settings.RedisDB = *cfg.Cache.Redis.DB
	}
	setString(cfg.Cache.Redis.Prefix, &settings.RedisPrefix)

	setString(cfg.Sessions.Path, &settings.SessionStorePath)
	setString(cfg.Sessions.LockPath, &settings.SessionLockPath)

	setString(cfg.LiFi.BaseURL, &settings.LiFiBaseURL)
	setString(cfg.LiFi.APIKey, &settings.LiFiAPIKey)
	if cfg.LiFi.APIKeyEnv != "" {
		settings.LiFiAPIKey = os.Getenv(cfg.LiFi.APIKeyEnv)
	}
	setString(cfg.LiFi.Integrator, &settings.LiFiIntegrator)

	if cfg.Swap.Slippage != nil {
		settings.Slippage = *cfg.Swap.Slippage
	}
	if err := setDuration(cfg.Swap.PollInterval, "config swap.poll_interval", &settings.PollInterval); err != nil {
		return err
	}

	setString(cfg.Wallet.KeySource, &settings.KeySource)
	if cfg.Wallet.GasMultiplier != nil {
		settings.GasMultiplier = *cfg.Wallet.GasMultiplier
	}
	for chain, rpcURL := range cfg.Wallet.RPCURLs {
		parsed, err := id.ParseChain(chain)
		if err != nil {
			return fmt.Errorf("config wallet.rpc_urls: %w", err)
		}
		settings.RPCURLs[parsed.ID] = strings.TrimSpace(rpcURL)
	}
	for chain, walletID := range cfg.Wallet.ChainMap {
		parsed, err := id.ParseChain(chain)
		if err != nil {
			return fmt.Errorf("config wallet.chain_map: %w", err)
		}
		settings.ChainMap[parsed.ID] = walletID
	}

	setString(strings.ToLower(cfg.Log.Level), &settings.LogLevel)
	setString(strings.ToLower(cfg.Log.Format), &settings.LogFormat)
	return nil
}

func applyEnv(settings *Settings) error {
	if v := os.Getenv("XSWAP_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("XSWAP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("XSWAP_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("XSWAP_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("XSWAP_CACHE_BACKEND"); v != "" {
		settings.CacheBackend = strings.ToLower(v)
	}
	if v := os.Getenv("XSWAP_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.CacheTTL = d
		}
	}
	if v := os.Getenv("XSWAP_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("XSWAP_NO_STALE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.NoStale = b
		}
	}
	setString(os.Getenv("XSWAP_CACHE_PATH"), &settings.CachePath)
	setString(os.Getenv("XSWAP_CACHE_LOCK_PATH"), &settings.CacheLockPath)
	setString(os.Getenv("XSWAP_REDIS_ADDR"), &settings.RedisAddr)
	setString(os.Getenv("XSWAP_REDIS_PASSWORD"), &settings.RedisPassword)
	if v := os.Getenv("XSWAP_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.RedisDB = n
		}
	}
	setString(os.Getenv("XSWAP_SESSIONS_PATH"), &settings.SessionStorePath)
	setString(os.Getenv("XSWAP_SESSIONS_LOCK_PATH"), &settings.SessionLockPath)
	setString(os.Getenv("XSWAP_LIFI_BASE_URL"), &settings.LiFiBaseURL)
	setString(os.Getenv("XSWAP_LIFI_API_KEY"), &settings.LiFiAPIKey)
	setString(os.Getenv("XSWAP_LIFI_INTEGRATOR"), &settings.LiFiIntegrator)
	if v := os.Getenv("XSWAP_SLIPPAGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.Slippage = f
		}
	}
	if v := os.Getenv("XSWAP_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PollInterval = d
		}
	}
	setString(os.Getenv("XSWAP_KEY_SOURCE"), &settings.KeySource)
	if v := os.Getenv("XSWAP_RPC_URLS"); v != "" {
		if err := parseRPCPairs(strings.Split(v, ","), settings.RPCURLs); err != nil {
			return fmt.Errorf("XSWAP_RPC_URLS: %w", err)
		}
	}
	if v := os.Getenv("XSWAP_CHAIN_MAP"); v != "" {
		if err := parseChainMap(v, settings.ChainMap); err != nil {
			return fmt.Errorf("XSWAP_CHAIN_MAP: %w", err)
		}
	}
	if v := os.Getenv("XSWAP_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("XSWAP_LOG_FORMAT"); v != "" {
		settings.LogFormat = strings.ToLower(v)
	}
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			f := strings.TrimSpace(part)
			if f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}
	if flags.LogFormat != "" {
		settings.LogFormat = strings.ToLower(flags.LogFormat)
	}
	if flags.KeySource != "" {
		settings.KeySource = flags.KeySource
	}
	if err := parseRPCPairs(flags.RPCURLs, settings.RPCURLs); err != nil {
		return fmt.Errorf("parse --rpc-url: %w", err)
	}
	return nil
}

func validate(s Settings) error {
	if s.OutputMode != "json" && s.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	if s.CacheBackend != CacheBackendSQLite && s.CacheBackend != CacheBackendRedis {
		return fmt.Errorf("cache backend must be %s or %s", CacheBackendSQLite, CacheBackendRedis)
	}
	if !registry.IsAllowedServiceURL(s.LiFiBaseURL) {
		return fmt.Errorf("lifi base url %q must use https (plain http only on loopback)", s.LiFiBaseURL)
	}
	if s.Slippage <= 0 || s.Slippage >= 1 {
		return fmt.Errorf("slippage %v must be between 0 and 1", s.Slippage)
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error")
	}
	if s.LogFormat != "json" && s.LogFormat != "text" {
		return fmt.Errorf("log format must be json or text")
	}
	return nil
}

// parseRPCPairs reads "chain=url" entries; chain is any form id.ParseChain
// accepts.
func parseRPCPairs(pairs []string, into map[int64]string) error {
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		chain, rpcURL, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(rpcURL) == "" {
			return fmt.Errorf("expected chain=url, got %q", pair)
		}
		parsed, err := id.ParseChain(chain)
		if err != nil {
			return err
		}
		into[parsed.ID] = strings.TrimSpace(rpcURL)
	}
	return nil
}

func parseChainMap(raw string, into map[int64]int64) error {
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		routing, walletID, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("expected routing=wallet, got %q", pair)
		}
		parsed, err := id.ParseChain(routing)
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(walletID), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid wallet chain id %q", walletID)
		}
		into[parsed.ID] = n
	}
	return nil
}

func setString(v string, dst *string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(v, label string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	*dst = d
	return nil
}
