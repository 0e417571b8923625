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
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	EnableTools    string
	Timeout        string
	Retries        int
	MaxStale       string
	NoStale        bool
	NoCache        bool
	LogLevel       string
	Wallet         string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	EnableTools    []string
	Timeout        time.Duration
	Retries        int
	MaxStale       time.Duration
	NoStale        bool
	CacheEnabled   bool
	CachePath      string
	CacheLockPath  string

	StorePath     string
	StoreLockPath string

	LogLevel  string
	LogFormat string

	AuthURL      string
	DataURL      string
	WalletURL    string
	AnalyticsURL string
	ProxyURL     string
	RateLimit    float64

	AccessToken    string
	RefreshToken   string
	SessionPath    string
	WalletAddress  string
	SignerKeyEnv   string
	SignerKeyFile  string
	ConfirmSigning bool

	SolanaRPCURL string
	SolanaWSURL  string

	RealtimeURL    string
	RealtimeAPIKey string
	RealtimeModel  string
	Voice          string

	JupiterURL    string
	JupiterAPIKey string
	LiFiURL       string
	LiFiAPIKey    string
	KaminoURL     string

	PollInterval    time.Duration
	PollMaxAttempts int
	Commitment      string
	SkipPreflight   bool
	SendMaxRetries  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	ListenAddr  string
	CORSOrigins []string
	QuotaURL    string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Store struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"store"`
	Backends struct {
		Auth      string  `yaml:"auth"`
		Data      string  `yaml:"data"`
		Wallet    string  `yaml:"wallet"`
		Analytics string  `yaml:"analytics"`
		Proxy     string  `yaml:"proxy"`
		RateLimit float64 `yaml:"rate_limit"`
	} `yaml:"backends"`
	Auth struct {
		SessionPath     string `yaml:"session_path"`
		AccessTokenEnv  string `yaml:"access_token_env"`
		RefreshTokenEnv string `yaml:"refresh_token_env"`
	} `yaml:"auth"`
	Wallet struct {
		Address string `yaml:"address"`
		KeyEnv  string `yaml:"key_env"`
		KeyFile string `yaml:"key_file"`
		Confirm *bool  `yaml:"confirm"`
	} `yaml:"wallet"`
	Solana struct {
		RPCURL string `yaml:"rpc_url"`
		WSURL  string `yaml:"ws_url"`
	} `yaml:"solana"`
	Realtime struct {
		URL       string `yaml:"url"`
		APIKey    string `yaml:"api_key"`
		APIKeyEnv string `yaml:"api_key_env"`
		Model     string `yaml:"model"`
		Voice     string `yaml:"voice"`
	} `yaml:"realtime"`
	Providers struct {
		Jupiter struct {
			URL       string `yaml:"url"`
			APIKey    string `yaml:"api_key"`
			APIKeyEnv string `yaml:"api_key_env"`
		} `yaml:"jupiter"`
		LiFi struct {
			URL       string `yaml:"url"`
			APIKey    string `yaml:"api_key"`
			APIKeyEnv string `yaml:"api_key_env"`
		} `yaml:"lifi"`
		Kamino struct {
			URL string `yaml:"url"`
		} `yaml:"kamino"`
	} `yaml:"providers"`
	Transactions struct {
		PollInterval    string `yaml:"poll_interval"`
		PollMaxAttempts *int   `yaml:"poll_max_attempts"`
		Commitment      string `yaml:"commitment"`
		SkipPreflight   *bool  `yaml:"skip_preflight"`
		MaxRetries      *int   `yaml:"max_retries"`
	} `yaml:"transactions"`
	Redis struct {
		Addr        string `yaml:"addr"`
		Password    string `yaml:"password"`
		PasswordEnv string `yaml:"password_env"`
		DB          *int   `yaml:"db"`
		Channel     string `yaml:"channel"`
	} `yaml:"redis"`
	Server struct {
		Listen      string   `yaml:"listen"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	QuotaURL string `yaml:"quota_url"`
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

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
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
		settings.PollInterval = 2 * time.Second
	}
	if settings.PollMaxAttempts <= 0 {
		settings.PollMaxAttempts = 20
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:      "json",
		Timeout:         10 * time.Second,
		Retries:         2,
		MaxStale:        5 * time.Minute,
		CacheEnabled:    true,
		CachePath:       cachePath,
		CacheLockPath:   lockPath,
		StorePath:       filepath.Join(cacheDir, "state.db"),
		StoreLockPath:   filepath.Join(cacheDir, "state.lock"),
		SessionPath:     filepath.Join(cacheDir, "session.json"),
		LogLevel:        "info",
		LogFormat:       "json",
		SolanaRPCURL:    "https://api.mainnet-beta.solana.com",
		SolanaWSURL:     "wss://api.mainnet-beta.solana.com",
		RealtimeURL:     "wss://api.openai.com/v1/realtime",
		RealtimeModel:   "gpt-4o-realtime-preview",
		Voice:           "alloy",
		JupiterURL:      "https://lite-api.jup.ag/swap/v1",
		LiFiURL:         "https://li.quest/v1",
		KaminoURL:       "https://api.kamino.finance",
		PollInterval:    2 * time.Second,
		PollMaxAttempts: 20,
		Commitment:      "confirmed",
		SkipPreflight:   false,
		SendMaxRetries:  3,
		ConfirmSigning:  true,
		RedisChannel:    "defi-voice",
		ListenAddr:      "127.0.0.1:8787",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "defi-voice", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "defi-voice")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
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
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	setString(&settings.LogLevel, cfg.Log.Level)
	setString(&settings.LogFormat, cfg.Log.Format)
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.MaxStale != "" {
		d, err := time.ParseDuration(cfg.Cache.MaxStale)
		if err != nil {
			return fmt.Errorf("config cache.max_stale: %w", err)
		}
		settings.MaxStale = d
	}
	setString(&settings.CachePath, cfg.Cache.Path)
	setString(&settings.CacheLockPath, cfg.Cache.LockPath)
	setString(&settings.StorePath, cfg.Store.Path)
	setString(&settings.StoreLockPath, cfg.Store.LockPath)

	setString(&settings.AuthURL, cfg.Backends.Auth)
	setString(&settings.DataURL, cfg.Backends.Data)
	setString(&settings.WalletURL, cfg.Backends.Wallet)
	setString(&settings.AnalyticsURL, cfg.Backends.Analytics)
	setString(&settings.ProxyURL, cfg.Backends.Proxy)
	if cfg.Backends.RateLimit > 0 {
		settings.RateLimit = cfg.Backends.RateLimit
	}

	setString(&settings.SessionPath, cfg.Auth.SessionPath)
	if cfg.Auth.AccessTokenEnv != "" {
		settings.AccessToken = os.Getenv(cfg.Auth.AccessTokenEnv)
	}
	if cfg.Auth.RefreshTokenEnv != "" {
		settings.RefreshToken = os.Getenv(cfg.Auth.RefreshTokenEnv)
	}

	setString(&settings.WalletAddress, cfg.Wallet.Address)
	setString(&settings.SignerKeyEnv, cfg.Wallet.KeyEnv)
	setString(&settings.SignerKeyFile, cfg.Wallet.KeyFile)
	if cfg.Wallet.Confirm != nil {
		settings.ConfirmSigning = *cfg.Wallet.Confirm
	}

	setString(&settings.SolanaRPCURL, cfg.Solana.RPCURL)
	setString(&settings.SolanaWSURL, cfg.Solana.WSURL)

	setString(&settings.RealtimeURL, cfg.Realtime.URL)
	setString(&settings.RealtimeAPIKey, cfg.Realtime.APIKey)
	if cfg.Realtime.APIKeyEnv != "" {
		settings.RealtimeAPIKey = os.Getenv(cfg.Realtime.APIKeyEnv)
	}
	setString(&settings.RealtimeModel, cfg.Realtime.Model)
	setString(&settings.Voice, cfg.Realtime.Voice)

	setString(&settings.JupiterURL, cfg.Providers.Jupiter.URL)
	setString(&settings.JupiterAPIKey, cfg.Providers.Jupiter.APIKey)
	if cfg.Providers.Jupiter.APIKeyEnv != "" {
		settings.JupiterAPIKey = os.Getenv(cfg.Providers.Jupiter.APIKeyEnv)
	}
	setString(&settings.LiFiURL, cfg.Providers.LiFi.URL)
	setString(&settings.LiFiAPIKey, cfg.Providers.LiFi.APIKey)
	if cfg.Providers.LiFi.APIKeyEnv != "" {
		settings.LiFiAPIKey = os.Getenv(cfg.Providers.LiFi.APIKeyEnv)
	}
	setString(&settings.KaminoURL, cfg.Providers.Kamino.URL)

	if cfg.Transactions.PollInterval != "" {
		d, err := time.ParseDuration(cfg.Transactions.PollInterval)
		if err != nil {
			return fmt.Errorf("config transactions.poll_interval: %w", err)
		}
		settings.PollInterval = d
	}
	if cfg.Transactions.PollMaxAttempts != nil {
		settings.PollMaxAttempts = *cfg.Transactions.PollMaxAttempts
	}
	setString(&settings.Commitment, cfg.Transactions.Commitment)
	if cfg.Transactions.SkipPreflight != nil {
		settings.SkipPreflight = *cfg.Transactions.SkipPreflight
	}
	if cfg.Transactions.MaxRetries != nil {
		settings.SendMaxRetries = *cfg.Transactions.MaxRetries
	}

	setString(&settings.RedisAddr, cfg.Redis.Addr)
	setString(&settings.RedisPassword, cfg.Redis.Password)
	if cfg.Redis.PasswordEnv != "" {
		settings.RedisPassword = os.Getenv(cfg.Redis.PasswordEnv)
	}
	if cfg.Redis.DB != nil {
		settings.RedisDB = *cfg.Redis.DB
	}
	setString(&settings.RedisChannel, cfg.Redis.Channel)

	setString(&settings.ListenAddr, cfg.Server.Listen)
	if len(cfg.Server.CORSOrigins) > 0 {
		settings.CORSOrigins = cfg.Server.CORSOrigins
	}
	setString(&settings.QuotaURL, cfg.QuotaURL)

	return nil
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("DEFI_VOICE_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("DEFI_VOICE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("DEFI_VOICE_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("DEFI_VOICE_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("DEFI_VOICE_NO_STALE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.NoStale = b
		}
	}
	if v := os.Getenv("DEFI_VOICE_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("DEFI_VOICE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PollInterval = d
		}
	}
	if v := os.Getenv("DEFI_VOICE_POLL_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.PollMaxAttempts = n
		}
	}
	if v := os.Getenv("DEFI_VOICE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.RedisDB = n
		}
	}
	if v := os.Getenv("DEFI_VOICE_CONFIRM_SIGNING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.ConfirmSigning = b
		}
	}

	envStrings := map[string]*string{
		"DEFI_VOICE_CACHE_PATH":       &settings.CachePath,
		"DEFI_VOICE_CACHE_LOCK_PATH":  &settings.CacheLockPath,
		"DEFI_VOICE_STORE_PATH":       &settings.StorePath,
		"DEFI_VOICE_STORE_LOCK_PATH":  &settings.StoreLockPath,
		"DEFI_VOICE_LOG_LEVEL":        &settings.LogLevel,
		"DEFI_VOICE_LOG_FORMAT":       &settings.LogFormat,
		"DEFI_VOICE_AUTH_URL":         &settings.AuthURL,
		"DEFI_VOICE_DATA_URL":         &settings.DataURL,
		"DEFI_VOICE_WALLET_URL":       &settings.WalletURL,
		"DEFI_VOICE_ANALYTICS_URL":    &settings.AnalyticsURL,
		"DEFI_VOICE_PROXY_URL":        &settings.ProxyURL,
		"DEFI_VOICE_ACCESS_TOKEN":     &settings.AccessToken,
		"DEFI_VOICE_REFRESH_TOKEN":    &settings.RefreshToken,
		"DEFI_VOICE_SESSION_PATH":     &settings.SessionPath,
		"DEFI_VOICE_WALLET":           &settings.WalletAddress,
		"DEFI_VOICE_SIGNER_KEY_FILE":  &settings.SignerKeyFile,
		"DEFI_VOICE_SOLANA_RPC_URL":   &settings.SolanaRPCURL,
		"DEFI_VOICE_SOLANA_WS_URL":    &settings.SolanaWSURL,
		"DEFI_VOICE_REALTIME_URL":     &settings.RealtimeURL,
		"DEFI_VOICE_REALTIME_API_KEY": &settings.RealtimeAPIKey,
		"DEFI_VOICE_REALTIME_MODEL":   &settings.RealtimeModel,
		"DEFI_VOICE_VOICE":            &settings.Voice,
		"DEFI_VOICE_JUPITER_URL":      &settings.JupiterURL,
		"DEFI_VOICE_JUPITER_API_KEY":  &settings.JupiterAPIKey,
		"DEFI_VOICE_LIFI_URL":         &settings.LiFiURL,
		"DEFI_VOICE_LIFI_API_KEY":     &settings.LiFiAPIKey,
		"DEFI_VOICE_KAMINO_URL":       &settings.KaminoURL,
		"DEFI_VOICE_COMMITMENT":       &settings.Commitment,
		"DEFI_VOICE_REDIS_ADDR":       &settings.RedisAddr,
		"DEFI_VOICE_REDIS_PASSWORD":   &settings.RedisPassword,
		"DEFI_VOICE_REDIS_CHANNEL":    &settings.RedisChannel,
		"DEFI_VOICE_LISTEN":           &settings.ListenAddr,
		"DEFI_VOICE_QUOTA_URL":        &settings.QuotaURL,
	}
	for key, dst := range envStrings {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
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
		settings.SelectFields = splitList(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}
	if strings.TrimSpace(flags.EnableTools) != "" {
		settings.EnableTools = splitList(flags.EnableTools)
	}

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
	setString(&settings.LogLevel, flags.LogLevel)
	setString(&settings.WalletAddress, flags.Wallet)

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	if settings.LogFormat != "json" && settings.LogFormat != "text" {
		return fmt.Errorf("log format must be json or text")
	}

	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if f := strings.TrimSpace(part); f != "" {
			out = append(out, f)
		}
	}
	return out
}
