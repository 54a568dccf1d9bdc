package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Slack struct {
		Token             string  `yaml:"token"`
		SigningSecret     string  `yaml:"signing_secret"`
		APIURL            string  `yaml:"api_url"`
		RequestsPerMinute float64 `yaml:"requests_per_minute"`
		AutoJoin          bool    `yaml:"auto_join"`
	} `yaml:"slack"`

	Salesforce struct {
		InstanceURL string        `yaml:"instance_url"`
		AccessToken string        `yaml:"access_token"`
		APIVersion  string        `yaml:"api_version"`
		RecordLimit int           `yaml:"record_limit"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"salesforce"`

	Fathom struct {
		BaseURL  string        `yaml:"base_url"`
		APIKey   string        `yaml:"api_key"`
		PageSize int           `yaml:"page_size"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"fathom"`

	Embedding struct {
		Provider string `yaml:"provider"`
		BaseURL  string `yaml:"base_url"`
		Model    string `yaml:"model"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"embedding"`

	Database struct {
		Backend   string `yaml:"backend"`
		URL       string `yaml:"url"`
		Path      string `yaml:"path"`
		TableName string `yaml:"table_name"`
		VectorDim int    `yaml:"vector_dim"`
	} `yaml:"database"`

	Sync struct {
		UltraPrefixes    []string                `yaml:"ultra_prefixes"`
		NoiseTerms       []string                `yaml:"noise_terms"`
		BusinessKeywords []string                `yaml:"business_keywords"`
		ChannelCaps      map[string]int          `yaml:"channel_caps"`
		Tiers            map[string]TierSettings `yaml:"tiers"`
		Retry            RetrySettings           `yaml:"retry"`
		Interval         time.Duration           `yaml:"interval"`
		CallTimeout      time.Duration           `yaml:"call_timeout"`
	} `yaml:"sync"`

	Entities struct {
		EmailDomains map[string]string `yaml:"email_domains"`
		RecordLimit  int               `yaml:"record_limit"`
	} `yaml:"entities"`

	Retrieval struct {
		Results      int `yaml:"results"`
		MeetingLimit int `yaml:"meeting_limit"`
		Overfetch    int `yaml:"overfetch"`
	} `yaml:"retrieval"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

// TierSettings controls how deep a channel of one tier is synced.
type TierSettings struct {
	MaxPages  int           `yaml:"max_pages"`
	PageSize  int           `yaml:"page_size"`
	Lookback  time.Duration `yaml:"lookback"`
	MinLength int           `yaml:"min_length"`
}

// RetrySettings configures backoff on rate-limit responses.
type RetrySettings struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

const day = 24 * time.Hour

// DefaultTiers mirrors how deep each tier is worth syncing.
var DefaultTiers = map[string]TierSettings{
	"ultra":  {MaxPages: 10, PageSize: 30, Lookback: 180 * day, MinLength: 1},
	"high":   {MaxPages: 6, PageSize: 25, Lookback: 90 * day, MinLength: 3},
	"medium": {MaxPages: 3, PageSize: 20, Lookback: 30 * day, MinLength: 5},
	"low":    {MaxPages: 2, PageSize: 15, Lookback: 14 * day, MinLength: 8},
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/dealctx/config.yaml"),
			"/etc/dealctx/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.Slack.RequestsPerMinute == 0 {
		config.Slack.RequestsPerMinute = 20
	}

	if config.Salesforce.APIVersion == "" {
		config.Salesforce.APIVersion = "v59.0"
	}
	if config.Salesforce.RecordLimit == 0 {
		config.Salesforce.RecordLimit = 500
	}
	if config.Salesforce.Timeout == 0 {
		config.Salesforce.Timeout = 30 * time.Second
	}

	if config.Fathom.BaseURL == "" {
		config.Fathom.BaseURL = "https://api.fathom.ai/external/v1"
	}
	if config.Fathom.PageSize == 0 {
		config.Fathom.PageSize = 10
	}
	if config.Fathom.Timeout == 0 {
		config.Fathom.Timeout = 30 * time.Second
	}

	if config.Embedding.Provider == "" {
		config.Embedding.Provider = "ollama"
	}
	if config.Embedding.Provider == "ollama" {
		if config.Embedding.BaseURL == "" {
			config.Embedding.BaseURL = "http://localhost:11434"
		}
		if config.Embedding.Model == "" {
			config.Embedding.Model = "nomic-embed-text:latest"
		}
	}
	if config.Embedding.Provider == "openai" && config.Embedding.Model == "" {
		config.Embedding.Model = "text-embedding-ada-002"
	}

	if config.Entities.RecordLimit == 0 {
		config.Entities.RecordLimit = 2000
	}

	if config.Database.Backend == "" {
		config.Database.Backend = "chromem"
	}
	if config.Database.Path == "" {
		config.Database.Path = filepath.Join(os.Getenv("HOME"), ".local/share/dealctx/index")
	}
	if config.Database.TableName == "" {
		config.Database.TableName = "documents"
	}
	if config.Database.VectorDim == 0 {
		config.Database.VectorDim = 768
	}

	if len(config.Sync.UltraPrefixes) == 0 {
		config.Sync.UltraPrefixes = []string{"fern-"}
	}
	if len(config.Sync.NoiseTerms) == 0 {
		config.Sync.NoiseTerms = []string{"random", "test", "bot-", "notifications", "alerts", "logs", "spam"}
	}
	if len(config.Sync.BusinessKeywords) == 0 {
		config.Sync.BusinessKeywords = []string{
			"sales", "deals", "revenue", "partnerships", "customers",
			"demo", "onboarding", "support", "implementation", "integration",
			"contracts", "legal", "success", "growth",
		}
	}
	if config.Sync.ChannelCaps == nil {
		config.Sync.ChannelCaps = map[string]int{"high": 10, "medium": 5, "low": 5}
	}
	if config.Sync.Tiers == nil {
		config.Sync.Tiers = make(map[string]TierSettings, len(DefaultTiers))
	}
	for name, def := range DefaultTiers {
		t := config.Sync.Tiers[name]
		if t.MaxPages == 0 {
			t.MaxPages = def.MaxPages
		}
		if t.PageSize == 0 {
			t.PageSize = def.PageSize
		}
		if t.Lookback == 0 {
			t.Lookback = def.Lookback
		}
		if t.MinLength == 0 {
			t.MinLength = def.MinLength
		}
		config.Sync.Tiers[name] = t
	}
	if config.Sync.Retry.MaxAttempts == 0 {
		config.Sync.Retry.MaxAttempts = 5
	}
	if config.Sync.Retry.BaseDelay == 0 {
		config.Sync.Retry.BaseDelay = 5 * time.Second
	}
	if config.Sync.Retry.Multiplier == 0 {
		config.Sync.Retry.Multiplier = 2
	}
	if config.Sync.Retry.MaxDelay == 0 {
		config.Sync.Retry.MaxDelay = 5 * time.Minute
	}
	if config.Sync.Interval == 0 {
		config.Sync.Interval = 6 * time.Hour
	}
	if config.Sync.CallTimeout == 0 {
		config.Sync.CallTimeout = 30 * time.Second
	}

	if config.Retrieval.Results == 0 {
		config.Retrieval.Results = 10
	}
	if config.Retrieval.MeetingLimit == 0 {
		config.Retrieval.MeetingLimit = 5
	}
	if config.Retrieval.Overfetch == 0 {
		config.Retrieval.Overfetch = 5
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":3000"
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
}

func mergeWithEnv(config *Config) {
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		config.Slack.Token = token
	}
	if secret := os.Getenv("SLACK_SIGNING_SECRET"); secret != "" {
		config.Slack.SigningSecret = secret
	}
	if url := os.Getenv("SALESFORCE_INSTANCE_URL"); url != "" {
		config.Salesforce.InstanceURL = url
	}
	if token := os.Getenv("SALESFORCE_ACCESS_TOKEN"); token != "" {
		config.Salesforce.AccessToken = token
	}
	if key := os.Getenv("FATHOM_API_KEY"); key != "" {
		config.Fathom.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		config.Embedding.APIKey = key
	}
	isOllama := config.Embedding.Provider == "" || config.Embedding.Provider == "ollama"
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" && isOllama {
		config.Embedding.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
}
