package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TaggerCredential is one fixed account taggers and operators sign in with.
// Password is the dev-mode plaintext form; PasswordHash (bcrypt) wins when
// both are present.
type TaggerCredential struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"passwordHash"`
}

type Config struct {
	Addr            string
	CORSOrigin      string
	SpreadsheetID   string
	CredentialsPath string

	// Projection freshness and gateway budget.
	StalenessWindow time.Duration
	GatewayTimeout  time.Duration
	GatewayRate     float64
	GatewayBurst    int

	// Aggregation thresholds; see the tagging report.
	TargetPerNarrative int
	DoneThreshold      int
	FullThreshold      int

	// Auth.
	TokenSecret string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	RedisURL    string
	TaggersFile string
	Taggers     []TaggerCredential

	// LLM helpers.
	OpenAIKey     string
	OpenAIModel   string
	StoryCacheTTL time.Duration
}

func Load() Config {
	cfg := Config{
		Addr:            getenv("TAGDESK_ADDR", ":8000"),
		CORSOrigin:      getenv("TAGDESK_CORS_ORIGIN", "*"),
		SpreadsheetID:   getenv("TAGDESK_SPREADSHEET_ID", ""),
		CredentialsPath: getenv("GOOGLE_SHEETS_CREDENTIALS_PATH", ""),

		StalenessWindow: time.Duration(getenvInt("TAGDESK_STALENESS_SECONDS", 60)) * time.Second,
		GatewayTimeout:  time.Duration(getenvInt("TAGDESK_GATEWAY_TIMEOUT_SECONDS", 30)) * time.Second,
		GatewayRate:     getenvFloat("TAGDESK_GATEWAY_RATE", 1),
		GatewayBurst:    getenvInt("TAGDESK_GATEWAY_BURST", 4),

		TargetPerNarrative: getenvInt("TAGDESK_TARGET_PER_NARRATIVE", 3),
		DoneThreshold:      getenvInt("TAGDESK_DONE_THRESHOLD", 1),
		FullThreshold:      getenvInt("TAGDESK_FULL_THRESHOLD", 3),

		TokenSecret: getenv("TAGDESK_TOKEN_SECRET", "tagdesk-dev-secret"),
		AccessTTL:   time.Duration(getenvInt("TAGDESK_ACCESS_TTL_SECONDS", 900)) * time.Second,
		RefreshTTL:  time.Duration(getenvInt("TAGDESK_REFRESH_TTL_SECONDS", 2592000)) * time.Second,
		RedisURL:    getenv("TAGDESK_REDIS_URL", ""),
		TaggersFile: getenv("TAGDESK_TAGGERS_FILE", ""),

		OpenAIKey:     getenv("OPENAI_API_KEY", ""),
		OpenAIModel:   getenv("TAGDESK_OPENAI_MODEL", "gpt-4o"),
		StoryCacheTTL: time.Duration(getenvInt("TAGDESK_STORY_CACHE_TTL_SECONDS", 3600)) * time.Second,
	}

	if cfg.TaggersFile != "" {
		taggers, err := loadTaggers(cfg.TaggersFile)
		if err != nil {
			log.Printf("config: cannot load taggers file %s: %v", cfg.TaggersFile, err)
		} else {
			cfg.Taggers = taggers
		}
	}
	return cfg
}

func loadTaggers(path string) ([]TaggerCredential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Taggers []TaggerCredential `yaml:"taggers"`
	}
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	return parsed.Taggers, nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
