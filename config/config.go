package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultSessionsURL = "https://new-voice-assist.openai.azure.com/openai/realtimeapi/sessions?api-version=2025-04-01-preview"
	DefaultWebRTCURL   = "https://eastus2.realtimeapi-preview.ai.azure.com/v1/realtimertc"
	DefaultDeployment  = "gpt-realtime"
	DefaultVoice       = "alloy"
)

type Storage struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
	LocalDir        string
}

type Batching struct {
	BatchSize     int
	FlushInterval time.Duration
	CacheTTL      time.Duration
	MaxWorkers    int
	StoreTimeout  time.Duration
}

type Limits struct {
	MaxMessageChars  int
	MaxResponseChars int
	TailCap          int
	TailKeep         int
	SummaryTimeout   time.Duration
	DisconnectGrace  time.Duration
}

type Realtime struct {
	APIKey      string
	SessionsURL string
	WebRTCURL   string
	Deployment  string
	Voice       string
}

type Config struct {
	Port     string
	LogLevel string

	SecretKey string
	TokenTTL  time.Duration

	Storage  Storage
	Batching Batching
	Limits   Limits
	Realtime Realtime

	RedisAddr   string
	MongoURI    string
	MongoDB     string
	PostgresURI string

	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
}

// Load reads envFiles (".env" when none are given; a missing file is not an error) and
// then the process environment.
func Load(envFiles ...string) *Config {
	_ = godotenv.Load(envFiles...)

	c := &Config{
		Port:     str("PORT", "8080"),
		LogLevel: str("LOG_LEVEL", "info"),

		SecretKey: str("SECRET_KEY", ""),
		TokenTTL:  dur("TOKEN_TTL", 12*time.Hour),

		Storage: Storage{
			Bucket:          str("GCS_BUCKET", ""),
			ProjectID:       str("GCS_PROJECT_ID", ""),
			CredentialsFile: str("GCS_CREDENTIALS_FILE", ""),
			LocalDir:        str("STORAGE_DIR", "sessions"),
		},
		Batching: Batching{
			BatchSize:     num("BATCH_SIZE", 25),
			FlushInterval: dur("FLUSH_INTERVAL", 10*time.Second),
			CacheTTL:      dur("CACHE_TTL", 5*time.Minute),
			MaxWorkers:    num("MAX_WORKERS", 5),
			StoreTimeout:  dur("STORE_TIMEOUT", 30*time.Second),
		},
		Limits: Limits{
			MaxMessageChars:  num("MAX_MESSAGE_CHARS", 1000),
			MaxResponseChars: num("MAX_RESPONSE_CHARS", 500),
			TailCap:          num("TAIL_CAP", 1000),
			TailKeep:         num("TAIL_KEEP", 500),
			SummaryTimeout:   dur("SUMMARY_TIMEOUT", 15*time.Second),
			DisconnectGrace:  dur("DISCONNECT_GRACE", 30*time.Second),
		},
		Realtime: Realtime{
			APIKey:      str("AZURE_OPENAI_API_KEY", ""),
			SessionsURL: str("SESSIONS_URL", DefaultSessionsURL),
			WebRTCURL:   str("WEBRTC_URL", DefaultWebRTCURL),
			Deployment:  str("DEPLOYMENT", DefaultDeployment),
			Voice:       str("VOICE", DefaultVoice),
		},

		RedisAddr:   first("REDIS_ADDR", "REDIS_URI", "REDIS_URL"),
		MongoURI:    str("MONGO_URI", ""),
		MongoDB:     str("MONGO_DB", "careertalk"),
		PostgresURI: str("POSTGRES_URI", ""),

		RateLimitRPS:   float("RATE_LIMIT_RPS", 5),
		RateLimitBurst: num("RATE_LIMIT_BURST", 10),
		AllowedOrigins: list("ALLOWED_ORIGINS"),
	}

	if c.SecretKey == "" {
		c.SecretKey = randomKey()
	}
	if c.Limits.TailKeep > c.Limits.TailCap {
		c.Limits.TailKeep = c.Limits.TailCap
	}
	return c
}

func str(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func first(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func num(k string, def int) int {
	if n, err := strconv.Atoi(str(k, "")); err == nil && n > 0 {
		return n
	}
	return def
}

func float(k string, def float64) float64 {
	if f, err := strconv.ParseFloat(str(k, ""), 64); err == nil && f > 0 {
		return f
	}
	return def
}

// dur accepts Go durations ("10s") or bare seconds ("10"). Negative values are kept so a
// feature can be switched off with "-1".
func dur(k string, def time.Duration) time.Duration {
	v := str(k, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func list(k string) []string {
	v := str(k, "")
	if v == "" {
		return nil
	}
	out := []string{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func randomKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
