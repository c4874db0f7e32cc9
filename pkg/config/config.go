// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"` // admin/health surface

	// Redis & Postgres
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`
	SeedJSON    string `yaml:"seed_json"` // memory store seed when DATABASE_URL is empty

	// Leader gate: redis lease when RedisURL is set, replica index otherwise
	ReplicaIndex  int           `yaml:"replica_index"`
	LeaderLockKey string        `yaml:"leader_lock_key"`
	LeaderLockTTL time.Duration `yaml:"leader_lock_ttl"`

	AdminToken        string        `yaml:"admin_token"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	DedupCapacity     int           `yaml:"dedup_capacity"`
	TokenSafetyMargin time.Duration `yaml:"token_safety_margin"`

	Claims      ClaimsConfig      `yaml:"claims"`
	Crunchyroll CrunchyrollConfig `yaml:"crunchyroll"`
	U2          U2Config          `yaml:"u2"`
}

// ClaimsConfig drives the daily claim batch run.
type ClaimsConfig struct {
	Hour       int           `yaml:"hour"`
	Minute     int           `yaml:"minute"`
	TimeZone   string        `yaml:"time_zone"`
	BatchSize  int           `yaml:"batch_size"`
	BatchDelay time.Duration `yaml:"batch_delay"`
}

type CrunchyrollConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	DeliveryCap   int           `yaml:"delivery_cap"`
	DeliveryDelay time.Duration `yaml:"delivery_delay"`
	SeedCount     int           `yaml:"seed_count"`
	FetchCount    int           `yaml:"fetch_count"`
	Email         string        `yaml:"email"`
	Password      string        `yaml:"password"`
}

// U2Config is disabled when FeedURL is empty.
type U2Config struct {
	FeedURL       string        `yaml:"feed_url"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	DeliveryCap   int           `yaml:"delivery_cap"`
	DeliveryDelay time.Duration `yaml:"delivery_delay"`
}

func defaults() Config {
	return Config{
		Env:               "dev",
		LogLevel:          "info",
		HTTPAddr:          ":8080",
		LeaderLockKey:     "autoclaim:leader",
		LeaderLockTTL:     2 * time.Minute,
		HTTPTimeout:       30 * time.Second,
		DedupCapacity:     500,
		TokenSafetyMargin: 30 * time.Second,
		Claims: ClaimsConfig{
			Hour:       9,
			Minute:     0,
			TimeZone:   "Asia/Singapore",
			BatchSize:  5,
			BatchDelay: 2 * time.Second,
		},
		Crunchyroll: CrunchyrollConfig{
			PollInterval:  time.Minute,
			DeliveryCap:   5,
			DeliveryDelay: 500 * time.Millisecond,
			SeedCount:     100,
			FetchCount:    50,
		},
		U2: U2Config{
			PollInterval:  10 * time.Minute,
			DeliveryCap:   10,
			DeliveryDelay: time.Second,
		},
	}
}

// Load builds the config from defaults, an optional YAML overlay
// (AUTOCLAIM_CONFIG_FILE) and the environment. Environment wins.
func Load() Config {
	_ = godotenv.Load()
	cfg := defaults()
	if path := os.Getenv("AUTOCLAIM_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			log.Printf("[WARN] config file %s ignored: %v", path, err)
		}
	}

	cfg.Env = env("AUTOCLAIM_ENV", cfg.Env)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)
	cfg.HTTPAddr = env("HTTP_ADDR", cfg.HTTPAddr)
	cfg.RedisURL = env("REDIS_URL", cfg.RedisURL)
	cfg.DatabaseURL = env("DATABASE_URL", cfg.DatabaseURL)
	cfg.SeedJSON = env("SEED_JSON", cfg.SeedJSON)
	cfg.ReplicaIndex = envInt("REPLICA_INDEX", cfg.ReplicaIndex)
	cfg.LeaderLockKey = env("LEADER_LOCK_KEY", cfg.LeaderLockKey)
	cfg.LeaderLockTTL = envDur("LEADER_LOCK_TTL_SEC", cfg.LeaderLockTTL, time.Second)
	cfg.AdminToken = env("ADMIN_TOKEN", cfg.AdminToken)
	cfg.HTTPTimeout = envDur("HTTP_TIMEOUT_SEC", cfg.HTTPTimeout, time.Second)
	cfg.DedupCapacity = envInt("DEDUP_CAPACITY", cfg.DedupCapacity)
	cfg.TokenSafetyMargin = envDur("TOKEN_SAFETY_MARGIN_SEC", cfg.TokenSafetyMargin, time.Second)

	cfg.Claims.Hour = envInt("CLAIM_HOUR", cfg.Claims.Hour)
	cfg.Claims.Minute = envInt("CLAIM_MINUTE", cfg.Claims.Minute)
	cfg.Claims.TimeZone = env("CLAIM_TZ", cfg.Claims.TimeZone)
	cfg.Claims.BatchSize = envInt("CLAIM_BATCH_SIZE", cfg.Claims.BatchSize)
	cfg.Claims.BatchDelay = envDur("CLAIM_BATCH_DELAY_MS", cfg.Claims.BatchDelay, time.Millisecond)

	cfg.Crunchyroll.PollInterval = envDur("CR_POLL_INTERVAL_MIN", cfg.Crunchyroll.PollInterval, time.Minute)
	cfg.Crunchyroll.DeliveryCap = envInt("CR_DELIVERY_CAP", cfg.Crunchyroll.DeliveryCap)
	cfg.Crunchyroll.DeliveryDelay = envDur("CR_DELIVERY_DELAY_MS", cfg.Crunchyroll.DeliveryDelay, time.Millisecond)
	cfg.Crunchyroll.SeedCount = envInt("CR_SEED_COUNT", cfg.Crunchyroll.SeedCount)
	cfg.Crunchyroll.FetchCount = envInt("CR_FETCH_COUNT", cfg.Crunchyroll.FetchCount)
	cfg.Crunchyroll.Email = env("CR_EMAIL", cfg.Crunchyroll.Email)
	cfg.Crunchyroll.Password = env("CR_PASSWORD", cfg.Crunchyroll.Password)

	cfg.U2.FeedURL = env("U2_RSS_URL", cfg.U2.FeedURL)
	cfg.U2.PollInterval = envDur("U2_POLL_INTERVAL_MIN", cfg.U2.PollInterval, time.Minute)
	cfg.U2.DeliveryCap = envInt("U2_DELIVERY_CAP", cfg.U2.DeliveryCap)
	cfg.U2.DeliveryDelay = envDur("U2_DELIVERY_DELAY_MS", cfg.U2.DeliveryDelay, time.Millisecond)

	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set, using in-memory store")
	}
	return cfg
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, cfg)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
func envDur(k string, def time.Duration, unit time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * unit
		}
	}
	return def
}
