package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig
	Crawler       CrawlerConfig
	HTTP          HTTPConfig
	Steam         SteamConfig
	Browser       BrowserConfig
	PlayStore     PlayStoreConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Elasticsearch ElasticsearchConfig
	Output        OutputConfig
	Logging       LoggingConfig
	StateFile     string
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

type CrawlerConfig struct {
	SteamIDFile     string
	PlayStoreIDFile string
	ProxyFile       string
	Concurrency     int
	Seed            int64
}

type HTTPConfig struct {
	MaxAttempts       int
	DelayMin          time.Duration
	DelayMax          time.Duration
	RateLimitedMin    time.Duration
	RateLimitedMax    time.Duration
	FailureMin        time.Duration
	FailureMax        time.Duration
	Timeout           time.Duration
	RequestsPerSecond float64
	ClientCacheSize   int
}

type SteamConfig struct {
	BaseURL   string
	Languages []string
	PageSize  int
	LatinOnly bool
}

type BrowserConfig struct {
	Headless          bool
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	AcceptLanguage    string
	TimezoneID        string
	Locale            string
	SearchEntryChance float64
	WanderChance      float64
}

type PlayStoreConfig struct {
	TargetPerRating  int
	ReviewsPerScroll int
	ChallengeEvery   int
	PerAppCSVDir     string
	ScrollWait       time.Duration
	ScrollPoll       time.Duration
}

type DatabaseConfig struct {
	Enabled  bool
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	MaxConns int
}

type RedisConfig struct {
	Enabled          bool
	Addr             string
	Password         string
	DB               int
	Stream           string
	RelayInterval    time.Duration
	RelayBatchSize   int
	RelayMaxAttempts int
	StreamMaxLen     int64
}

type ElasticsearchConfig struct {
	Enabled   bool
	Addresses []string
	Index     string
	Username  string
	Password  string
}

type OutputConfig struct {
	SteamCSVPath     string
	PlayStoreCSVPath string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvOrDefault("SERVER_PORT", "3000"),
			Host:        getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout: getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			// event streams stay open for a whole crawl
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 0),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSOrigins:     getStringSliceOrDefault("SERVER_CORS_ORIGINS", []string{"*"}),
		},
		Crawler: CrawlerConfig{
			SteamIDFile:     getEnvOrDefault("STEAM_ID_FILE", "steam-to-crawl.txt"),
			PlayStoreIDFile: getEnvOrDefault("PLAYSTORE_ID_FILE", "play-store-to-crawl.txt"),
			ProxyFile:       getEnvOrDefault("PROXY_FILE", "proxies.txt"),
			Concurrency:     getIntOrDefault("CRAWLER_CONCURRENCY", 1),
			Seed:            getInt64OrDefault("CRAWLER_SEED", 0),
		},
		HTTP: HTTPConfig{
			MaxAttempts:       getIntOrDefault("HTTP_MAX_ATTEMPTS", 3),
			DelayMin:          getDurationOrDefault("HTTP_DELAY_MIN", 1*time.Second),
			DelayMax:          getDurationOrDefault("HTTP_DELAY_MAX", 5*time.Second),
			RateLimitedMin:    getDurationOrDefault("HTTP_RATE_LIMITED_BACKOFF_MIN", 5*time.Second),
			RateLimitedMax:    getDurationOrDefault("HTTP_RATE_LIMITED_BACKOFF_MAX", 15*time.Second),
			FailureMin:        getDurationOrDefault("HTTP_FAILURE_BACKOFF_MIN", 2*time.Second),
			FailureMax:        getDurationOrDefault("HTTP_FAILURE_BACKOFF_MAX", 5*time.Second),
			Timeout:           getDurationOrDefault("HTTP_TIMEOUT", 30*time.Second),
			RequestsPerSecond: getFloatOrDefault("HTTP_REQUESTS_PER_SECOND", 0),
			ClientCacheSize:   getIntOrDefault("HTTP_CLIENT_CACHE_SIZE", 64),
		},
		Steam: SteamConfig{
			BaseURL:   getEnvOrDefault("STEAM_BASE_URL", "https://store.steampowered.com/appreviews/"),
			Languages: getStringSliceOrDefault("STEAM_LANGUAGES", []string{"english", "vietnamese"}),
			PageSize:  getIntOrDefault("STEAM_PAGE_SIZE", 20),
			LatinOnly: getBoolOrDefault("STEAM_LATIN_ONLY", true),
		},
		Browser: BrowserConfig{
			Headless:          getBoolOrDefault("BROWSER_HEADLESS", true),
			NavigationTimeout: getDurationOrDefault("BROWSER_NAVIGATION_TIMEOUT", 30*time.Second),
			ActionTimeout:     getDurationOrDefault("BROWSER_ACTION_TIMEOUT", 10*time.Second),
			AcceptLanguage:    getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "en-US,en;q=0.9"),
			TimezoneID:        getEnvOrDefault("BROWSER_TIMEZONE", "America/New_York"),
			Locale:            getEnvOrDefault("BROWSER_LOCALE", "en-US"),
			SearchEntryChance: getFloatOrDefault("BROWSER_SEARCH_ENTRY_CHANCE", 0.4),
			WanderChance:      getFloatOrDefault("BROWSER_WANDER_CHANCE", 0.7),
		},
		PlayStore: PlayStoreConfig{
			TargetPerRating:  getIntOrDefault("PLAYSTORE_TARGET_PER_RATING", 500),
			ReviewsPerScroll: getIntOrDefault("PLAYSTORE_REVIEWS_PER_SCROLL", 10),
			ChallengeEvery:   getIntOrDefault("PLAYSTORE_CHALLENGE_EVERY", 3),
			PerAppCSVDir:     getEnvOrDefault("PLAYSTORE_PER_APP_CSV_DIR", ""),
			ScrollWait:       getDurationOrDefault("PLAYSTORE_SCROLL_WAIT", 5*time.Second),
			ScrollPoll:       getDurationOrDefault("PLAYSTORE_SCROLL_POLL", 250*time.Millisecond),
		},
		Database: DatabaseConfig{
			Enabled:  getBoolOrDefault("DB_ENABLED", false),
			URL:      getEnvOrDefault("DATABASE_URL", ""),
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "reviews"),
			MaxConns: getIntOrDefault("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Enabled:          getBoolOrDefault("REDIS_ENABLED", false),
			Addr:             getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:         getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:               getIntOrDefault("REDIS_DB", 0),
			Stream:           getEnvOrDefault("REDIS_STREAM", "stream:review_ingest"),
			RelayInterval:    getDurationOrDefault("REDIS_RELAY_INTERVAL", 5*time.Second),
			RelayBatchSize:   getIntOrDefault("REDIS_RELAY_BATCH_SIZE", 100),
			RelayMaxAttempts: getIntOrDefault("REDIS_RELAY_MAX_ATTEMPTS", 5),
			StreamMaxLen:     getInt64OrDefault("REDIS_STREAM_MAXLEN", 100000),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:   getBoolOrDefault("ES_ENABLED", false),
			Addresses: getStringSliceOrDefault("ES_ADDRESSES", []string{"http://localhost:9200"}),
			Index:     getEnvOrDefault("ES_INDEX", "reviews"),
			Username:  getEnvOrDefault("ES_USERNAME", ""),
			Password:  getEnvOrDefault("ES_PASSWORD", ""),
		},
		Output: OutputConfig{
			SteamCSVPath:     getEnvOrDefault("STEAM_CSV_PATH", "steam_reviews.csv"),
			PlayStoreCSVPath: getEnvOrDefault("PLAYSTORE_CSV_PATH", "play_store_reviews.csv"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		StateFile: getEnvOrDefault("STATE_FILE", ""),
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Crawler.Concurrency < 1 {
		return fmt.Errorf("CRAWLER_CONCURRENCY must be at least 1")
	}

	if c.HTTP.MaxAttempts < 1 {
		return fmt.Errorf("HTTP_MAX_ATTEMPTS must be at least 1")
	}

	if c.HTTP.DelayMin > c.HTTP.DelayMax {
		return fmt.Errorf("HTTP_DELAY_MIN cannot be greater than HTTP_DELAY_MAX")
	}

	if c.HTTP.RateLimitedMin > c.HTTP.RateLimitedMax {
		return fmt.Errorf("HTTP_RATE_LIMITED_BACKOFF_MIN cannot be greater than HTTP_RATE_LIMITED_BACKOFF_MAX")
	}

	if c.HTTP.FailureMin > c.HTTP.FailureMax {
		return fmt.Errorf("HTTP_FAILURE_BACKOFF_MIN cannot be greater than HTTP_FAILURE_BACKOFF_MAX")
	}

	if len(c.Steam.Languages) == 0 {
		return fmt.Errorf("STEAM_LANGUAGES must name at least one language")
	}

	if c.Steam.PageSize < 1 {
		return fmt.Errorf("STEAM_PAGE_SIZE must be at least 1")
	}

	if c.PlayStore.ReviewsPerScroll < 1 {
		return fmt.Errorf("PLAYSTORE_REVIEWS_PER_SCROLL must be at least 1")
	}

	if c.PlayStore.ChallengeEvery < 1 {
		return fmt.Errorf("PLAYSTORE_CHALLENGE_EVERY must be at least 1")
	}

	if c.PlayStore.ScrollPoll <= 0 || c.PlayStore.ScrollWait < c.PlayStore.ScrollPoll {
		return fmt.Errorf("PLAYSTORE_SCROLL_POLL must be positive and not exceed PLAYSTORE_SCROLL_WAIT")
	}

	for name, p := range map[string]float64{
		"BROWSER_SEARCH_ENTRY_CHANCE": c.Browser.SearchEntryChance,
		"BROWSER_WANDER_CHANCE":       c.Browser.WanderChance,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s must be between 0 and 1", name)
		}
	}

	if c.Redis.Enabled && !c.Database.Enabled {
		return fmt.Errorf("REDIS_ENABLED requires DB_ENABLED: the relay reads the outbox table")
	}

	if c.Database.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("DB_ENABLED requires REDIS_ENABLED: stored batches are announced through the outbox relay")
	}

	if c.Redis.Enabled && c.Redis.RelayMaxAttempts < 1 {
		return fmt.Errorf("REDIS_RELAY_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}
