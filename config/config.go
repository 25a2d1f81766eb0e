package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultScrapeURL      = "https://www.willhaben.at/iad/immobilien/eigentumswohnung/eigentumswohnung-angebote"
	DefaultListingBaseURL = "https://www.willhaben.at/iad/"
	DefaultDatabaseURL    = "sqlite:///data/listings.db"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	DBDriver    string
	DatabaseURL string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	ScrapeURL      string
	ListingBaseURL string
	MaxPages       int
	MaxConcurrency int
	RateLimitMs    int
	MaxRetries     int
	Headless       bool
	ChromeBin      string

	CSVOutputPath string

	HTTPAddr    string
	CORSOrigins []string

	LogLevel      string
	LogJSON       bool
	FluentEnabled bool
	FluentHost    string
	FluentPort    int

	AMQPURL        string
	AMQPExchange   string
	AMQPRoutingKey string

	BestValueLimit  int
	HistogramBucket int
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "")),
		DatabaseURL: getEnv("DATABASE_URL", DefaultDatabaseURL),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "tracker"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "tracker"),
		PostgresDB:       getEnv("POSTGRES_DB", "listings"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		ScrapeURL:      getEnv("SCRAPE_URL", DefaultScrapeURL),
		ListingBaseURL: getEnv("LISTING_BASE_URL", DefaultListingBaseURL),
		MaxPages:       getEnvInt("MAX_PAGES", 0),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 3),
		RateLimitMs:    getEnvInt("RATE_LIMIT_MS", 1500),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		Headless:       getEnvBool("HEADLESS", true),
		ChromeBin:      getEnv("CHROME_BIN", ""),

		CSVOutputPath: getEnv("CSV_OUTPUT_PATH", "./output/raw_listings.csv"),

		HTTPAddr:    getEnv("HTTP_ADDR", ":8000"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogJSON:       getEnvBool("LOG_JSON", false),
		FluentEnabled: getEnvBool("FLUENT_ENABLED", false),
		FluentHost:    getEnv("FLUENT_HOST", "localhost"),
		FluentPort:    getEnvInt("FLUENT_PORT", 24224),

		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "listing_tracker"),
		AMQPRoutingKey: getEnv("AMQP_ROUTING_KEY", "scrape.run.finished"),

		BestValueLimit:  getEnvInt("BEST_VALUE_LIMIT", 10),
		HistogramBucket: getEnvInt("HISTOGRAM_BUCKET", 50000),
	}
}

// Database resolves the driver name and data source. DB_DRIVER wins when
// set; otherwise the scheme of DATABASE_URL decides. "sqlite:///path" is
// reduced to the bare file path.
func (c *Config) Database() (driver, dsn string) {
	url := strings.TrimSpace(c.DatabaseURL)

	driver = c.DBDriver
	if driver == "" {
		switch {
		case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
			driver = "postgres"
		default:
			driver = "sqlite"
		}
	}

	switch driver {
	case "sqlite":
		return driver, strings.TrimPrefix(url, "sqlite:///")
	case "postgres", "pgx":
		if url == "" || strings.HasPrefix(url, "sqlite:") {
			return driver, c.DSN()
		}
		return driver, url
	default:
		return driver, url
	}
}

// DSN returns the PostgreSQL connection string assembled from POSTGRES_*.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
