package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	LogLevel               string
	BatchPageSize          int
	BatchMaxPages          int
	BatchMaxIssues         int
	SKULockTTLSeconds      int
	SummaryCacheTTLMinutes int
	ReportBucket           string
	GCSCredentialsJSON     string
	PubSubProjectID        string
	PubSubTopic            string
	PubSubCredentialsJSON  string
	SeedAdminPassword      string
}

// Load reads the environment. A .env file in the working directory is
// applied first when present; real environment variables win over it.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		BatchPageSize:          getPositiveInt("BATCH_PAGE_SIZE", 1000),
		BatchMaxPages:          getPositiveInt("BATCH_MAX_PAGES", 100),
		BatchMaxIssues:         getPositiveInt("BATCH_MAX_ISSUES", 200),
		SKULockTTLSeconds:      getPositiveInt("SKU_LOCK_TTL_SECONDS", 30),
		SummaryCacheTTLMinutes: getPositiveInt("SUMMARY_CACHE_TTL_MINUTES", 1440),
		ReportBucket:           strings.TrimSpace(os.Getenv("REPORT_BUCKET")),
		GCSCredentialsJSON:     os.Getenv("GCS_CREDENTIALS_JSON"),
		PubSubProjectID:        strings.TrimSpace(os.Getenv("PUBSUB_PROJECT_ID")),
		PubSubTopic:            strings.TrimSpace(os.Getenv("PUBSUB_TOPIC")),
		PubSubCredentialsJSON:  os.Getenv("PUBSUB_CREDENTIALS_JSON"),
		SeedAdminPassword:      os.Getenv("SEED_ADMIN_PASSWORD"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
