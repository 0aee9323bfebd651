package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"backend/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Config struct {
	Port      string
	JWTSecret string

	DBHost, DBUser, DBPassword, DBName, DBPort string

	AWSRegion     string
	ScratchBucket string
	AlertEmail    string

	EdamamAppID     string
	EdamamAppKey    string
	EdamamNutriID   string
	EdamamNutriKey  string
	EdamamBaseURL   string
	HealthBaseURL   string
	HealthAPIKey    string

	CacheTTL         time.Duration
	QueueBaseDelay   time.Duration
	QueueMaxDelay    time.Duration
	QueueMaxAttempts int
	ReplayInterval   time.Duration
	OfflineTolerant  bool
}

// Load reads .env (best effort) and the process environment.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:      envOr("PORT", "8080"),
		JWTSecret: os.Getenv("JWT_SECRET"),

		DBHost:     os.Getenv("DB_HOST"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBPort:     envOr("DB_PORT", "5432"),

		AWSRegion:     os.Getenv("AWS_REGION"),
		ScratchBucket: os.Getenv("SCRATCH_BUCKET"),
		AlertEmail:    os.Getenv("SES_EMAIL"),

		EdamamAppID:    os.Getenv("EDAMAM_APP_ID"),
		EdamamAppKey:   os.Getenv("EDAMAM_APP_KEY"),
		EdamamNutriID:  os.Getenv("EDAMAM_NUTRI_APP_ID"),
		EdamamNutriKey: os.Getenv("EDAMAM_NUTRI_APP_KEY"),
		EdamamBaseURL:  envOr("EDAMAM_BASE_URL", "https://api.edamam.com"),
		HealthBaseURL:  os.Getenv("HEALTH_BASE_URL"),
		HealthAPIKey:   os.Getenv("HEALTH_API_KEY"),

		CacheTTL:         envDuration("NUTRITION_CACHE_TTL", 24*time.Hour),
		QueueBaseDelay:   envDuration("QUEUE_BASE_DELAY", 30*time.Second),
		QueueMaxDelay:    envDuration("QUEUE_MAX_DELAY", 30*time.Minute),
		QueueMaxAttempts: envInt("QUEUE_MAX_ATTEMPTS", 5),
		ReplayInterval:   envDuration("QUEUE_REPLAY_INTERVAL", time.Minute),
		OfflineTolerant:  envOr("OFFLINE_TOLERANT", "true") == "true",
	}
	return cfg
}

// InitDB opens the postgres database and applies migrations.
func InitDB(cfg *Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema. Shared with the test database so tests and
// production migrate identically.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.User{},
		&models.LedgerEntry{},
		&models.NutritionCacheRecord{},
		&models.SyncOperation{},
		&models.HealthSample{},
		&models.Alert{},
	)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
