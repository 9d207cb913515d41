package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration, loaded from the environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Minio     MinioConfig
	Redis     RedisConfig
	Detection DetectionConfig
	LogMode   string
}

type ServerConfig struct {
	Port string
	Host string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// DetectionConfig controls the simulated classifier and the lifecycle sweep.
type DetectionConfig struct {
	ModelName       string
	ModelVersion    string
	ProcessingDelay time.Duration
	SweepEnabled    bool
	SweepInterval   time.Duration
	StaleAfter      time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "xray"),
			Password: getEnv("DB_PASSWORD", "xray"),
			DBName:   getEnv("DB_NAME", "xraydb"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Minio: MinioConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "xray-images"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Detection: DetectionConfig{
			ModelName:       getEnv("DETECTION_MODEL_NAME", "CNN_v1.0"),
			ModelVersion:    getEnv("DETECTION_MODEL_VERSION", "1.0"),
			ProcessingDelay: getEnvDuration("DETECTION_PROCESSING_DELAY", 2*time.Second),
			SweepEnabled:    getEnvBool("DETECTION_SWEEP_ENABLED", true),
			SweepInterval:   getEnvDuration("DETECTION_SWEEP_INTERVAL", time.Minute),
			StaleAfter:      getEnvDuration("DETECTION_STALE_AFTER", 5*time.Minute),
		},
		LogMode: getEnv("LOG_MODE", "dev"),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
