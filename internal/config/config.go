package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	Environment string

	// Token verification
	PublicKeyPEM  string
	PublicKeyPath string
	Algorithm     string

	// Proof service
	ProofServiceURL string
	ProofTimeout    time.Duration

	// Sessions
	SessionTTL        time.Duration
	SweepInterval     time.Duration
	MaxResultsPerUser int
	SessionStore      string // "memory" or "redis"
	RedisURL          string
	RedisPassword     string

	// CORS
	FrontendURL    string
	AllowedOrigins []string
}

func LoadConfig() *Config {
	port := GetEnv("PORT", "8080")
	environment := GetEnv("ENVIRONMENT", "development")

	// Token verification. An inline PEM wins over a key file path.
	publicKeyPEM := GetEnv("VALIDATION_PUBLIC_KEY", "")
	publicKeyPath := GetEnv("VALIDATION_PUBLIC_KEY_PATH", "keys/validation.key.pub")
	algorithm := GetEnv("VALIDATION_ALGORITHM", "RS256")

	proofServiceURL := GetEnv("PROOF_SERVICE_URL", "http://localhost:3002")
	proofTimeoutSec := GetEnvAsInt("PROOF_TIMEOUT_SECONDS", 8)

	sessionTTLHours := GetEnvAsInt("SESSION_TTL_HOURS", 24)
	sessionTTL := time.Duration(sessionTTLHours) * time.Hour
	sweepMinutes := GetEnvAsInt("SESSION_SWEEP_MINUTES", int(sessionTTL.Minutes())/4)
	maxResults := GetEnvAsInt("SESSION_MAX_RESULTS", 32)

	// Frontend & CORS
	frontendURL := GetEnv("FRONTEND_URL", "http://localhost:5173")
	allowedOriginsStr := GetEnv("ALLOWED_ORIGINS", "")

	// Build allowed origins list (Frontend URL + Localhost + CSV values)
	allowedOrigins := []string{
		frontendURL,
		"http://localhost:5173", // Local development
	}
	if allowedOriginsStr != "" {
		extras := strings.Split(allowedOriginsStr, ",")
		for _, origin := range extras {
			trimmed := strings.TrimSpace(origin)
			if trimmed != "" {
				allowedOrigins = append(allowedOrigins, trimmed)
			}
		}
	}

	return &Config{
		Port:              port,
		Environment:       environment,
		PublicKeyPEM:      publicKeyPEM,
		PublicKeyPath:     publicKeyPath,
		Algorithm:         algorithm,
		ProofServiceURL:   proofServiceURL,
		ProofTimeout:      time.Duration(proofTimeoutSec) * time.Second,
		SessionTTL:        sessionTTL,
		SweepInterval:     time.Duration(sweepMinutes) * time.Minute,
		MaxResultsPerUser: maxResults,
		SessionStore:      GetEnv("SESSION_STORE", "memory"),
		RedisURL:          GetEnv("REDIS_URL", "localhost:6379"),
		RedisPassword:     GetEnv("REDIS_PASSWORD", ""),
		FrontendURL:       frontendURL,
		AllowedOrigins:    allowedOrigins,
	}
}

// LoadPublicKeyPEM returns the PEM-encoded verification key, preferring the
// inline environment value over the key file.
func (c *Config) LoadPublicKeyPEM() ([]byte, error) {
	if c.PublicKeyPEM != "" {
		return []byte(c.PublicKeyPEM), nil
	}
	return os.ReadFile(c.PublicKeyPath)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s: %s, using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
