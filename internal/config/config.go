package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// AuthKey and AuthSalt seed the credential vault key and IV.
	AuthKey  string
	AuthSalt string

	DatabaseURL      string
	HTTPPort         string
	LogLevel         string
	Environment      string
	JWTSecret        string
	AdminPassword    string
	AnthropicBaseURL string
	ShutdownTimeout  int
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		logrus.Debug("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		AuthKey:          getEnv("AUTH_KEY", ""),
		AuthSalt:         getEnv("AUTH_SALT", ""),
		DatabaseURL:      getEnv("DATABASE_URL", "form_insights.db"),
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		LogLevel:         getEnv("LOG_LEVEL", "INFO"),
		Environment:      getEnv("ENVIRONMENT", "development"),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		AdminPassword:    getEnv("ADMIN_PASSWORD", ""),
		AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", ""),
		ShutdownTimeout:  getEnvAsInt("SHUTDOWN_TIMEOUT_SECONDS", 30),
	}
}

// RequireServerSecrets stops the process when the admin API cannot be secured.
func RequireServerSecrets() {
	if AppConfig.JWTSecret == "" {
		logrus.Fatal("JWT_SECRET environment variable is required")
	}
	if AppConfig.AdminPassword == "" {
		logrus.Fatal("ADMIN_PASSWORD environment variable is required")
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
