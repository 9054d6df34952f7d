package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config stores runtime configuration loaded from environment variables.
// Only the fields for the selected storage and sink need to be set.
type Config struct {
	Port      string
	JWTSecret string

	SQLitePath string
	MongoURI   string
	MongoDB    string

	WebhookURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
}

// Load reads configuration values and prepares defaults where applicable.
// A .env file in the working directory is honored if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:      getenvDefault("PORT", "8080"),
		JWTSecret: os.Getenv("JWT_SECRET"),

		SQLitePath: getenvDefault("SQLITE_PATH", "reminders.db"),
		MongoURI:   getenvDefault("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:    getenvDefault("MONGO_DB", "reminders"),

		WebhookURL: os.Getenv("WEBHOOK_URL"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     parseIntEnv("SMTP_PORT", 587),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM"),
	}
}

func getenvDefault(key, def string) string {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	return value
}

func parseIntEnv(key string, def int) int {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Err(err).Msg("unable to parse env var as int, using default")
		return def
	}
	return parsed
}
