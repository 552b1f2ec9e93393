package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	DeepgramAPIKey string

	AnthropicAPIKey string
	AnthropicModel  string

	TwilioAccountSID string
	TwilioAuthToken  string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string
	UsageTable             string
	PlaybookPath           string

	TriggerPolicyPath string
	AuthPassword      string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := Config{
		HTTPAddress:            getEnv("HTTP_ADDRESS", ":8080"),
		DeepgramAPIKey:         os.Getenv("DEEPGRAM_API_KEY"),
		AnthropicAPIKey:        os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:         getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		TwilioAccountSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:        os.Getenv("TWILIO_AUTH_TOKEN"),
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getEnv("SUPABASE_BUCKET", "call-assets"),
		UsageTable:             getEnv("USAGE_TABLE", "usage_ledger"),
		PlaybookPath:           getEnv("PLAYBOOK_PATH", "playbooks/life.json"),
		TriggerPolicyPath:      os.Getenv("TRIGGER_POLICY_PATH"),
		AuthPassword:           os.Getenv("AUTH_PASSWORD"),
	}

	if cfg.DeepgramAPIKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - transcription will not work")
	}
	if cfg.AnthropicAPIKey == "" {
		log.Println("Warning: ANTHROPIC_API_KEY not set - guidance generation will not work")
	}
	if cfg.TwilioAuthToken == "" {
		log.Println("Warning: TWILIO_AUTH_TOKEN not set - telephony webhooks disabled")
	}
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceRoleKey == "" {
		log.Println("Warning: Supabase not configured - recordings, playbooks and usage ledger disabled")
	}
	if cfg.AuthPassword == "" {
		log.Println("Warning: AUTH_PASSWORD not set - browser endpoints are open")
	}

	log.Printf("config: HTTP_ADDRESS=%s", cfg.HTTPAddress)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
