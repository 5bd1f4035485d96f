package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Session backends.
const (
	SessionBackendMemory   = "memory"
	SessionBackendRedis    = "redis"
	SessionBackendDynamoDB = "dynamodb"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	// Session store
	SessionBackend  string
	SessionTable    string
	SessionTTL      time.Duration
	EndedSessionTTL time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisTLS        bool

	// Dialogue
	ClinicName                string
	ClinicTimezone            string
	HandoffLinkBase           string
	SafetyValveTurns          int
	IntentConfidenceThreshold float64
	AppointmentTypeNew        string
	AppointmentTypeReturning  string

	// Scheduling system (FHIR)
	SchedulerBaseURL      string
	SchedulerClientID     string
	SchedulerClientSecret string
	SchedulerTimeout      time.Duration

	// Intent classification
	BedrockModelID string
	GeminiAPIKey   string
	GeminiModelID  string

	// SMS
	SMSProvider              string
	TelnyxAPIKey             string
	TelnyxMessagingProfileID string
	TelnyxFromNumber         string
	TwilioAccountSID         string
	TwilioAuthToken          string
	TwilioFromNumber         string
	TwilioValidateSignature  bool

	// Alerts
	AlertEmail        string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string

	// Outcome sinks
	OutcomeQueueURL  string
	TranscriptBucket string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	AdminJWTSecret     string
	CORSAllowedOrigins []string
	TelnyxAssistantID  string
	WebhookRateLimit   float64
	WebhookRateBurst   int
	// ProcessedEventRetention bounds the processed_events dedupe table.
	ProcessedEventRetention time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		SessionBackend:  strings.ToLower(strings.TrimSpace(getEnv("SESSION_BACKEND", SessionBackendRedis))),
		SessionTable:    getEnv("SESSION_TABLE", "call_sessions"),
		SessionTTL:      getEnvAsDuration("SESSION_TTL", 2*time.Hour),
		EndedSessionTTL: getEnvAsDuration("ENDED_SESSION_TTL", 10*time.Minute),
		RedisAddr:       getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisTLS:        getEnvAsBool("REDIS_TLS", false),

		ClinicName:                getEnv("CLINIC_NAME", "the clinic"),
		ClinicTimezone:            getEnv("CLINIC_TIMEZONE", "America/New_York"),
		HandoffLinkBase:           getEnv("HANDOFF_LINK_BASE", ""),
		SafetyValveTurns:          getEnvAsInt("SAFETY_VALVE_TURNS", 2),
		IntentConfidenceThreshold: getEnvAsFloat("INTENT_CONFIDENCE_THRESHOLD", 0.5),
		AppointmentTypeNew:        getEnv("APPOINTMENT_TYPE_NEW", "new-patient"),
		AppointmentTypeReturning:  getEnv("APPOINTMENT_TYPE_RETURNING", "follow-up"),

		SchedulerBaseURL:      getEnv("SCHEDULER_BASE_URL", ""),
		SchedulerClientID:     getEnv("SCHEDULER_CLIENT_ID", ""),
		SchedulerClientSecret: getEnv("SCHEDULER_CLIENT_SECRET", ""),
		SchedulerTimeout:      getEnvAsDuration("SCHEDULER_TIMEOUT", 4*time.Second),

		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:  getEnv("GEMINI_MODEL_ID", "gemini-1.5-flash"),

		SMSProvider:              strings.ToLower(strings.TrimSpace(getEnv("SMS_PROVIDER", "auto"))),
		TelnyxAPIKey:             getEnv("TELNYX_API_KEY", ""),
		TelnyxMessagingProfileID: getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		TelnyxFromNumber:         getEnv("TELNYX_FROM_NUMBER", ""),
		TwilioAccountSID:         getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:          getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:         getEnv("TWILIO_FROM_NUMBER", ""),
		TwilioValidateSignature:  getEnvAsBool("TWILIO_VALIDATE_SIGNATURE", true),

		AlertEmail:        getEnv("ALERT_EMAIL", ""),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Clinic Voice Booking"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),

		OutcomeQueueURL:  getEnv("OUTCOME_QUEUE_URL", ""),
		TranscriptBucket: getEnv("TRANSCRIPT_BUCKET", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		AdminJWTSecret:          getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins:      splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
		TelnyxAssistantID:       getEnv("TELNYX_ASSISTANT_ID", ""),
		WebhookRateLimit:        getEnvAsFloat("WEBHOOK_RATE_LIMIT", 20),
		WebhookRateBurst:        getEnvAsInt("WEBHOOK_RATE_BURST", 40),
		ProcessedEventRetention: getEnvAsDuration("PROCESSED_EVENT_RETENTION", 72*time.Hour),
	}
}

// Location resolves the clinic timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c == nil || c.ClinicTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
