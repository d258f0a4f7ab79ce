/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the wallet-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort         string `mapstructure:"SERVER_PORT"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	RedisRatePrefix    string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	TransferEventQueue string `mapstructure:"TRANSFER_EVENT_QUEUE"`

	BitnobAPIBaseURL    string `mapstructure:"BITNOB_API_BASE_URL"`
	BitnobAPIKey        string `mapstructure:"BITNOB_API_KEY"`
	BitnobSecretKey     string `mapstructure:"BITNOB_SECRET_KEY"`
	BitnobWebhookSecret string `mapstructure:"BITNOB_WEBHOOK_SECRET"`

	TwilioAccountSID     string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken      string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioWhatsAppNumber string `mapstructure:"TWILIO_WHATSAPP_NUMBER"`

	AdminToken string `mapstructure:"ADMIN_TOKEN"`

	OTPLength             int `mapstructure:"OTP_LENGTH"`
	OTPExpiryMinutes      int `mapstructure:"OTP_EXPIRY_MINUTES"`
	OTPMaxAttempts        int `mapstructure:"OTP_MAX_ATTEMPTS"`
	OTPIssueLimit         int `mapstructure:"OTP_ISSUE_LIMIT"`
	OTPIssueWindowMinutes int `mapstructure:"OTP_ISSUE_WINDOW_MINUTES"`

	LockoutCooldownSeconds    int `mapstructure:"LOCKOUT_COOLDOWN_SECONDS"`
	SessionIdleTimeoutMinutes int `mapstructure:"SESSION_IDLE_TIMEOUT_MINUTES"`

	MinSendAmountSats int64 `mapstructure:"MIN_SEND_AMOUNT_SATS"`
	MaxSendAmountSats int64 `mapstructure:"MAX_SEND_AMOUNT_SATS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("TRANSFER_EVENT_QUEUE", "wallet_service.transfer_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "satchat:rate_limit")
	viper.SetDefault("OTP_LENGTH", 6)
	viper.SetDefault("OTP_EXPIRY_MINUTES", 5)
	viper.SetDefault("OTP_MAX_ATTEMPTS", 3)
	viper.SetDefault("OTP_ISSUE_LIMIT", 5)
	viper.SetDefault("OTP_ISSUE_WINDOW_MINUTES", 5)
	viper.SetDefault("LOCKOUT_COOLDOWN_SECONDS", 600)
	viper.SetDefault("SESSION_IDLE_TIMEOUT_MINUTES", 30)
	viper.SetDefault("MIN_SEND_AMOUNT_SATS", 10_000)      // 0.0001 BTC
	viper.SetDefault("MAX_SEND_AMOUNT_SATS", 100_000_000) // 1 BTC

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TRANSFER_EVENT_QUEUE")
	_ = viper.BindEnv("BITNOB_API_BASE_URL")
	_ = viper.BindEnv("BITNOB_API_KEY")
	_ = viper.BindEnv("BITNOB_SECRET_KEY")
	_ = viper.BindEnv("BITNOB_WEBHOOK_SECRET")
	_ = viper.BindEnv("TWILIO_ACCOUNT_SID")
	_ = viper.BindEnv("TWILIO_AUTH_TOKEN")
	_ = viper.BindEnv("TWILIO_WHATSAPP_NUMBER")
	_ = viper.BindEnv("ADMIN_TOKEN")
	_ = viper.BindEnv("OTP_LENGTH")
	_ = viper.BindEnv("OTP_EXPIRY_MINUTES")
	_ = viper.BindEnv("OTP_MAX_ATTEMPTS")
	_ = viper.BindEnv("OTP_ISSUE_LIMIT")
	_ = viper.BindEnv("OTP_ISSUE_WINDOW_MINUTES")
	_ = viper.BindEnv("LOCKOUT_COOLDOWN_SECONDS")
	_ = viper.BindEnv("SESSION_IDLE_TIMEOUT_MINUTES")
	_ = viper.BindEnv("MIN_SEND_AMOUNT_SATS")
	_ = viper.BindEnv("MAX_SEND_AMOUNT_SATS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	// Platform-provided PORT wins over SERVER_PORT.
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRatePrefix = strings.TrimSpace(config.RedisRatePrefix)
	if config.RedisRatePrefix == "" {
		config.RedisRatePrefix = "satchat:rate_limit"
	}

	if config.OTPLength < 4 || config.OTPLength > 10 {
		log.Printf("level=warn component=config msg=\"otp length out of range; coercing to 6\" otp_length=%d", config.OTPLength)
		config.OTPLength = 6
	}
	if config.OTPExpiryMinutes <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive otp expiry; coercing to 5\" otp_expiry_minutes=%d", config.OTPExpiryMinutes)
		config.OTPExpiryMinutes = 5
	}
	if config.OTPMaxAttempts <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive otp attempts; coercing to 3\" otp_max_attempts=%d", config.OTPMaxAttempts)
		config.OTPMaxAttempts = 3
	}
	if config.OTPIssueLimit <= 0 {
		config.OTPIssueLimit = 5
	}
	if config.OTPIssueWindowMinutes <= 0 {
		config.OTPIssueWindowMinutes = 5
	}
	if config.LockoutCooldownSeconds <= 0 {
		config.LockoutCooldownSeconds = 600
	}
	if config.SessionIdleTimeoutMinutes <= 0 {
		config.SessionIdleTimeoutMinutes = 30
	}

	if config.MinSendAmountSats <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive minimum send amount; coercing to 10000\" min_send_sats=%d", config.MinSendAmountSats)
		config.MinSendAmountSats = 10_000
	}
	if config.MaxSendAmountSats <= config.MinSendAmountSats {
		log.Printf("level=warn component=config msg=\"maximum send amount below minimum; coercing to 1 BTC\" max_send_sats=%d", config.MaxSendAmountSats)
		config.MaxSendAmountSats = 100_000_000
	}

	return
}
