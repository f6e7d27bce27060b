package config

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	// Process
	Environment string `mapstructure:"ENVIRONMENT" validate:"oneof=development production"`
	EnvFile     string `mapstructure:"ENV_FILE"`

	// WebServer Configuration
	WebServerPort int    `mapstructure:"WEBSERVER_PORT" validate:"gte=1,lte=65535"`
	APIURL        string `mapstructure:"API_URL" validate:"required,url"`
	FrontendURL   string `mapstructure:"FRONTEND_URL" validate:"omitempty,url"`
	SessionSecret string `mapstructure:"SESSION_SECRET" validate:"required,min=48"`

	// Database Configuration
	DatabaseDSN     string `mapstructure:"DATABASE_DSN" validate:"required"`
	DatabaseRetries int    `mapstructure:"DATABASE_RETRIES"`

	// Twitch application and bot credential
	TwitchClientID        string `mapstructure:"TWITCH_CLIENT_ID" validate:"required,len=30,alphanum,lowercase"`
	TwitchClientSecret    string `mapstructure:"TWITCH_CLIENT_SECRET" validate:"required"`
	TwitchBotAccessToken  string `mapstructure:"TWITCH_BOT_ACCESS_TOKEN" validate:"required"`
	TwitchBotRefreshToken string `mapstructure:"TWITCH_BOT_REFRESH_TOKEN"`
	TwitchChannel         string `mapstructure:"TWITCH_CHANNEL" validate:"required,lowercase"`

	// Upstream endpoints, overridable for tests
	TwitchHelixURL    string `mapstructure:"TWITCH_HELIX_URL" validate:"required,url"`
	TwitchOAuthURL    string `mapstructure:"TWITCH_OAUTH_URL" validate:"required,url"`
	TwitchEventSubURL string `mapstructure:"TWITCH_EVENTSUB_URL" validate:"required"`
	KickAPIURL        string `mapstructure:"KICK_API_URL" validate:"required,url"`
}

// IsProduction reports whether the process runs with production hardening
// (HSTS, strict CORS, terse error bodies).
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// use reflect to bind environment variables based on mapstructure tags
func bindEnv(c Config) {
	val := reflect.ValueOf(c)
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		fieldVal := val.Field(i)
		tag := field.Tag.Get("mapstructure")

		if tag != "" {
			viper.BindEnv(tag)
		}

		// Handle nested structs
		if field.Type.Kind() == reflect.Struct && tag == "" {
			nestedTyp := fieldVal.Type()
			for j := 0; j < fieldVal.NumField(); j++ {
				nestedField := nestedTyp.Field(j)
				nestedTag := nestedField.Tag.Get("mapstructure")
				if nestedTag != "" {
					viper.BindEnv(nestedTag)
				}
			}
		}
	}
}

func LoadConfig(ctx context.Context) (*Config, error) {
	bindEnv(Config{})
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("ENV_FILE", ".env")
	viper.SetDefault("WEBSERVER_PORT", 3000)
	viper.SetDefault("DATABASE_RETRIES", 10)
	viper.SetDefault("TWITCH_HELIX_URL", "https://api.twitch.tv/helix")
	viper.SetDefault("TWITCH_OAUTH_URL", "https://id.twitch.tv/oauth2")
	viper.SetDefault("TWITCH_EVENTSUB_URL", "wss://eventsub.wss.twitch.tv/ws")
	viper.SetDefault("KICK_API_URL", "https://kick.com/api/v2")

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Tokens and secrets stay out of the log line.
	slog.Info("Loaded configuration",
		"environment", cfg.Environment,
		"port", cfg.WebServerPort,
		"channel", cfg.TwitchChannel,
		"api_url", cfg.APIURL,
		"frontend_url", cfg.FrontendURL,
	)

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}
