package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all service configuration
type Config struct {
	// Server settings
	HTTPAddress string

	// Slack ingress
	SlackSigningSecret string
	SlackBotToken      string
	SlackBotID         string
	SignatureTolerance time.Duration
	DedupWindow        time.Duration

	// Dispatch pipeline
	QueueSize       int
	DispatchWorkers int
	DispatchTimeout time.Duration

	// Credential broker
	MasterSecret       string
	RefreshMargin      time.Duration
	MaxRefreshDuration time.Duration
	RecordTTL          time.Duration

	// Authorization portal
	PortalBaseURL       string
	PortalSigningSecret string
	LinkTTL             time.Duration
	StateTTL            time.Duration

	// OAuth providers
	AtlassianClientID     string
	AtlassianClientSecret string

	// Machine-to-machine gateway client
	GatewayDiscoveryURL string
	GatewayClientID     string
	GatewayClientSecret string
	GatewayScope        string

	// Agent runtime
	AgentRuntimeURL        string
	AgentSigningPrivateKey string // Ed25519 private key for signing agent runtime calls
	AgentAPIPublicKey      string // Ed25519 public key for verifying internal API calls

	// Storage; empty RedisAddr selects the in-memory stores
	RedisAddr     string
	RedisPassword string
}

// LoadConfig loads configuration from files and environment variables
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Configure environment variables - do this BEFORE reading config
	v.AutomaticEnv()
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set up explicit mappings between struct fields and environment variables
	envMappings := map[string]string{
		"HTTPAddress":            "HTTP_ADDRESS",
		"SlackSigningSecret":     "SLACK_SIGNING_SECRET",
		"SlackBotToken":          "SLACK_BOT_TOKEN",
		"SlackBotID":             "SLACK_BOT_ID",
		"SignatureTolerance":     "SIGNATURE_TOLERANCE",
		"DedupWindow":            "DEDUP_WINDOW",
		"QueueSize":              "QUEUE_SIZE",
		"DispatchWorkers":        "DISPATCH_WORKERS",
		"DispatchTimeout":        "DISPATCH_TIMEOUT",
		"MasterSecret":           "CREDENTIAL_MASTER_SECRET",
		"RefreshMargin":          "REFRESH_MARGIN",
		"MaxRefreshDuration":     "MAX_REFRESH_DURATION",
		"RecordTTL":              "RECORD_TTL",
		"PortalBaseURL":          "PORTAL_BASE_URL",
		"PortalSigningSecret":    "PORTAL_SIGNING_SECRET",
		"LinkTTL":                "LINK_TTL",
		"StateTTL":               "STATE_TTL",
		"AtlassianClientID":      "ATLASSIAN_CLIENT_ID",
		"AtlassianClientSecret":  "ATLASSIAN_CLIENT_SECRET",
		"GatewayDiscoveryURL":    "GATEWAY_DISCOVERY_URL",
		"GatewayClientID":        "GATEWAY_CLIENT_ID",
		"GatewayClientSecret":    "GATEWAY_CLIENT_SECRET",
		"GatewayScope":           "GATEWAY_SCOPE",
		"AgentRuntimeURL":        "AGENT_RUNTIME_URL",
		"AgentSigningPrivateKey": "AGENT_SIGNING_PRIVATE_KEY",
		"AgentAPIPublicKey":      "AGENT_API_PUBLIC_KEY",
		"RedisAddr":              "REDIS_ADDR",
		"RedisPassword":          "REDIS_PASSWORD",
	}

	for configKey, envVar := range envMappings {
		if err := v.BindEnv(configKey, envVar); err != nil {
			log.Warn().Err(err).Msgf("Failed to bind environment variable %s for %s", envVar, configKey)
		}
	}

	// Configure the config file settings
	v.SetConfigName("agentbot_config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.agentbot")

	// Try to read from config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Info().Msgf("Using config file: %s", v.ConfigFileUsed())
	}

	// Unmarshal config into struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	// Validate required fields
	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server settings
	v.SetDefault("HTTPAddress", ":8080")

	// Ingress
	v.SetDefault("SignatureTolerance", "5m")
	v.SetDefault("DedupWindow", "5m")

	// Dispatch
	v.SetDefault("QueueSize", 64)
	v.SetDefault("DispatchWorkers", 4)
	v.SetDefault("DispatchTimeout", "15m")

	// Broker
	v.SetDefault("RefreshMargin", "60s")
	v.SetDefault("MaxRefreshDuration", "2m")
	v.SetDefault("RecordTTL", "2160h") // 90 days

	// Portal
	v.SetDefault("LinkTTL", "10m")
	v.SetDefault("StateTTL", "10m")
}

// validateConfig validates the required configuration fields
func validateConfig(config *Config) error {
	var missingVars []string

	if config.SlackSigningSecret == "" {
		missingVars = append(missingVars, "SLACK_SIGNING_SECRET")
	}

	if config.SlackBotToken == "" {
		missingVars = append(missingVars, "SLACK_BOT_TOKEN")
	}

	if config.MasterSecret == "" {
		missingVars = append(missingVars, "CREDENTIAL_MASTER_SECRET")
	}

	if config.PortalBaseURL == "" {
		missingVars = append(missingVars, "PORTAL_BASE_URL")
	}

	if config.PortalSigningSecret == "" {
		missingVars = append(missingVars, "PORTAL_SIGNING_SECRET")
	}

	if config.AgentRuntimeURL == "" {
		missingVars = append(missingVars, "AGENT_RUNTIME_URL")
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missingVars, ", "))
	}

	return nil
}
