//nolint:lll // struct tags can't be split
package eve

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "EVE_ENV_PREFIX"
	DefaultEnvPrefix   = "EVE"

	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "eve.sqlite3"
	DefaultLogDir          = "logs"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn

	// DefaultWebhookLogLevel is the minimum severity forwarded to the
	// Discord log webhook. Everything below it only reaches the console
	// and the daily log file.
	DefaultWebhookLogLevel = slog.LevelWarn

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordErrorMessage  = "sorry, something went wrong!"
	DefaultDiscordStartupMessage = "I'm here!"

	DefaultReadTimeout                       = 5 * time.Second
	DefaultReadHeaderTimeout                 = 5 * time.Second
	DefaultWriteTimeout                      = 10 * time.Second
	DefaultIdleTimeout                       = 30 * time.Second
	DefaultDiscordWebhookServerListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSminVersion = tls.VersionTLS12
	defaultListenNetwork                     = "tcp"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// LogDir is the directory the daily log files are written to
	LogDir string `yaml:"log_dir" mapstructure:"log_dir" json:"log_dir"`

	// Discord configures the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// HomeGuildID is the guild slash commands are registered against
	HomeGuildID string `yaml:"home_guild_id" mapstructure:"home_guild_id" json:"home_guild_id" binding:"required"`

	// OwnerID is the Discord user ID of the bot owner
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id" binding:"required"`

	// LogWebhookURL is the Discord webhook log entries above
	// WebhookLogLevel are forwarded to
	LogWebhookURL string `yaml:"log_webhook_url" mapstructure:"log_webhook_url" json:"log_webhook_url" log:"[redacted]" binding:"required"`

	// ReportChannelID is the channel user reports (and the startup
	// message) are sent to
	ReportChannelID string `yaml:"report_channel_id" mapstructure:"report_channel_id" json:"report_channel_id" binding:"required"`

	// DMChannelID is the channel relayed direct messages are sent to
	DMChannelID string `yaml:"dm_channel_id" mapstructure:"dm_channel_id" json:"dm_channel_id" binding:"required"`

	// WebhookLogLevel is the minimum severity forwarded to LogWebhookURL
	WebhookLogLevel *slog.LevelVar `yaml:"webhook_log_level" mapstructure:"webhook_log_level" json:"webhook_log_level"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// StartupMessage is sent to ReportChannelID whenever the bot connects
	// to the discord gateway
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Required when receiving interactions via webhook rather than the gateway
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig configures the optional HTTP server that
// receives Discord interactions by webhook instead of the gateway.
type DiscordWebhookServerConfig struct {
	// Determines if the webhook server should be active.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	// The logging level for the webhook server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true,min=1s"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// requiredEnvVars maps the namespace of each required Discord config
// field to the environment variable that populates it, so startup
// failures can call out exactly what's missing.
var requiredEnvVars = map[string]string{
	"Config.Discord.Token":           "DISCORD_TOKEN",
	"Config.Discord.ApplicationID":   "DISCORD_CLIENT_ID",
	"Config.Discord.HomeGuildID":     "BOT_HOME_GUILD",
	"Config.Discord.OwnerID":         "OWNER_ID",
	"Config.Discord.LogWebhookURL":   "LOGS_WEBHOOK_URL",
	"Config.Discord.ReportChannelID": "REPORT_CHANNEL",
	"Config.Discord.DMChannelID":     "MP_CHANNEL",
}

// MissingEnvError is returned from [Config.Validate] when one or more
// required environment values are absent. It enumerates every missing
// variable, not just the first.
type MissingEnvError struct {
	Missing []string
}

func (e MissingEnvError) Error() string {
	return fmt.Sprintf(
		"missing environment variables: %s",
		strings.Join(e.Missing, ", "),
	)
}

// Validate checks the configuration, translating 'required' failures
// on environment-sourced fields into a [MissingEnvError].
func (c *Config) Validate() error {
	err := structValidator.Struct(c)
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	var missing []string
	var other validator.ValidationErrors
	for _, fe := range validationErrs {
		if fe.Tag() == "required" {
			if envVar, isEnv := requiredEnvVars[fe.StructNamespace()]; isEnv {
				missing = append(missing, envVar)
				continue
			}
		}
		other = append(other, fe)
	}

	if len(missing) > 0 {
		return MissingEnvError{Missing: missing}
	}
	return other
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	webhookLogLevel := &slog.LevelVar{}
	webhookServerLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	webhookLogLevel.Set(DefaultWebhookLogLevel)
	webhookServerLogLevel.Set(DefaultLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		LogDir:                DefaultLogDir,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				Enabled:       false,
				Listen:        DefaultDiscordWebhookServerListen,
				ListenNetwork: defaultListenNetwork,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookServerTLSminVersion,
				},
				LogLevel:          webhookServerLogLevel,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			WebhookLogLevel:   webhookLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
		},
	}
}
