package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

EVE_DATABASE=/home/foo/eve.sqlite3
EVE_DATABASE_TYPE=sqlite
EVE_DATABASE_LOG_LEVEL=INFO
EVE_DATABASE_SLOW_THRESHOLD=200ms
EVE_LOG_LEVEL=INFO
EVE_LOG_DIR=/var/log/eve
EVE_STARTUP_TIMEOUT=30s
EVE_SHUTDOWN_TIMEOUT=60s

# Discord bot credentials

DISCORD_TOKEN=your-discord-bot-token
DISCORD_CLIENT_ID=your-discord-bot-app-id
BOT_HOME_GUILD=your-guild-id
OWNER_ID=your-user-id
LOGS_WEBHOOK_URL=https://discord.com/api/webhooks/123/token-123
REPORT_CHANNEL=report-channel-id
MP_CHANNEL=dm-channel-id

# Discord bot config

EVE_DISCORD_LOG_LEVEL=WARN
EVE_DISCORD_DISCORDGO_LOG_LEVEL=WARN
EVE_DISCORD_WEBHOOK_LOG_LEVEL=ERROR
EVE_DISCORD_STARTUP_MESSAGE="I'm here!"
EVE_DISCORD_GATEWAY_INTENTS=3243773

# Discord webhook server

EVE_DISCORD_WEBHOOK_SERVER_ENABLED=false
EVE_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5001
EVE_DISCORD_WEBHOOK_SERVER_SSL_CERT=/etc/ssl/cert.pem
EVE_DISCORD_WEBHOOK_SERVER_SSL_KEY=/etc/ssl/cert.key
EVE_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=771
EVE_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
EVE_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
EVE_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=5s
EVE_DISCORD_WEBHOOK_SERVER_READ_HEADER_TIMEOUT=5s
EVE_DISCORD_WEBHOOK_SERVER_WRITE_TIMEOUT=10s
EVE_DISCORD_WEBHOOK_SERVER_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--env-file=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/eve.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/eve.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, "/var/log/eve", viper.GetString("log_dir"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "your-guild-id", viper.GetString("discord.home_guild_id"))
	assert.Equal(t, "your-user-id", viper.GetString("discord.owner_id"))
	assert.Equal(
		t,
		"https://discord.com/api/webhooks/123/token-123",
		viper.GetString("discord.log_webhook_url"),
	)
	assert.Equal(t, "report-channel-id", viper.GetString("discord.report_channel_id"))
	assert.Equal(t, "dm-channel-id", viper.GetString("discord.dm_channel_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.webhook_log_level"))
	assert.Equal(t, slog.LevelError, cfg.Discord.WebhookLogLevel.Level())
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.False(t, viper.GetBool("discord.webhook_server.enabled"))
	assert.Equal(t, "127.0.0.1:5001", viper.GetString("discord.webhook_server.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("discord.webhook_server.ssl.cert"))
	assert.Equal(t, "/etc/ssl/cert.key", viper.GetString("discord.webhook_server.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("discord.webhook_server.ssl.tls_min_version"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("discord.webhook_server.log_level"))

	assert.Equal(
		t,
		"your_discord_public_key_here",
		viper.GetString("discord.webhook_server.public_key"),
	)
	assert.Equal(t, 5*time.Second, viper.GetDuration("discord.webhook_server.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("discord.webhook_server.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("discord.webhook_server.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("discord.webhook_server.idle_timeout"))
}

func TestLevelToStringHookFunc(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
	} {
		t.Run(
			tc.in, func(t *testing.T) {
				lvl, err := getLogLevel(tc.in)
				require.NoError(t, err)
				assert.Equal(t, tc.expected, lvl)
			},
		)
	}

	_, err := getLogLevel("LOUD")
	assert.Error(t, err)
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}
