package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/f0wlerz/goblins/eve"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg     = eve.DefaultConfig()
	envFile string
)

var rootCmd = &cobra.Command{
	Use: "eve [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if envFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", envFile)
		if err := godotenv.Load(envFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", eve.DefaultDatabase)
	viper.SetDefault("database_type", eve.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		eve.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		eve.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", eve.DefaultLogLevel.String())
	viper.SetDefault("log_dir", eve.DefaultLogDir)

	viper.SetDefault("startup_timeout", eve.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", eve.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.home_guild_id", "")
	viper.SetDefault("discord.owner_id", "")
	viper.SetDefault("discord.log_webhook_url", "")
	viper.SetDefault("discord.report_channel_id", "")
	viper.SetDefault("discord.dm_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		eve.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		eve.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.webhook_log_level",
		eve.DefaultWebhookLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		eve.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", eve.DefaultDiscordStartupMessage)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		eve.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault(
		"discord.webhook_server.read_timeout",
		eve.DefaultReadTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		eve.DefaultReadHeaderTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.write_timeout",
		eve.DefaultWriteTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.idle_timeout",
		eve.DefaultIdleTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		eve.DefaultWebhookLogLevel.String(),
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Required credentials come from un-prefixed environment variables
	// (typically via a .env file)
	fatalErr(viper.BindEnv("discord.token", "DISCORD_TOKEN"))
	fatalErr(viper.BindEnv("discord.application_id", "DISCORD_CLIENT_ID"))
	fatalErr(viper.BindEnv("discord.home_guild_id", "BOT_HOME_GUILD"))
	fatalErr(viper.BindEnv("discord.owner_id", "OWNER_ID"))
	fatalErr(viper.BindEnv("discord.log_webhook_url", "LOGS_WEBHOOK_URL"))
	fatalErr(viper.BindEnv("discord.report_channel_id", "REPORT_CHANNEL"))
	fatalErr(viper.BindEnv("discord.dm_channel_id", "MP_CHANNEL"))

	// Discord: Webhook server: SSL
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.tls_min_version"))

	envPrefix := os.Getenv(eve.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = eve.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	logLevelKeys := []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"discord.webhook_log_level",
		"discord.webhook_server.log_level",
	}
	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&envFile,
		"env-file",
		"",
		"Environment file to load (defaults to .env in the working directory)",
	)
}
