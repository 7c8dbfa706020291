package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	appctx "github.com/quillpay/platform/libs/context"
	"github.com/quillpay/platform/libs/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// RootCmd is the base command (what the binary is called)
	RootCmd = &cobra.Command{
		Use:   "platform",
		Short: "platform provides the payments and incentives services",
	}
	ctx = context.Background()
)

// Execute is the main entrypoint for all subcommands in platform
func Execute(version, commit, buildTime string) {
	// setup context with logging, but first we need to setup the environment
	var logger *zerolog.Logger
	ctx = context.WithValue(ctx, appctx.EnvironmentCTXKey, viper.Get("environment"))
	ctx = context.WithValue(ctx, appctx.DebugLoggingCTXKey, viper.GetBool("debug"))
	ctx, logger = logging.SetupLogger(ctx)

	ctx = context.WithValue(ctx, appctx.VersionCTXKey, version)
	ctx = context.WithValue(ctx, appctx.CommitCTXKey, commit)
	ctx = context.WithValue(ctx, appctx.BuildTimeCTXKey, buildTime)

	// execute the root cmd
	if err := RootCmd.ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("./platform command encountered an error")
		os.Exit(1)
	}
}

func init() {
	// env - defaults to local
	RootCmd.PersistentFlags().String("environment", "local",
		"the default environment")
	Must(viper.BindPFlag("environment", RootCmd.PersistentFlags().Lookup("environment")))
	Must(viper.BindEnv("environment", "ENV"))

	// debug logging - defaults to off
	RootCmd.PersistentFlags().Bool("debug", false, "turn on debug logging")
	Must(viper.BindPFlag("debug", RootCmd.PersistentFlags().Lookup("debug")))
	Must(viper.BindEnv("debug", "DEBUG"))

	// bootstrap mongo connection (required by all)
	RootCmd.PersistentFlags().String("mongo-uri", "mongodb://localhost:27017",
		"the bootstrap mongo connection uri")
	Must(viper.BindPFlag("mongo-uri", RootCmd.PersistentFlags().Lookup("mongo-uri")))
	Must(viper.BindEnv("mongo-uri", "MONGO_URI"))

	// audit store connection (required by all)
	RootCmd.PersistentFlags().String("postgres-uri", "",
		"the audit store postgres connection uri")
	Must(viper.BindPFlag("postgres-uri", RootCmd.PersistentFlags().Lookup("postgres-uri")))
	Must(viper.BindEnv("postgres-uri", "DATABASE_URL"))

	// redis (required by all)
	RootCmd.PersistentFlags().String("redis-url", "redis://localhost:6379",
		"the redis connection url")
	Must(viper.BindPFlag("redis-url", RootCmd.PersistentFlags().Lookup("redis-url")))
	Must(viper.BindEnv("redis-url", "REDIS_URL"))

	// jwt signing secret
	RootCmd.PersistentFlags().String("jwt-signing-secret", "",
		"the hmac secret used to sign access and refresh tokens")
	Must(viper.BindPFlag("jwt-signing-secret", RootCmd.PersistentFlags().Lookup("jwt-signing-secret")))
	Must(viper.BindEnv("jwt-signing-secret", "JWT_SIGNING_SECRET"))

	// exchange rate provider
	RootCmd.PersistentFlags().String("rate-provider-url", "",
		"the exchange rate provider address")
	Must(viper.BindPFlag("rate-provider-url", RootCmd.PersistentFlags().Lookup("rate-provider-url")))
	Must(viper.BindEnv("rate-provider-url", "RATE_PROVIDER_URL"))

	RootCmd.AddCommand(VersionCmd)
}

// VersionCmd is the command to get the code's version information
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "get the version of this binary",
	Run:   versionRun,
}

func versionRun(command *cobra.Command, args []string) {
	version := command.Context().Value(appctx.VersionCTXKey).(string)
	commit := command.Context().Value(appctx.CommitCTXKey).(string)
	buildTime := command.Context().Value(appctx.BuildTimeCTXKey).(string)
	fmt.Printf("version: %s\ncommit: %s\nbuild time: %s\n",
		version, commit, buildTime,
	)
}

// Must is a helper which panics on error, for wiring that has to succeed
func Must(err error) {
	if err != nil {
		fmt.Printf("failed to initialize: %s\n", err.Error())
		// exit with failure
		os.Exit(1)
	}
}

// Perform performs a run
func Perform(action string, fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		err := fn(cmd, args)
		if err != nil {
			logger, lerr := appctx.GetLogger(cmd.Context())
			if lerr != nil {
				_, logger = logging.SetupLogger(cmd.Context())
			}
			logger.Err(err).Str("action", action).Msg("failed")
		}
		<-time.After(10 * time.Millisecond)
		if err != nil {
			os.Exit(1)
		}
	}
}
