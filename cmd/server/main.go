package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/KevinKickass/OpenAcqCore/internal/auth"
	"github.com/KevinKickass/OpenAcqCore/internal/config"
	"github.com/KevinKickass/OpenAcqCore/internal/devices"
	"github.com/KevinKickass/OpenAcqCore/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "oacqd",
		Short:        "OpenAcqCore acquisition daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration (defaults and OACQ_* variables when empty)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST and gRPC servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate <descriptor>...",
		Short: "Check device descriptors against the schema",
		Long:  "Check YAML or JSON device descriptors against the schema. Known drivers: " + drivers() + ".",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(cmd, args)
		},
	}

	hashCmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print an argon2id hash for auth.users[].password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.NewPasswordHasher().HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, validateCmd, hashCmd)
	return rootCmd
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lifecycle, err := system.NewLifecycleManager(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize system", zap.Error(err))
		return err
	}

	logger.Info("OpenAcqCore starting",
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("OpenAcqCore stopped with error", zap.Error(err))
		return err
	}

	logger.Info("OpenAcqCore stopped")
	return nil
}

func validate(cmd *cobra.Command, paths []string) error {
	validator, err := devices.NewValidator()
	if err != nil {
		return err
	}
	loader := devices.NewProfileLoader(nil, validator)

	failed := 0
	for _, path := range paths {
		desc, err := loader.LoadFile(path)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, driver %s, %d channel sets)\n",
			filepath.Base(path), desc.Name, desc.Driver, len(desc.ChannelSets))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d descriptors invalid", failed, len(paths))
	}
	return nil
}

// drivers lists the names accepted in descriptors, for the help text.
func drivers() string {
	return strings.Join(devices.NewComposer(0, zap.NewNop()).Drivers(), ", ")
}
