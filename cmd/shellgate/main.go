package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shellgate-io/shellgate/internal/audit"
	"github.com/shellgate-io/shellgate/internal/config"
	"github.com/shellgate-io/shellgate/internal/executor"
	"github.com/shellgate-io/shellgate/internal/logger"
	"github.com/shellgate-io/shellgate/internal/privileged"
	"github.com/shellgate-io/shellgate/internal/session"
	"github.com/shellgate-io/shellgate/internal/transport"
	"github.com/shellgate-io/shellgate/internal/validate"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "shellgate",
		Short: "command and session execution engine",
	}
	root.AddCommand(serveCmd(), secretCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the execution engine server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			validator, err := validate.New(cfg.Validate)
			if err != nil {
				return fmt.Errorf("compile deny rules: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Validate.RulesFile != "" {
				if err := validator.LoadRulesFile(cfg.Validate.RulesFile); err != nil {
					return fmt.Errorf("load rules file: %w", err)
				}
				if err := validator.Watch(ctx, cfg.Validate.RulesFile); err != nil {
					return fmt.Errorf("watch rules file: %w", err)
				}
			}

			log, err := audit.Open(cfg.Audit.LocalPath, cfg.Audit.SharedPath)
			if err != nil {
				return fmt.Errorf("open audit log: %w", err)
			}
			defer log.Close()

			var secretHash []byte
			if hash, err := privileged.LoadSecretHash(cfg.Auth.SecretFile); err == nil {
				secretHash = hash
			} else {
				logger.Warn("no elevation secret configured; privileged execution disabled", "path", cfg.Auth.SecretFile)
			}

			exec := executor.New(validator, cfg.Executor)
			sessions := session.NewManager(exec, cfg.Session, cfg.Executor.GracePeriod)
			defer sessions.Shutdown()

			gateway := privileged.NewGateway(exec, log, secretHash)
			srv := transport.NewServer(cfg.Server, exec, sessions, gateway, validator, []byte(cfg.Auth.JWTKey))

			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "manage the elevation secret",
	}

	var configPath string
	var generate bool

	set := &cobra.Command{
		Use:   "set",
		Short: "set or generate the elevation secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			var secret string
			if generate {
				secret, err = privileged.GenerateSecret()
				if err != nil {
					return err
				}
				fmt.Printf("generated elevation secret (save it now, it is not stored):\n%s\n", secret)
			} else {
				fmt.Fprint(os.Stderr, "Elevation secret: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
				if len(raw) == 0 {
					return fmt.Errorf("empty secret")
				}
				secret = string(raw)
			}

			hash, err := privileged.HashSecret(secret)
			if err != nil {
				return err
			}
			if err := privileged.SaveSecretHash(cfg.Auth.SecretFile, hash); err != nil {
				return err
			}
			fmt.Printf("secret hash written to %s\n", cfg.Auth.SecretFile)
			return nil
		},
	}
	set.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	set.Flags().BoolVar(&generate, "generate", false, "generate a random secret instead of prompting")

	cmd.AddCommand(set)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
