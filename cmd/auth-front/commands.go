package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/auth-front/internal"
	"github.com/dgellow/auth-front/internal/config"
	"github.com/dgellow/auth-front/internal/devidp"
	"github.com/dgellow/auth-front/internal/envutil"
	"github.com/dgellow/auth-front/internal/log"
	"github.com/dgellow/auth-front/internal/server"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "auth-front",
		Short:         "Session backend that turns OpenID Connect codes into cookie sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newConfigInitCmd(),
		newDevIDPCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), BuildVersion)
		},
	}
}

func newServeCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
				return err
			}

			log.LogInfoWithFields("main", "Starting auth-front", map[string]any{
				"version": BuildVersion,
				"config":  path,
			})

			app, err := internal.NewAuthFront(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to create session backend: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "path to config file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file without resolving environment variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validateConfig(cmd.OutOrStdout(), path)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "path to config file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-init <path>",
		Short: "Write a starter config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := generateDefaultConfig(args[0]); err != nil {
				return fmt.Errorf("failed to generate config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated default config at: %s\n", args[0])
			return nil
		},
	}
}

func newDevIDPCmd() *cobra.Command {
	var (
		addr         string
		issuer       string
		clientID     string
		redirectURIs []string
		logoutURIs   []string
		user         devidp.User
	)
	cmd := &cobra.Command{
		Use:   "dev-idp",
		Short: "Run a local OpenID Connect provider with a single signed-in user",
		Long: `Runs a local OpenID Connect provider for development. Every authorization
request is granted for the configured user. The client secret is read from
AUTH_FRONT_DEV_CLIENT_SECRET; without it the client is public.

Refuses to start unless AUTH_FRONT_ENV is development.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !envutil.IsDev() {
				return fmt.Errorf("dev-idp signs in anyone who asks; set %s=development to run it", envutil.EnvVar)
			}
			provider, err := devidp.New(devidp.Config{
				Issuer:       issuer,
				ClientID:     clientID,
				ClientSecret: os.Getenv("AUTH_FRONT_DEV_CLIENT_SECRET"),
				RedirectURIs: redirectURIs,
				LogoutURIs:   logoutURIs,
				User:         user,
			})
			if err != nil {
				return err
			}
			return serveUntilSignal(cmd.Context(), server.NewHTTPServer(provider.Handler(), addr))
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", ":9000", "listen address")
	f.StringVar(&issuer, "issuer", "http://localhost:9000", "issuer URL, as reachable by auth-front")
	f.StringVar(&clientID, "client-id", "spa-client", "registered client ID")
	f.StringSliceVar(&redirectURIs, "redirect-uri", []string{"http://localhost:5173"}, "registered redirect URI, matched byte for byte")
	f.StringSliceVar(&logoutURIs, "logout-uri", []string{"http://localhost:5173"}, "registered logout URI")
	f.StringVar(&user.Subject, "sub", "dev-user", "subject of the signed-in user")
	f.StringVar(&user.Email, "email", "dev@example.com", "email of the signed-in user")
	f.BoolVar(&user.EmailVerified, "email-verified", true, "whether the email is verified")
	f.StringVar(&user.Username, "username", "dev", "username of the signed-in user")
	return cmd
}

func serveUntilSignal(ctx context.Context, srv *server.HTTPServer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() { errChan <- srv.Start() }()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": config.VersionPrefix,
		"server": map[string]any{
			"addr":           ":8080",
			"allowedOrigins": []string{"https://app.yourcompany.com"},
			"rateLimit": map[string]any{
				"requestsPerMinute": 30,
				"burst":             10,
			},
		},
		"idp": map[string]any{
			"issuer":       "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_EXAMPLE",
			"clientId":     map[string]string{"$env": "IDP_CLIENT_ID"},
			"clientSecret": map[string]string{"$env": "IDP_CLIENT_SECRET"},
			"redirectUri":  "https://app.yourcompany.com",
			"logoutUri":    "https://app.yourcompany.com",
			"logoutUrl":    "https://auth.yourcompany.com/logout",
			"scopes":       []string{"openid", "email", "profile"},
			"signOut": map[string]any{
				"kind":   "cognito",
				"region": "us-east-1",
			},
		},
		"session": map[string]any{
			"secret":   map[string]string{"$env": "SESSION_SECRET"},
			"sameSite": "lax",
		},
		"ledger": map[string]any{
			"kind": "redis",
			"ttl":  "10m",
			"redis": map[string]any{
				"addr":     "localhost:6379",
				"password": map[string]string{"$env": "REDIS_PASSWORD"},
			},
		},
		"logging": map[string]any{
			"level":  "info",
			"format": "json",
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(out io.Writer, path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Fprintf(out, "Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			printIssue(out, err)
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			printIssue(out, warn)
		}
	}

	fmt.Fprintln(out)
	switch {
	case len(result.Errors) == 0 && len(result.Warnings) == 0:
		fmt.Fprintln(out, "Result: PASS")
		return nil
	case len(result.Errors) == 0:
		fmt.Fprintln(out, "Result: FAIL (warnings present)")
	default:
		fmt.Fprintln(out, "Result: FAIL")
	}
	return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
}

func printIssue(out io.Writer, issue config.ValidationError) {
	if issue.Path != "" {
		fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
	} else {
		fmt.Fprintf(out, "  - %s\n", issue.Message)
	}
}
