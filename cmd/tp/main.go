package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskpilot/internal/app"
	"taskpilot/internal/config"
	"taskpilot/internal/logging"
	"taskpilot/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tp",
	Short: "Taskpilot API server and admin CLI",
	Long: `Taskpilot stores users, projects and coding-agent tasks behind a token-authenticated HTTP API.
- serve: run the API (bearer JWT auth, /api/openapi.json, /metrics).
- migrate: apply the embedded schema to the configured database.
- token issue: mint a token for an existing user.
- project list / task list: inspect a user's data.
- legacy import: move tasks from the old JSON/YAML store into the database.
Settings come from --config (YAML), TASKPILOT_* environment variables and a .env file.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}
	viper.SetEnvPrefix("TASKPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "directory holding .taskpilot/taskpilot.db")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("database.workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(legacyCmd())
}

// loadConfig layers defaults, the --config file and TASKPILOT_* overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := viper.GetString("config"); path != "" {
		fromFile, err := config.FromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fromFile
	}
	setString := func(key string, dst *string) {
		if viper.IsSet(key) && viper.GetString(key) != "" {
			*dst = viper.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if viper.IsSet(key) {
			*dst = viper.GetInt(key)
		}
	}
	setString("server.addr", &cfg.Server.Addr)
	setString("server.base_path", &cfg.Server.BasePath)
	if viper.IsSet("server.enable_init_db") {
		cfg.Server.EnableInitDB = viper.GetBool("server.enable_init_db")
	}
	if viper.IsSet("server.trust_proxy") {
		cfg.Server.TrustProxy = viper.GetBool("server.trust_proxy")
	}
	setString("database.driver", &cfg.Database.Driver)
	setString("database.dsn", &cfg.Database.DSN)
	setString("database.workspace", &cfg.Database.Workspace)
	setInt("database.connect_attempts", &cfg.Database.ConnectAttempts)
	setString("auth.jwt_secret", &cfg.Auth.JWTSecret)
	setInt("auth.bcrypt_cost", &cfg.Auth.BcryptCost)
	setString("redis.addr", &cfg.Redis.Addr)
	setString("redis.password", &cfg.Redis.Password)
	setInt("redis.db", &cfg.Redis.DB)
	setInt("rate_limit.auth_per_minute", &cfg.RateLimit.AuthPerMinute)
	setString("log.level", &cfg.Log.Level)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireSecret(); err != nil {
				return err
			}
			logger := logging.SetupDefault(os.Stderr, cfg.Log.Level)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			handler, err := server.New(svc.ServerConfig(reg))
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving taskpilot api",
				"addr", cfg.Server.Addr,
				"base_path", cfg.Server.BasePath,
				"degraded", svc.Degraded(),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (default 127.0.0.1:8000)")
	cmd.Flags().String("base-path", "", "API base path (default /api)")
	cmd.Flags().Bool("enable-init-db", false, "expose POST <base>/auth/init-db without a token")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	_ = viper.BindPFlag("server.enable_init_db", cmd.Flags().Lookup("enable-init-db"))
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				out := map[string]any{"schema_version": svc.SchemaVersion, "driver": svc.Config.Database.Driver}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("schema at version %d (%s)\n", svc.SchemaVersion, svc.Config.Database.Driver)
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Manage access tokens"}
	var email string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token for an existing user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				if err := svc.Config.RequireSecret(); err != nil {
					return err
				}
				u, err := lookupUser(ctx, svc, email)
				if err != nil {
					return err
				}
				token, err := svc.Tokens.Issue(u.ID, u.Email)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"user_id": u.ID, "token": token})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	issue.Flags().StringVar(&email, "email", "", "user email")
	_ = issue.MarkFlagRequired("email")
	tok.AddCommand(issue)
	return tok
}

// withServices builds the service graph for one command and refuses to run
// without a database.
func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.Setup(os.Stderr, cfg.Log.Level)
	svc, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	if svc.Degraded() {
		return errors.New("database unavailable")
	}
	return fn(ctx, svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
