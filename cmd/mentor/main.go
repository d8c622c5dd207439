package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mentorline/internal/app"
	"mentorline/internal/config"
	"mentorline/internal/engine"
	"mentorline/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "mentor",
	Short: "Mentor CLI",
	Long: `Mentor turns pasted plans into goals and tasks and keeps a short daily queue.
- Goals own tasks; tasks start pending and end done, stuck or blocked.
- Today's queue holds the oldest pending tasks, up to queue.capacity.
- Status updates always apply to the first task of today's queue.
- A morning digest and one-shot reminders go to every registered recipient.
- Workspace: .mentor/ holds the SQLite database; mentor.yml holds settings.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// a missing .env file is fine
	_ = godotenv.Load()
	viper.SetEnvPrefix("MENTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/mentor.yml)")
	rootCmd.PersistentFlags().String("conversation", "cli", "conversation id used as actor and recipient")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("conversation", rootCmd.PersistentFlags().Lookup("conversation"))
}

func registerCommands() {
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(todayCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(remindCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(digestCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadConfig reads mentor.yml (or --config) and applies MENTOR_* overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, readErr
		}
		cfg, err = config.FromYAML(data)
	} else {
		cfg, err = config.LoadOrDefault(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *config.Config) {
	if v := viper.GetString("timezone"); v != "" {
		cfg.Timezone = v
	}
	if v := viper.GetString("storage.driver"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := viper.GetString("storage.url"); v != "" {
		cfg.Storage.URL = v
	}
	if v := viper.GetString("server.addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v := viper.GetString("jwt.secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("log.level"); v != "" {
		cfg.Log.Level = v
	}
	if viper.IsSet("queue.capacity") {
		if n := viper.GetInt("queue.capacity"); n > 0 {
			cfg.Queue.Capacity = n
		}
	}
}

type runtime struct {
	cfg     *config.Config
	engine  engine.Engine
	logger  *slog.Logger
	metrics *observability.Metrics
	close   func()
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := app.NewLogger(os.Stderr, cfg.Log.Level)
	slog.SetDefault(logger)
	st, err := app.OpenStore(ctx, cfg, viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	metrics := observability.NewMetrics("mentor")
	e := engine.New(st, cfg)
	e.Metrics = metrics
	return &runtime{
		cfg:     cfg,
		engine:  e,
		logger:  logger,
		metrics: metrics,
		close:   func() { st.Close() },
	}, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(ctx, rt.engine)
}

func conversation() string {
	if c := strings.TrimSpace(viper.GetString("conversation")); c != "" {
		return c
	}
	return "cli"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortTime(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("2006-01-02 15:04")
}
