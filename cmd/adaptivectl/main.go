package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"adaptivepay/internal/adaptive"
	"adaptivepay/internal/common/database"
	"adaptivepay/internal/common/events"
	"adaptivepay/internal/common/logging"
	"adaptivepay/internal/common/money"
	"adaptivepay/internal/common/nats"
	"adaptivepay/internal/paypal"
	"adaptivepay/internal/poller"
)

var Version = "dev"

// Config holds CLI configuration. It reads the same environment as the
// service.
type Config struct {
	LogLevel      string `envconfig:"LOG_LEVEL" default:"warn"`
	LogFormat     string `envconfig:"LOG_FORMAT" default:"text"`
	DecimalPlaces int32  `envconfig:"PAYPAL_DECIMAL_PLACES" default:"2"`

	Database database.Config
	NATS     nats.Config
	PayPal   paypal.Config
	Service  adaptive.Config
}

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "adaptivectl",
		Short:        "Operate PayPal Adaptive Payments records",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(refundCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(markUsedCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (Config, *slog.Logger, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, nil, fmt.Errorf("processing config: %w", err)
	}
	money.DefaultPlaces = cfg.DecimalPlaces
	return cfg, logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat), nil
}

// app is a service wired for one command run.
type app struct {
	service *adaptive.Service
	close   func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.PayPal = cfg.PayPal.WithDefaults()
	if err := cfg.PayPal.Validate(); err != nil {
		return nil, err
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	var (
		publisher events.EventPublisher
		natsConn  *nats.Client
		scheduler adaptive.Scheduler
		local     *poller.LocalScheduler
	)
	if cfg.NATS.Enabled {
		natsConn, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		natsPublisher := nats.NewPublisher(natsConn, logger)
		publisher = natsPublisher
		scheduler = poller.NewJetStreamScheduler(natsPublisher)
	} else {
		// Follow-up polls scheduled here are dropped on exit; the service's
		// sweeper picks the records up.
		local = poller.NewLocalScheduler(logger)
		scheduler = local
	}

	service := adaptive.NewService(cfg.Service, adaptive.NewPostgresStore(db), paypal.NewClient(cfg.PayPal, logger), scheduler, publisher, logger)
	if local != nil {
		local.Bind(service)
	}

	return &app{
		service: service,
		close: func() {
			if local != nil {
				local.Stop()
			}
			if natsConn != nil {
				natsConn.Close()
			}
			db.Close()
		},
	}, nil
}

// withApp runs fn against a freshly wired service and prints its result as
// JSON.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) (any, error)) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	result, err := fn(cmd.Context(), a)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			steps, _ := cmd.Flags().GetInt("steps")
			return database.Migrate(cfg.Database.URL, adaptive.Migrations, adaptive.MigrationsDir, steps, logger)
		},
	}

	cmd.Flags().IntP("steps", "n", 0, "Number of migrations to apply; negative rolls back, 0 applies all")

	return cmd
}

func pollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Fetch the current status from PayPal and apply it",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "payment [id]",
		Short: "Poll PaymentDetails for a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.service.UpdatePayment(ctx, id)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "preapproval [id]",
		Short: "Poll PreapprovalDetails for a preapproval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.service.UpdatePreapproval(ctx, id)
			})
		},
	})

	return cmd
}

func refundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refund [payment-id]",
		Short: "Refund a completed payment in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.service.Refund(ctx, id)
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [preapproval-id]",
		Short: "Cancel a preapproval at PayPal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.service.CancelPreapproval(ctx, id)
			})
		},
	}
}

func markUsedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark-used [preapproval-id]",
		Short: "Mark an approved preapproval as used",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.service.MarkPreapprovalUsed(ctx, id)
			})
		},
	}
}
