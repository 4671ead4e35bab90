package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/herald-sh/herald/internal/agent"
	"github.com/herald-sh/herald/internal/api"
	"github.com/herald-sh/herald/internal/auth"
	"github.com/herald-sh/herald/internal/config"
	"github.com/herald-sh/herald/internal/delivery"
	"github.com/herald-sh/herald/internal/models"
	"github.com/herald-sh/herald/internal/ratelimit"
	"github.com/herald-sh/herald/internal/storage"
	"github.com/herald-sh/herald/internal/tunnel"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "herald",
		Short: "Herald — publish-subscribe signal relay",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(workerCmd(&configPath))
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(keysCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay: API, tunnel server, and delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			rdb, err := setupRedis(cfg.Redis)
			if err != nil {
				return fmt.Errorf("failed to setup redis: %w", err)
			}

			serverID := cfg.ServerID
			if serverID == "" {
				serverID = models.NewID("srv")
			}

			registry := tunnel.NewRegistry()
			router := tunnel.NewRouter(registry, rdb, serverID, log)
			tunnelServer := tunnel.NewServer(store, registry, router, cfg.Tunnel, serverID, log)

			pool := delivery.NewPool(cfg.Delivery, cfg.Env, cfg.API.HMACSecret, store, router, log)
			tunnelServer.OnNack = pool.Worker().HandleNack

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go func() {
				if err := router.Run(ctx); err != nil {
					log.Error().Err(err).Msg("tunnel router error")
				}
			}()
			pool.Start(ctx)

			server := api.NewServer(*cfg, store, setupLimiter(rdb), tunnelServer, version, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Str("bind", cfg.API.Bind).
				Str("server_id", serverID).
				Int("workers", cfg.Delivery.Workers).
				Bool("redis", rdb != nil).
				Msg("Herald is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}
			cancel()
			pool.Stop()

			log.Info().Msg("Herald stopped")
			return nil
		},
	}
}

func workerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start delivery workers only",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			rdb, err := setupRedis(cfg.Redis)
			if err != nil {
				return fmt.Errorf("failed to setup redis: %w", err)
			}

			serverID := cfg.ServerID
			if serverID == "" {
				serverID = models.NewID("srv")
			}

			// A worker-only process holds no tunnel sockets; its registry
			// stays empty and pushes route through the shared KV store.
			registry := tunnel.NewRegistry()
			router := tunnel.NewRouter(registry, rdb, serverID, log)

			pool := delivery.NewPool(cfg.Delivery, cfg.Env, cfg.API.HMACSecret, store, router, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)

			log.Info().
				Str("version", version).
				Int("workers", cfg.Delivery.Workers).
				Msg("Herald worker is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")
			cancel()
			pool.Stop()
			return nil
		},
	}
}

func agentCmd() *cobra.Command {
	var (
		token        string
		forwardURL   string
		forwardToken string
		heraldURL    string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the customer-side tunnel agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" || forwardURL == "" {
				return fmt.Errorf("--token and --forward are required")
			}

			log := setupLogger(config.LoggingConfig{Level: "info", Format: "json"})

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a := agent.New(agent.Config{
				HeraldURL:    heraldURL,
				Token:        token,
				ForwardURL:   forwardURL,
				ForwardToken: forwardToken,
			}, log)
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "subscriber API key")
	cmd.Flags().StringVar(&forwardURL, "forward", "", "local URL to forward signals to")
	cmd.Flags().StringVar(&forwardToken, "forward-token", "", "bearer token for local forwards")
	cmd.Flags().StringVar(&heraldURL, "herald-url", "wss://api.herald.dev/v1/tunnel", "relay tunnel endpoint")
	return cmd
}

func migrateCmd(configPath *string) *cobra.Command {
	var seedDemo bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			log.Info().Msg("migrations completed successfully")

			if seedDemo {
				if err := seedDemoData(context.Background(), store); err != nil {
					return fmt.Errorf("seed failed: %w", err)
				}
				log.Info().Msg("demo data seeded")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&seedDemo, "seed-demo", false, "create a demo publisher, channel, subscriber, and webhook")
	return cmd
}

func keysCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	var (
		ownerType string
		ownerID   string
		name      string
	)

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new API key (the raw key is printed exactly once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rolePrefix string
			var owner models.APIKeyOwner
			switch ownerType {
			case "publisher":
				rolePrefix, owner = auth.PublisherPrefix, models.OwnerPublisher
			case "subscriber":
				rolePrefix, owner = auth.SubscriberPrefix, models.OwnerSubscriber
			default:
				return fmt.Errorf("--owner-type must be publisher or subscriber")
			}
			if ownerID == "" {
				return fmt.Errorf("--owner-id is required")
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := setupLogger(cfg.Logging)
			store, err := setupStorage(cfg, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			raw, hash, prefix := auth.GenerateKey(rolePrefix)
			key := &models.APIKey{
				ID:        models.NewID("key"),
				KeyHash:   hash,
				KeyPrefix: prefix,
				OwnerType: owner,
				OwnerID:   ownerID,
				Name:      name,
				Status:    models.APIKeyActive,
				CreatedAt: time.Now().UTC(),
			}
			if err := store.CreateAPIKey(context.Background(), key); err != nil {
				return fmt.Errorf("failed to store key: %w", err)
			}

			fmt.Printf("id:     %s\n", key.ID)
			fmt.Printf("prefix: %s\n", key.KeyPrefix)
			fmt.Printf("key:    %s\n", raw)
			fmt.Println("store the key now; it is not shown again")
			return nil
		},
	}
	issueCmd.Flags().StringVar(&ownerType, "owner-type", "", "publisher or subscriber")
	issueCmd.Flags().StringVar(&ownerID, "owner-id", "", "owner account id")
	issueCmd.Flags().StringVar(&name, "name", "", "key label")

	cmd.AddCommand(issueCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Herald v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg *config.Config, log zerolog.Logger) (storage.Storage, error) {
	path := strings.TrimPrefix(cfg.Database.URL, "sqlite://")
	path = strings.TrimPrefix(path, "sqlite:")
	log.Info().Str("path", path).Msg("using SQLite storage")
	return storage.NewSQLite(path)
}

func setupRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func setupLimiter(rdb *redis.Client) ratelimit.Limiter {
	if rdb != nil {
		return ratelimit.NewRedisLimiter(rdb)
	}
	return ratelimit.NewLocalLimiter()
}

// seedDemoData wires a minimal publisher -> channel -> subscriber ->
// webhook graph for local development.
func seedDemoData(ctx context.Context, store storage.Storage) error {
	now := time.Now().UTC()

	pub := &models.Publisher{
		ID: models.NewID("pub"), Name: "Demo Publisher", Email: "publisher@herald.local",
		Tier: models.TierFree, Status: models.AccountActive, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreatePublisher(ctx, pub); err != nil {
		return err
	}

	ch := &models.Channel{
		ID: models.NewID("ch"), PublisherID: pub.ID, Slug: "demo-alerts",
		DisplayName: "Demo Alerts", Status: models.ChannelActive, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateChannel(ctx, ch); err != nil {
		return err
	}

	sub := &models.Subscriber{
		ID: models.NewID("sbr"), Name: "Demo Subscriber", Email: "subscriber@herald.local",
		WebhookSecret: "demo-secret", Tier: models.TierFree, Status: models.AccountActive,
		DeliveryMode: models.ModeWebhook, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateSubscriber(ctx, sub); err != nil {
		return err
	}

	wh := &models.Webhook{
		ID: models.NewID("wh"), SubscriberID: sub.ID, URL: "http://localhost:9999/hook",
		Name: "demo", Status: models.WebhookActive, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateWebhook(ctx, wh); err != nil {
		return err
	}

	subscription := &models.Subscription{
		ID: models.NewID("sub"), SubscriberID: sub.ID, ChannelID: ch.ID,
		Status: models.SubscriptionActive, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateSubscription(ctx, subscription); err != nil {
		return err
	}

	for _, line := range []string{
		"publisher:  " + pub.ID,
		"channel:    " + ch.ID + " (demo-alerts)",
		"subscriber: " + sub.ID,
		"webhook:    " + wh.ID,
	} {
		fmt.Println("  " + line)
	}
	return nil
}
