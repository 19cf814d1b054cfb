package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/auth"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/broker"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/config"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/controllers"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/crypto"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/dispatcher"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/gateway"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/ingress"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/oauth"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/server"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/store"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/pkg/agentruntime"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the bot service",
		Long:  `Start the webhook receiver, dispatch pipeline, authorization portal, and credential broker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}

	return cmd
}

func runStart() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().
		Str("http_address", cfg.HTTPAddress).
		Str("agent_runtime_url", cfg.AgentRuntimeURL).
		Bool("redis", cfg.RedisAddr != "").
		Msg("Configuration loaded")

	var (
		tokenStore domain.TokenStore
		dedupStore ingress.DedupStore
		stateStore oauth.StateStore
	)

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to redis")
		}

		tokenStore = store.NewRedisStore(client)
		dedupStore = store.NewRedisDedup(client)
		stateStore = store.NewRedisStateStore(client)
	} else {
		log.Warn().Msg("No REDIS_ADDR configured, using in-memory stores")

		tokenStore = store.NewMemoryStore()
		dedupStore = store.NewMemoryDedup()
		stateStore = store.NewMemoryStateStore()
	}

	wrapper, err := crypto.NewLocalKeyWrapper(cfg.MasterSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize key wrapper")
	}
	encryptor := crypto.NewEnvelopeService(wrapper)

	providers := oauth.NewRegistry(
		oauth.AtlassianDefaults(cfg.AtlassianClientID, cfg.AtlassianClientSecret),
	)

	flow := oauth.NewFlow(oauth.FlowDependencies{
		Store:         tokenStore,
		States:        stateStore,
		Encryptor:     encryptor,
		Providers:     providers,
		PortalBaseURL: cfg.PortalBaseURL,
		SigningSecret: cfg.PortalSigningSecret,
		LinkTTL:       cfg.LinkTTL,
		StateTTL:      cfg.StateTTL,
		RecordTTL:     cfg.RecordTTL,
	})

	coordinator := broker.NewCoordinator(broker.CoordinatorDependencies{
		Store:              tokenStore,
		Encryptor:          encryptor,
		Providers:          providers,
		Portal:             flow,
		RefreshMargin:      cfg.RefreshMargin,
		MaxRefreshDuration: cfg.MaxRefreshDuration,
		RecordTTL:          cfg.RecordTTL,
	})

	gatewayCache := gateway.NewTokenCache(gateway.TokenCacheConfig{
		DiscoveryURL:  cfg.GatewayDiscoveryURL,
		ClientID:      cfg.GatewayClientID,
		ClientSecret:  cfg.GatewayClientSecret,
		Scopes:        strings.Fields(cfg.GatewayScope),
		RefreshMargin: cfg.RefreshMargin,
	})

	runtimeClient, err := agentruntime.NewClient(
		agentruntime.WithBaseURL(cfg.AgentRuntimeURL),
		agentruntime.WithEd25519PrivateKey(cfg.AgentSigningPrivateKey),
		agentruntime.WithTimeout(cfg.DispatchTimeout),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build agent runtime client")
	}

	disp := dispatcher.NewDispatcher(dispatcher.Dependencies{
		Invoker:   runtimeClient,
		Notifier:  dispatcher.NewSlackNotifier(cfg.SlackBotToken),
		Timeout:   cfg.DispatchTimeout,
		Workers:   cfg.DispatchWorkers,
		QueueSize: cfg.QueueSize,
	})
	disp.Start(ctx)

	receiver := ingress.NewReceiver(ingress.ReceiverDependencies{
		Verifier:    auth.NewIngressVerifier(cfg.SlackSigningSecret, cfg.SignatureTolerance),
		Dedup:       dedupStore,
		Queue:       disp,
		DedupWindow: cfg.DedupWindow,
		BotID:       cfg.SlackBotID,
	})

	var apiVerifier *auth.SignatureVerifier
	if cfg.AgentAPIPublicKey != "" {
		apiVerifier, err = auth.NewSignatureVerifier(cfg.AgentAPIPublicKey, cfg.SignatureTolerance)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build API signature verifier")
		}
	} else {
		log.Warn().Msg("No AGENT_API_PUBLIC_KEY configured, internal credential API disabled")
	}

	app := server.NewHTTPServer(ctx, server.HTTPServerDependencies{
		SlackController: controllers.NewSlackController(controllers.SlackControllerDependencies{
			Receiver: receiver,
		}),
		PortalController: controllers.NewPortalController(controllers.PortalControllerDependencies{
			Flow:            flow,
			DefaultProvider: "atlassian",
		}),
		TokenController: controllers.NewTokenController(controllers.TokenControllerDependencies{
			Coordinator: coordinator,
			Gateway:     gatewayCache,
		}),
		APIVerifier: apiVerifier,
	})

	if err := app.Listen(cfg.HTTPAddress, fiber.ListenConfig{
		GracefulContext:       ctx,
		DisableStartupMessage: true,
	}); err != nil {
		log.Error().Err(err).Msg("HTTP server failed")
	}

	disp.Wait()

	log.Info().Msg("Bot service stopped")
	return nil
}
