package business

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/evalabs/authbridge/internal/business/server"
	"github.com/evalabs/authbridge/internal/config"
	"github.com/evalabs/authbridge/internal/flow"
	"github.com/evalabs/authbridge/internal/provider"
	providersql "github.com/evalabs/authbridge/internal/provider/sql"
	"github.com/evalabs/authbridge/internal/rollout"
	rolloutsql "github.com/evalabs/authbridge/internal/rollout/sql"
	"github.com/evalabs/authbridge/internal/session"
	sessionvalkey "github.com/evalabs/authbridge/internal/session/valkey"
	"github.com/evalabs/authbridge/internal/token"

	memorytier "github.com/evalabs/authbridge/internal/ephemeral/memory"
	sqltier "github.com/evalabs/authbridge/internal/ephemeral/sql"
	valkeytier "github.com/evalabs/authbridge/internal/ephemeral/valkey"
)

// Main starts the public HTTP API server plus the flow-secret sweeper that
// keeps the durable tier from accumulating expired rows.
func Main(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	comp, closeFn, err := initComponents(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the broker: %w", err)
	}

	defer closeFn()

	// errChan is used to capture the first error and shutdown the servers.
	errChan := make(chan error, 1)

	// wg is used to wait for everything to shutdown.
	var wg sync.WaitGroup

	wg.Go(func() {
		errChan <- server.StartHTTPServer(ctx, cfg, comp.api)
	})

	wg.Go(func() {
		errChan <- startSecretSweeper(ctx, comp.flowSecrets, cfg.Housekeeper.Interval)
	})

	// wait for any error to initiate the shutdown
	if err := <-errChan; err != nil {
		slogctx.Error(ctx, "Shutting down servers", "error", err)
	}
	cancel()

	wg.Wait()

	return nil
}

// TokenRefresherMain runs the session housekeeping loop: refreshing tokens
// near expiry, flagging sessions near the absolute refresh ceiling, and
// dropping idle ones.
func TokenRefresherMain(ctx context.Context, cfg *config.Config) error {
	comp, closeFn, err := initComponents(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the broker: %w", err)
	}

	defer closeFn()

	slogctx.Info(ctx, "Starting token refresh job")

	c := time.Tick(cfg.Housekeeper.Interval)
	for {
		if err := comp.housekeeper.RefreshExpiringSessions(ctx); err != nil {
			slogctx.Error(ctx, "Failed to refresh tokens", "error", err)
		}

		if err := comp.housekeeper.CleanupIdleSessions(ctx); err != nil {
			slogctx.Error(ctx, "Failed to clean up idle sessions", "error", err)
		}

		if _, err := comp.flowSecrets.Sweep(ctx); err != nil {
			slogctx.Error(ctx, "Failed to sweep expired flow secrets", "error", err)
		}

		select {
		case <-c:
			continue
		case <-ctx.Done():
			return nil
		}
	}
}

func startSecretSweeper(ctx context.Context, tier *sqltier.Tier, interval time.Duration) error {
	c := time.Tick(interval)
	for {
		select {
		case <-c:
			swept, err := tier.Sweep(ctx)
			if err != nil {
				slogctx.Error(ctx, "Failed to sweep expired flow secrets", "error", err)
			} else if swept > 0 {
				slogctx.Info(ctx, "Swept expired flow secrets", "count", swept)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

type components struct {
	api         *server.API
	housekeeper *session.Housekeeper
	flowSecrets *sqltier.Tier
}

func initComponents(ctx context.Context, cfg *config.Config) (_ *components, closeFn func(), _ error) {
	connStr, err := config.MakeConnStr(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("making dsn from config: %w", err)
	}

	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, nil, fmt.Errorf("initialising pgxpool connection: %w", err)
	}

	valkeyClient, err := valkeyClientFromConfig(cfg)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	providers := provider.NewService(providersql.NewRepository(db))
	if cfg.Flow.ProvidersFile != "" {
		if err := providers.Seed(ctx, cfg.Flow.ProvidersFile); err != nil {
			db.Close()
			valkeyClient.Close()

			return nil, nil, fmt.Errorf("seeding providers: %w", err)
		}
	}

	sessions := sessionvalkey.NewRepository(valkeyClient, cfg.ValKey.Prefix)

	flowCfg, err := flowConfigFromConfig(cfg)
	if err != nil {
		db.Close()
		valkeyClient.Close()

		return nil, nil, err
	}

	httpClient := http.DefaultClient
	discovery := flow.NewDiscovery(httpClient, cfg.Flow.DiscoveryCacheTTL)

	engine, err := flow.NewEngine(flowCfg, providers, sessions, discovery, httpClient)
	if err != nil {
		db.Close()
		valkeyClient.Close()

		return nil, nil, fmt.Errorf("creating flow engine: %w", err)
	}

	controller, err := rollout.NewController(
		rolloutsql.NewRepository(db),
		cfg.Rollout.Percentage,
		rollout.WithFallback(cfg.Rollout.FallbackEnabled),
	)
	if err != nil {
		db.Close()
		valkeyClient.Close()

		return nil, nil, fmt.Errorf("creating rollout controller: %w", err)
	}

	flowSecrets := sqltier.New(db)

	api := server.NewAPI(cfg, engine, providers, sessions, controller, server.Tiers{
		Valkey: valkeytier.New(valkeyClient, cfg.ValKey.Prefix),
		SQL:    flowSecrets,
		Memory: memorytier.New(cfg.Flow.SecretTTL),
	})

	housekeeper := session.NewHousekeeper(
		sessions,
		providers,
		token.NewLifecycle(flowCfg.ClientID, discovery, httpClient),
		session.WithRefreshBuffer(cfg.Housekeeper.RefreshBuffer),
		session.WithCeilingWarning(cfg.Housekeeper.CeilingWarning),
		session.WithIdleTimeout(cfg.Housekeeper.IdleTimeout),
	)

	closeFn = func() {
		valkeyClient.Close()
		db.Close()
	}

	return &components{
		api:         api,
		housekeeper: housekeeper,
		flowSecrets: flowSecrets,
	}, closeFn, nil
}

func valkeyClientFromConfig(cfg *config.Config) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.User)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.ValKey.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to load valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	}

	if cfg.ValKey.SecretRef.Type == commoncfg.MTLSSecretType {
		tlsConfig, err := commoncfg.LoadMTLSConfig(&cfg.ValKey.SecretRef.MTLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load valkey mTLS config from secret ref: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	valkeyClient, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return valkeyClient, nil
}

func flowConfigFromConfig(cfg *config.Config) (flow.Config, error) {
	clientID, err := commoncfg.LoadValueFromSourceRef(cfg.Flow.ClientID)
	if err != nil {
		return flow.Config{}, fmt.Errorf("loading flow client ID: %w", err)
	}

	csrfSecret, err := commoncfg.LoadValueFromSourceRef(cfg.Flow.CSRFSecret)
	if err != nil {
		return flow.Config{}, fmt.Errorf("loading CSRF secret: %w", err)
	}

	return flow.Config{
		ClientID:              string(clientID),
		RedirectURI:           cfg.Flow.RedirectURI,
		BrokerURL:             cfg.Flow.BrokerURL,
		SessionDuration:       cfg.Flow.SessionDuration,
		StateTTL:              cfg.Flow.StateTTL,
		StructuralWindow:      cfg.Flow.StructuralWindow,
		StrictStateValidation: cfg.Flow.StrictStateValidation,
		AuthorizeParams:       cfg.Flow.AuthorizeParams,
		CSRFSecret:            csrfSecret,
	}, nil
}
