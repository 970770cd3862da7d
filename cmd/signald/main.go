package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/cloudfire/signal/internal/authn"
	"github.com/cloudfire/signal/internal/config"
	"github.com/cloudfire/signal/internal/flow"
	"github.com/cloudfire/signal/internal/handler"
	"github.com/cloudfire/signal/internal/presence"
	"github.com/cloudfire/signal/internal/pubsub"
	"github.com/cloudfire/signal/internal/resolver"
	"github.com/cloudfire/signal/internal/session"
	"github.com/cloudfire/signal/internal/store"
	"github.com/cloudfire/signal/internal/transport"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	pgStore, err := store.NewPgStore(cfg.Postgres.DSN, sugar)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pgStore.Close()

	verifier := authn.NewOIDCVerifier(authn.OIDCConfig{
		Issuer:           cfg.OIDC.Issuer,
		ExpectedAudience: cfg.OIDC.ExpectedAudience,
		JWKSURI:          cfg.OIDC.JWKSURI,
	})
	if cfg.Token.SessionTTL > 0 {
		authn.SessionTokenTTL = cfg.Token.SessionTTL
	}

	bus := pubsub.New()
	registry := presence.New(bus)
	res := resolver.New(pgStore)
	gwReg := session.NewGatewayRegistry(registry, bus)
	broker := flow.New(pgStore, res, gwReg)

	relayCfg := session.RelayConfig{
		Count:     cfg.Relay.Count,
		Freshness: time.Duration(cfg.Relay.FreshnessSeconds) * time.Second,
	}
	if relayCfg.Count <= 0 || relayCfg.Freshness <= 0 {
		relayCfg = session.DefaultRelayConfig()
	}

	deps := &transport.Deps{
		Store:      pgStore,
		Verifier:   verifier,
		Bus:        bus,
		Presence:   registry,
		Resolver:   res,
		Broker:     broker,
		GatewayReg: gwReg,
		Logger:     sugar,
		RelayCfg:   relayCfg,
	}

	actorHandler := handler.NewActorHandler(pgStore, sugar)
	groupHandler := handler.NewGroupHandler(pgStore, sugar)
	membershipHandler := handler.NewMembershipHandler(pgStore, sugar)
	resourceHandler := handler.NewResourceHandler(pgStore, sugar)
	policyHandler := handler.NewPolicyHandler(pgStore, sugar)
	tokenHandler := handler.NewTokenHandler(pgStore, sugar)
	flowHandler := handler.NewFlowHandler(pgStore, sugar)

	authMW := handler.Authenticate(pgStore, verifier, sugar)
	actorRead := handler.RequireCapability(authn.CapActorRead)
	actorWrite := handler.RequireCapability(authn.CapActorWrite)
	groupWrite := handler.RequireCapability(authn.CapGroupWrite)
	membershipWrite := handler.RequireCapability(authn.CapMembershipWrite)
	resourceRead := handler.RequireCapability(authn.CapResourceRead)
	resourceWrite := handler.RequireCapability(authn.CapResourceWrite)
	policyRead := handler.RequireCapability(authn.CapPolicyRead)
	policyWrite := handler.RequireCapability(authn.CapPolicyWrite)
	tokenWrite := handler.RequireCapability(authn.CapTokenWrite)
	flowRead := handler.RequireCapability(authn.CapFlowRead)

	mux := http.NewServeMux()

	// Duplex WebSocket channels (§4.E, §4.F, §4.G).
	mux.HandleFunc("GET /client", deps.ClientHandler)
	mux.HandleFunc("GET /gateway", deps.GatewayHandler)
	mux.HandleFunc("GET /relay", deps.RelayHandler)

	// Admin REST API.
	mux.Handle("GET /api/v1/actors", handler.Wrap(http.HandlerFunc(actorHandler.List), authMW, actorRead))
	mux.Handle("GET /api/v1/actors/{id}", handler.Wrap(http.HandlerFunc(actorHandler.Get), authMW, actorRead))
	mux.Handle("POST /api/v1/actors", handler.Wrap(http.HandlerFunc(actorHandler.Create), authMW, actorWrite))
	mux.Handle("POST /api/v1/actors/{id}/disable", handler.Wrap(http.HandlerFunc(actorHandler.Disable), authMW, actorWrite))
	mux.Handle("POST /api/v1/actors/{id}/enable", handler.Wrap(http.HandlerFunc(actorHandler.Enable), authMW, actorWrite))
	mux.Handle("DELETE /api/v1/actors/{id}", handler.Wrap(http.HandlerFunc(actorHandler.Delete), authMW, actorWrite))

	mux.Handle("GET /api/v1/groups", handler.Wrap(http.HandlerFunc(groupHandler.List), authMW, actorRead))
	mux.Handle("GET /api/v1/groups/{id}", handler.Wrap(http.HandlerFunc(groupHandler.Get), authMW, actorRead))
	mux.Handle("POST /api/v1/groups", handler.Wrap(http.HandlerFunc(groupHandler.Create), authMW, groupWrite))
	mux.Handle("DELETE /api/v1/groups/{id}", handler.Wrap(http.HandlerFunc(groupHandler.Delete), authMW, groupWrite))

	mux.Handle("GET /api/v1/groups/{id}/members", handler.Wrap(http.HandlerFunc(membershipHandler.ListMembers), authMW, actorRead))
	mux.Handle("POST /api/v1/groups/{id}/members", handler.Wrap(http.HandlerFunc(membershipHandler.Add), authMW, membershipWrite))
	mux.Handle("DELETE /api/v1/groups/{id}/members/{actor_id}", handler.Wrap(http.HandlerFunc(membershipHandler.Remove), authMW, membershipWrite))

	mux.Handle("GET /api/v1/resources", handler.Wrap(http.HandlerFunc(resourceHandler.List), authMW, resourceRead))
	mux.Handle("GET /api/v1/resources/{id}", handler.Wrap(http.HandlerFunc(resourceHandler.Get), authMW, resourceRead))
	mux.Handle("PUT /api/v1/resources", handler.Wrap(http.HandlerFunc(resourceHandler.Put), authMW, resourceWrite))
	mux.Handle("DELETE /api/v1/resources/{id}", handler.Wrap(http.HandlerFunc(resourceHandler.Delete), authMW, resourceWrite))

	mux.Handle("GET /api/v1/policies", handler.Wrap(http.HandlerFunc(policyHandler.List), authMW, policyRead))
	mux.Handle("GET /api/v1/policies/{id}", handler.Wrap(http.HandlerFunc(policyHandler.Get), authMW, policyRead))
	mux.Handle("PUT /api/v1/policies", handler.Wrap(http.HandlerFunc(policyHandler.Put), authMW, policyWrite))
	mux.Handle("POST /api/v1/policies/{id}/disable", handler.Wrap(http.HandlerFunc(policyHandler.Disable), authMW, policyWrite))
	mux.Handle("POST /api/v1/policies/{id}/enable", handler.Wrap(http.HandlerFunc(policyHandler.Enable), authMW, policyWrite))
	mux.Handle("DELETE /api/v1/policies/{id}", handler.Wrap(http.HandlerFunc(policyHandler.Delete), authMW, policyWrite))

	mux.Handle("GET /api/v1/tokens", handler.Wrap(http.HandlerFunc(tokenHandler.List), authMW, tokenWrite))
	mux.Handle("POST /api/v1/tokens", handler.Wrap(http.HandlerFunc(tokenHandler.Create), authMW, tokenWrite))
	mux.Handle("DELETE /api/v1/tokens/{id}", handler.Wrap(http.HandlerFunc(tokenHandler.Revoke), authMW, tokenWrite))

	mux.Handle("GET /api/v1/flows", handler.Wrap(http.HandlerFunc(flowHandler.List), authMW, flowRead))

	var h http.Handler = mux
	h = handler.CORS(h)
	h = handler.Recovery(sugar, h)

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sugar.Infof("signal control plane starting on %s", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	etcdClient, err := clientv3.New(clientv3.Config{Endpoints: cfg.Etcd.Endpoints, DialTimeout: 5 * time.Second})
	if err != nil {
		sugar.Warnf("etcd unavailable, relay sweep disabled: %v", err)
	} else {
		defer etcdClient.Close()
		go presence.RunElected(bgCtx, etcdClient, presence.ElectionConfig{
			Prefix:   cfg.Etcd.Prefix,
			LeaseTTL: cfg.Etcd.LeaseTTL,
			Hostname: hostname(),
		}, sugar, func(ctx context.Context) error {
			return presence.RunRelaySweep(ctx, pgStore, 30*time.Second, sugar)
		})
	}

	<-quit

	sugar.Info("shutting down...")
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "signald"
	}
	return h
}
