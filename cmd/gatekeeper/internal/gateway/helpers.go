package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinyland-inc/gatekeeper/cmd/gatekeeper/internal"
	"github.com/tinyland-inc/gatekeeper/pkg/admin"
	"github.com/tinyland-inc/gatekeeper/pkg/broadcast"
	"github.com/tinyland-inc/gatekeeper/pkg/bus"
	"github.com/tinyland-inc/gatekeeper/pkg/links"
	"github.com/tinyland-inc/gatekeeper/pkg/logger"
	"github.com/tinyland-inc/gatekeeper/pkg/membership"
	"github.com/tinyland-inc/gatekeeper/pkg/stats"
	"github.com/tinyland-inc/gatekeeper/pkg/store"
	"github.com/tinyland-inc/gatekeeper/pkg/telegram"
)

func gatewayCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is not configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
	st, err := store.Connect(connectCtx, cfg.Mongo.URI, cfg.Mongo.Database)
	connectCancel()
	if err != nil {
		return fmt.Errorf("error connecting to mongo: %w", err)
	}
	fmt.Printf("✓ Connected to mongo database %q\n", cfg.Mongo.Database)

	eventBus := bus.NewEventBus()

	channel, err := telegram.NewChannel(cfg.Telegram, eventBus, nil)
	if err != nil {
		return fmt.Errorf("error creating telegram channel: %w", err)
	}

	registry := links.NewRegistry(st, channel)
	resolver := links.NewResolver(registry)

	var policy membership.Policy = membership.ApproveAll
	if len(cfg.Approval.DenyList) > 0 {
		policy = membership.DenyListPolicy(cfg.Approval.DenyList)
	}
	membershipEngine := membership.NewEngine(st, resolver, channel, eventBus, membership.Config{
		Policy:           policy,
		ConfirmRetries:   cfg.Approval.ConfirmRetries,
		Workers:          cfg.Approval.Workers,
		PendingTTL:       time.Duration(cfg.Approval.PendingTTLDays) * 24 * time.Hour,
		WelcomeMessage:   cfg.Telegram.WelcomeMessage,
		RejectionMessage: cfg.Telegram.RejectionMessage,
	})

	broadcastEngine := broadcast.NewEngine(st, channel, eventBus, broadcast.Config{
		RatePerSecond:     cfg.Broadcast.RatePerSecond,
		Burst:             cfg.Broadcast.Burst,
		MaxAttempts:       cfg.Broadcast.MaxAttempts,
		BaseBackoff:       time.Duration(cfg.Broadcast.BackoffSeconds) * time.Second,
		SchedulerInterval: time.Duration(cfg.Broadcast.SchedulerIntervalS) * time.Second,
	})

	aggregator := stats.NewAggregator(st)

	handler := admin.NewHandler(registry, broadcastEngine, aggregator, cfg.Telegram.AdminIDs)
	channel.SetHandler(handler)

	go membershipEngine.Run(ctx)
	go broadcastEngine.Run(ctx)
	go channel.NoticePump(ctx)
	go expireLoop(ctx, membershipEngine)

	go func() {
		if err := channel.Start(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorCF("telegram", "Channel stopped", map[string]any{"error": err.Error()})
		}
	}()

	fmt.Printf("✓ Gateway started for channel %d\n", cfg.Telegram.ChannelID)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	eventBus.Close()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := st.Close(closeCtx); err != nil {
		logger.WarnCF("store", "Mongo close failed", map[string]any{"error": err.Error()})
	}
	fmt.Println("✓ Gateway stopped")

	return nil
}

// expireLoop rejects stale pending requests once an hour. The cutoff
// window tracks the engine's configured TTL.
func expireLoop(ctx context.Context, engine *membership.Engine) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := engine.ExpireStalePending(ctx); err != nil {
				logger.WarnCF("membership", "Stale pending sweep failed", map[string]any{
					"error": err.Error(),
				})
			} else if n > 0 {
				logger.InfoCF("membership", "Stale pending requests rejected", map[string]any{
					"count": n,
				})
			}
		}
	}
}
