// coopcli drives the coordination core against a running backend (the stub
// server works): create an invitation, watch the lobby fill, start the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/questfall/coop-client/internal/client"
	"github.com/questfall/coop-client/internal/config"
	"github.com/questfall/coop-client/internal/conn"
	"github.com/questfall/coop-client/internal/deadline"
	"github.com/questfall/coop-client/internal/lobby"
	"github.com/questfall/coop-client/internal/rest"
)

func main() {
	questID := flag.String("quest", "quest-1", "quest to run")
	invitees := flag.String("invitees", "", "comma-separated invitee user ids")
	duration := flag.Duration("duration", 30*time.Minute, "quest run duration")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "COOP_USER_ID is required")
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cm := conn.NewManager(ctx, conn.Options{
		URL:    cfg.SocketURL + "?user=" + cfg.UserID,
		Logger: logger,
	})
	rc := rest.NewClient(cfg.ServerURL, logger)
	sched := deadline.NewScheduler(deadline.Config{
		PollInterval: time.Duration(cfg.PollInterval) * time.Second,
	}, logger)

	c := client.New(ctx, cm, rc, sched, client.Options{
		UserID: cfg.UserID,
		Logger: logger,
	})
	defer c.Close()

	// The CLI is a logged-in foreground session by definition.
	cm.SetAuthenticated(true)
	cm.SetForeground(true)

	ids := splitIDs(*invitees)
	inv, err := c.CreateInvitation(ctx, *questID, ids, *duration)
	if err != nil {
		logger.Fatal("create invitation failed", zap.Error(err))
	}
	logger.Info("invitation created",
		zap.String("id", inv.ID),
		zap.String("questRunId", inv.QuestRunID),
		zap.Time("expiresAt", inv.ExpiresAt))

	// The lobby is keyed by the invitation id.
	c.JoinLobby(inv.ID)

	snapshots := make(chan lobby.Snapshot, 8)
	c.WatchLobby("cli", snapshots)

	for {
		select {
		case <-ctx.Done():
			return

		case snap := <-snapshots:
			logger.Info("lobby update",
				zap.Int("participants", len(snap.Participants)),
				zap.Bool("allResponded", snap.AllResponded),
				zap.Bool("allReady", snap.AllReady))

		case <-c.ResolveNow():
			logger.Info("enough responses in, starting with who we have",
				zap.String("status", string(c.CurrentStatus())))

		case lobbyID := <-c.LobbyTransitions():
			logger.Info("lobby resolved, counting down", zap.String("lobby", lobbyID))
			deadline.ReadyCountdown(ctx,
				time.Duration(cfg.ReadyCountdown)*time.Second,
				func(remaining int) { fmt.Printf("starting in %d...\n", remaining) },
				func() {
					if err := c.StartRun(ctx, inv.QuestRunID); err != nil {
						logger.Error("start run failed", zap.Error(err))
					}
				})
		}
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func splitIDs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
