// Package heartbeat sends a periodic status digest to the operator on a
// cron schedule.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/hookbridge/internal/broker"
	"github.com/basket/hookbridge/internal/mailbox"
	"github.com/basket/hookbridge/internal/mode"
	"github.com/basket/hookbridge/internal/registry"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the heartbeat.
type Config struct {
	CronExpr  string
	Registry  *registry.Registry
	Mailbox   *mailbox.Mailbox
	Modes     *mode.Controller
	Broker    *broker.Broker
	Messenger broker.Messenger
	Logger    *slog.Logger
}

// Heartbeat fires a status digest at each cron boundary.
type Heartbeat struct {
	cfg   Config
	sched cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the cron expression. An empty expression is an error; callers
// skip construction entirely to disable the heartbeat.
func New(cfg Config) (*Heartbeat, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	sched, err := cronParser.Parse(cfg.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse heartbeat cron %q: %w", cfg.CronExpr, err)
	}
	return &Heartbeat{cfg: cfg, sched: sched}, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Start begins the heartbeat loop in a background goroutine.
func (h *Heartbeat) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.loop(ctx)
	h.cfg.Logger.Info("heartbeat started", "cron", h.cfg.CronExpr, "next", h.sched.Next(time.Now()))
}

// Stop cancels the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.cfg.Logger.Info("heartbeat stopped")
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()

	for {
		next := h.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			h.fire(ctx)
		}
	}
}

func (h *Heartbeat) fire(ctx context.Context) {
	if err := h.cfg.Messenger.SendNotice(ctx, h.Digest()); err != nil {
		h.cfg.Logger.Warn("heartbeat send failed", "error", err)
		return
	}
	h.cfg.Logger.Info("heartbeat sent")
}

// Digest renders the operator status summary.
func (h *Heartbeat) Digest() string {
	depths := h.cfg.Mailbox.Depths()
	queued := 0
	for _, d := range depths {
		queued += d
	}
	var b strings.Builder
	b.WriteString("💓 hookbridge heartbeat\n")
	fmt.Fprintf(&b, "Mode: %s\n", h.cfg.Modes.Get())
	fmt.Fprintf(&b, "Agents: %d\n", h.cfg.Registry.Count())
	fmt.Fprintf(&b, "Pending approvals: %d\n", h.cfg.Broker.PendingCount())
	fmt.Fprintf(&b, "Queued messages: %d", queued)
	return b.String()
}
