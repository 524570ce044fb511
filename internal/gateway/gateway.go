// Package gateway wires the channels, the recorder store, the composer,
// and the scheduler together, and drives the whole bot's lifecycle.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/yuhaven/moments/internal/bus"
	"github.com/yuhaven/moments/internal/channel"
	"github.com/yuhaven/moments/internal/composer"
	"github.com/yuhaven/moments/internal/config"
	"github.com/yuhaven/moments/internal/cron"
	"github.com/yuhaven/moments/internal/llm"
	"github.com/yuhaven/moments/internal/qzone"
	"github.com/yuhaven/moments/internal/scheduler"
	"github.com/yuhaven/moments/internal/store"
)

// Options for creating a Gateway. Completer and Feed are injectable for
// testing; nil means build the real ones from config.
type Options struct {
	Completer  llm.Completer
	Feed       scheduler.Feed
	SignalChan chan os.Signal
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *store.Store
	writer     *composer.Composer
	feed       scheduler.Feed
	sched      *scheduler.Scheduler
	cron       *cron.Service
	channels   *channel.ChannelManager
	signalChan chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	dbPath := strings.TrimSpace(cfg.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "moments.db")
	}
	st, err := store.NewStore(dbPath, store.Options{
		Whitelist:        cfg.Memory.UserWhitelist,
		MaxDailyMessages: cfg.Memory.MaxDailyMessages,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	completer := opts.Completer
	if completer == nil {
		completer = llm.NewClient(cfg)
	}
	g.writer = composer.New(completer, cfg.Prompts)

	g.feed = opts.Feed
	if g.feed == nil && cfg.Qzone.Cookie != "" {
		client, err := qzone.NewClient(cfg.Qzone.Cookie)
		if err != nil {
			_ = g.store.Close()
			return nil, fmt.Errorf("qzone session: %w", err)
		}
		g.feed = client
	}

	g.sched = scheduler.NewScheduler(cfg, g.store, g.writer, g.feed)

	cronStorePath := filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
	g.cron = cron.NewService(cronStorePath)
	g.cron.OnJob = func(job cron.Job) error {
		ctx := context.Background()
		switch job.Payload.Action {
		case cron.ActionPost:
			return g.sched.RunPost(ctx, job.Payload.Text)
		case cron.ActionSummary:
			return g.sched.RunSummary(ctx)
		case cron.ActionCommentSweep:
			return g.sched.RunCommentSweep(ctx)
		case cron.ActionCleanup:
			return g.sched.RunCleanup(ctx)
		}
		return fmt.Errorf("unknown action %q", job.Payload.Action)
	}

	chMgr, err := channel.NewChannelManager(cfg, g.bus)
	if err != nil {
		_ = g.store.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	g.signalChan = opts.SignalChan

	return g, nil
}

// Bus exposes the message bus (for tests).
func (g *Gateway) Bus() *bus.MessageBus { return g.bus }

// Store exposes the record store for CLI subcommands.
func (g *Gateway) Store() *store.Store { return g.store }

// Scheduler exposes the manual triggers for CLI subcommands.
func (g *Gateway) Scheduler() *scheduler.Scheduler { return g.sched }

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}

	if client, ok := g.feed.(*qzone.Client); ok {
		go func() {
			if err := client.CheckLogin(ctx); err != nil {
				log.Printf("[gateway] qzone cookie check failed: %v", err)
			} else {
				log.Printf("[gateway] qzone session verified for uin %s", client.Uin())
			}
		}()
	}

	g.sched.Start()

	go g.processLoop(ctx)

	log.Printf("[gateway] running")

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

			if strings.HasPrefix(msg.Content, "/") {
				reply := g.handleCommand(ctx, msg)
				if reply != "" {
					g.bus.Outbound <- bus.OutboundMessage{
						Channel: msg.Channel,
						ChatID:  msg.ChatID,
						Content: reply,
					}
				}
				continue
			}

			// Plain chat is recorded and never answered; the bot is a
			// quiet observer.
			err := g.store.Append(store.ChatRecord{
				UserID:    msg.SenderID,
				Content:   msg.Content,
				Timestamp: msg.Timestamp,
				SessionID: msg.SessionKey(),
				Platform:  msg.Channel,
			})
			if err != nil {
				log.Printf("[gateway] record message: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleCommand(ctx context.Context, msg bus.InboundMessage) string {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(msg.Content), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/post":
		if err := g.sched.RunPost(ctx, arg); err != nil {
			return fmt.Sprintf("Post failed: %v", err)
		}
		return "Posted."
	case "/summary":
		if err := g.sched.RunSummary(ctx); err != nil {
			return fmt.Sprintf("Summary failed: %v", err)
		}
		return "Daily summaries are up to date."
	case "/memory":
		days := 7
		if arg != "" {
			if n, err := strconv.Atoi(arg); err == nil && n > 0 {
				days = n
			}
		}
		return g.formatMemories(msg.SenderID, days)
	case "/status":
		return g.formatStatus()
	case "/cleanup":
		if err := g.sched.RunCleanup(ctx); err != nil {
			return fmt.Sprintf("Cleanup failed: %v", err)
		}
		return "Cleanup done."
	case "/cron":
		return g.handleCron(arg)
	case "/help":
		return "Commands: /post [text], /summary, /memory [days], /status, /cleanup, /cron add|list|rm|on|off"
	}
	return fmt.Sprintf("Unknown command %s. Try /help.", cmd)
}

const cronUsage = "Usage: /cron add <post|summary|comment_sweep|cleanup> <HH:MM|30m|2h> [text] | /cron list | /cron rm <id> | /cron on|off <id>"

// handleCron manages the user-defined job schedule from chat.
func (g *Gateway) handleCron(arg string) string {
	sub, rest, _ := strings.Cut(arg, " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "add":
		fields := strings.SplitN(rest, " ", 3)
		if len(fields) < 2 {
			return cronUsage
		}
		action, when := fields[0], fields[1]
		text := ""
		if len(fields) == 3 {
			text = strings.TrimSpace(fields[2])
		}
		schedule, ok := parseCronSchedule(when)
		if !ok {
			return fmt.Sprintf("Bad schedule %q: want HH:MM or an interval like 30m or 2h.", when)
		}
		name := fmt.Sprintf("%s at %s", action, when)
		job, err := g.cron.AddJob(name, schedule, cron.Payload{Action: action, Text: text})
		if err != nil {
			return fmt.Sprintf("Add failed: %v", err)
		}
		return fmt.Sprintf("Scheduled %s (id %s).", job.Name, job.ID)
	case "list":
		jobs := g.cron.ListJobs()
		if len(jobs) == 0 {
			return "No scheduled jobs."
		}
		var sb strings.Builder
		for _, j := range jobs {
			state := "on"
			if !j.Enabled {
				state = "off"
			}
			fmt.Fprintf(&sb, "%s [%s] %s\n", j.ID, state, j.Name)
		}
		return strings.TrimSpace(sb.String())
	case "rm":
		if rest == "" {
			return cronUsage
		}
		if g.cron.RemoveJob(rest) {
			return "Removed."
		}
		return fmt.Sprintf("No job %s.", rest)
	case "on", "off":
		if rest == "" {
			return cronUsage
		}
		job, err := g.cron.EnableJob(rest, sub == "on")
		if err != nil {
			return fmt.Sprintf("Update failed: %v", err)
		}
		return fmt.Sprintf("Job %s is now %s.", job.Name, sub)
	}
	return cronUsage
}

// parseCronSchedule accepts a daily wall-clock time ("21:30") or a Go
// duration interval ("30m", "2h").
func parseCronSchedule(when string) (cron.Schedule, bool) {
	if tod, ok := config.ParseTimeOfDay(when); ok {
		return cron.Schedule{
			Kind: "cron",
			Expr: fmt.Sprintf("0 %d %d * * *", tod.Minute, tod.Hour),
		}, true
	}
	if d, err := time.ParseDuration(when); err == nil && d >= time.Minute {
		return cron.Schedule{Kind: "every", EveryMs: d.Milliseconds()}, true
	}
	return cron.Schedule{}, false
}

func (g *Gateway) formatMemories(userID string, days int) string {
	summaries, err := g.store.RecentSummaries(userID, days, time.Now())
	if err != nil {
		return fmt.Sprintf("Failed to load memories: %v", err)
	}
	if len(summaries) == 0 {
		return fmt.Sprintf("No memories in the last %d days.", days)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Memories from the last %d days:\n", days)
	for _, s := range summaries {
		fmt.Fprintf(&sb, "[%s] %s (%d messages)\n", s.Date, s.Content, s.MessageCount)
	}
	return strings.TrimSpace(sb.String())
}

func (g *Gateway) formatStatus() string {
	stats, err := g.store.Stats()
	if err != nil {
		return fmt.Sprintf("Failed to read stats: %v", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Records: %d\nSummaries: %d\n", stats.Records, stats.Summaries)
	fmt.Fprintf(&sb, "Memory: %v, Post: %v, Comment: %v\n",
		g.cfg.Memory.Enabled, g.cfg.Post.Enabled, g.cfg.Comment.Enabled)
	if g.feed == nil {
		sb.WriteString("Qzone: not configured")
	} else {
		sb.WriteString("Qzone: session loaded")
	}
	return sb.String()
}

func (g *Gateway) Shutdown() error {
	g.sched.Stop()
	g.cron.Stop()
	_ = g.channels.StopAll()
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
