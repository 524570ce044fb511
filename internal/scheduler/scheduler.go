// Package scheduler runs the autonomous loops: daily summaries, gated
// auto-posting, the comment sweep, and nightly cleanup.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/yuhaven/moments/internal/config"
	"github.com/yuhaven/moments/internal/qzone"
	"github.com/yuhaven/moments/internal/store"
)

const (
	summaryPollInterval = 5 * time.Minute
	postPollInterval    = 30 * time.Minute
	cleanupPollInterval = 10 * time.Minute

	// Nightly cleanup fires in this window.
	cleanupStartMinute = 2 * 60
	cleanupEndMinute   = 2*60 + 10

	postSourceDays     = 7
	feedFetchCount     = 5
	maxRecentPostTimes = 10

	// Pacing between sequential calls against the model and the feed.
	summaryUserDelay   = 2 * time.Second
	commentTargetDelay = 5 * time.Second
)

// Feed is the slice of the Qzone client the loops use.
type Feed interface {
	Publish(ctx context.Context, text string, images []qzone.UploadedImage) (string, error)
	ListRecent(ctx context.Context, targetUin string, count int) ([]qzone.Post, error)
	Comment(ctx context.Context, p qzone.Post, text string) error
	Uin() string
}

// Writer produces the text the loops publish.
type Writer interface {
	Summarize(ctx context.Context, records []store.ChatRecord) (string, error)
	ComposePost(ctx context.Context, summaries []store.DailySummary) string
	ComposeComment(ctx context.Context, postText string) (string, error)
}

// Scheduler owns the four background loops and the small amount of
// run-state they share. State is in-memory only; a restart resets the
// post quota and summary marker, and the store's idempotent summary
// writes absorb the repeat.
//
// A Scheduler is single-use: once stopped it stays stopped. Restarting
// means building a new one, which is how the gateway uses it.
type Scheduler struct {
	cfg    *config.Config
	store  *store.Store
	writer Writer
	feed   Feed

	// seams for tests
	now          func() time.Time
	randFloat    func() float64
	sleep        func(d time.Duration)
	commentDelay func() time.Duration
	summaryPoll  time.Duration
	postPoll     time.Duration
	cleanupPoll  time.Duration

	mu              sync.Mutex
	lastSummaryDate string
	lastCleanupDate string
	recentPostTimes []time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewScheduler(cfg *config.Config, st *store.Store, writer Writer, feed Feed) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		store:     st,
		writer:    writer,
		feed:      feed,
		now:       time.Now,
		randFloat: rand.Float64,
		commentDelay: func() time.Duration {
			return 5*time.Second + time.Duration(rand.Float64()*10*float64(time.Second))
		},
		summaryPoll: summaryPollInterval,
		postPoll:    postPollInterval,
		cleanupPoll: cleanupPollInterval,
		stopCh:      make(chan struct{}),
	}
	s.sleep = s.pause
	return s
}

// Start launches the enabled loops. It returns immediately.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		if s.cfg.Memory.Enabled {
			s.spawn("summary", s.summaryPoll, s.summaryTick)
			s.spawn("cleanup", s.cleanupPoll, s.cleanupTick)
		}
		if s.cfg.Post.Enabled && s.feed != nil {
			s.spawn("post", s.postPoll, s.postTick)
		}
		if s.cfg.Comment.Enabled && s.feed != nil {
			interval := time.Duration(s.cfg.Comment.CheckIntervalMinutes) * time.Minute
			s.spawn("comment", interval, s.commentTick)
		}
		log.Printf("[scheduler] started")
	})
}

// Stop shuts down all loops and waits for in-flight ticks to finish.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) spawn(name string, interval time.Duration, tick func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				tick(ctx)
				cancel()
			}
		}
	}()
	log.Printf("[scheduler] %s loop running every %s", name, interval)
}

// --- summary loop ---

func (s *Scheduler) summaryTick(ctx context.Context) {
	now := s.now()
	due, ok := config.ParseTimeOfDay(s.cfg.Memory.SummaryTime)
	if !ok {
		due, _ = config.ParseTimeOfDay(config.DefaultSummaryTime)
	}
	if config.MinuteOfDay(now).Minutes() < due.Minutes() {
		return
	}
	today := now.Format(store.DateLayout)

	s.mu.Lock()
	done := s.lastSummaryDate == today
	if !done {
		s.lastSummaryDate = today
	}
	s.mu.Unlock()
	if done {
		return
	}

	if err := s.RunSummary(ctx); err != nil {
		log.Printf("[scheduler] daily summary: %v", err)
	}
}

// RunSummary summarizes the previous day's records for every whitelisted
// user. A failing user is logged and skipped so the others still get
// their summary, and users are paced apart to avoid bursting the model.
func (s *Scheduler) RunSummary(ctx context.Context) error {
	return s.RunSummaryFor(ctx, s.now().AddDate(0, 0, -1).Format(store.DateLayout))
}

// RunSummaryFor summarizes a specific day (YYYY-MM-DD).
func (s *Scheduler) RunSummaryFor(ctx context.Context, date string) error {
	var failed int
	for i, user := range s.cfg.Memory.UserWhitelist {
		if i > 0 {
			s.sleep(summaryUserDelay)
		}
		if err := s.summarizeUser(ctx, user, date); err != nil {
			failed++
			log.Printf("[scheduler] summarize %s for %s: %v", date, user, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("summary failed for %d user(s)", failed)
	}
	return nil
}

func (s *Scheduler) summarizeUser(ctx context.Context, userID, date string) error {
	if existing, err := s.store.GetSummary(userID, date); err != nil {
		return err
	} else if existing != nil {
		return nil
	}

	records, err := s.store.RecordsByDate(userID, date)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	text, err := s.writer.Summarize(ctx, records)
	if err != nil {
		return err
	}
	if _, err := s.store.PutSummary(userID, date, text, len(records)); err != nil {
		return err
	}
	log.Printf("[scheduler] stored summary for %s (%s, %d messages)", userID, date, len(records))
	return nil
}

// --- post loop ---

func (s *Scheduler) postTick(ctx context.Context) {
	now := s.now()
	if ok, reason := s.postGate(now); !ok {
		log.Printf("[scheduler] post skipped: %s", reason)
		return
	}
	if err := s.RunPost(ctx, ""); err != nil {
		log.Printf("[scheduler] auto post: %v", err)
	}
}

// postGate applies the quota, window, spacing, and probability checks in
// that order. It reports the first failing check.
func (s *Scheduler) postGate(now time.Time) (bool, string) {
	s.mu.Lock()
	today := now.Format(store.DateLayout)
	var todayCount int
	var last time.Time
	for _, t := range s.recentPostTimes {
		if t.Format(store.DateLayout) == today {
			todayCount++
		}
		if t.After(last) {
			last = t
		}
	}
	s.mu.Unlock()

	if todayCount >= s.cfg.Post.DailyCount {
		return false, fmt.Sprintf("daily quota reached (%d/%d)", todayCount, s.cfg.Post.DailyCount)
	}

	minute := config.MinuteOfDay(now).Minutes()
	start := config.MustTimeOfDay(s.cfg.Post.WindowStart, config.DefaultPostWindowStart).Minutes()
	end := config.MustTimeOfDay(s.cfg.Post.WindowEnd, config.DefaultPostWindowEnd).Minutes()
	if minute < start || minute > end {
		return false, "outside posting window"
	}

	if !last.IsZero() {
		minGap := time.Duration(s.cfg.Post.MinIntervalHours) * time.Hour
		if gap := now.Sub(last); gap < minGap {
			return false, fmt.Sprintf("last post %s ago, minimum gap %s", gap.Round(time.Minute), minGap)
		}
	}

	if s.randFloat() >= s.cfg.Post.Probability {
		return false, "probability draw"
	}
	return true, ""
}

// RunPost composes and publishes one post. A non-empty text overrides the
// composed content. Manual triggers skip the gate but still count against
// the quota through the recorded publish time.
func (s *Scheduler) RunPost(ctx context.Context, text string) error {
	if s.feed == nil {
		return fmt.Errorf("feed session not configured")
	}
	if text == "" {
		summaries := s.collectRecentSummaries()
		text = s.writer.ComposePost(ctx, summaries)
	}

	tid, err := s.feed.Publish(ctx, text, nil)
	if err != nil {
		return fmt.Errorf("publish post: %w", err)
	}
	s.recordPost(s.now())
	log.Printf("[scheduler] published post %s: %q", tid, text)
	return nil
}

// collectRecentSummaries picks one whitelisted user at random and returns
// that user's recent summaries, so each post speaks with a single voice.
func (s *Scheduler) collectRecentSummaries() []store.DailySummary {
	users := s.cfg.Memory.UserWhitelist
	if len(users) == 0 {
		return nil
	}
	idx := int(s.randFloat() * float64(len(users)))
	if idx >= len(users) {
		idx = len(users) - 1
	}
	user := users[idx]

	summaries, err := s.store.RecentSummaries(user, postSourceDays, s.now())
	if err != nil {
		log.Printf("[scheduler] load summaries for %s: %v", user, err)
		return nil
	}
	return summaries
}

func (s *Scheduler) recordPost(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentPostTimes = append(s.recentPostTimes, t)
	if n := len(s.recentPostTimes); n > maxRecentPostTimes {
		s.recentPostTimes = s.recentPostTimes[n-maxRecentPostTimes:]
	}
}

// --- comment loop ---

func (s *Scheduler) commentTick(ctx context.Context) {
	if err := s.RunCommentSweep(ctx); err != nil {
		log.Printf("[scheduler] comment sweep: %v", err)
	}
}

// RunCommentSweep walks the target users' feeds and comments on posts
// the session owner has not engaged with yet, one probability draw per
// post. Sweeps pause briefly between comments to avoid a burst.
func (s *Scheduler) RunCommentSweep(ctx context.Context) error {
	if s.feed == nil {
		return fmt.Errorf("feed session not configured")
	}
	first := true
	for _, target := range s.cfg.Comment.Targets {
		if target == s.feed.Uin() {
			continue
		}
		if !first {
			s.sleep(commentTargetDelay)
		}
		first = false
		posts, err := s.feed.ListRecent(ctx, target, feedFetchCount)
		if err != nil {
			log.Printf("[scheduler] list feed of %s: %v", target, err)
			continue
		}
		for _, p := range posts {
			if p.HasMyComment || p.Text == "" {
				continue
			}
			if s.randFloat() >= s.cfg.Comment.Probability {
				continue
			}
			text, err := s.writer.ComposeComment(ctx, p.Text)
			if err != nil {
				log.Printf("[scheduler] compose comment on %s: %v", p.ID, err)
				continue
			}
			if err := s.feed.Comment(ctx, p, text); err != nil {
				log.Printf("[scheduler] comment on %s: %v", p.ID, err)
				continue
			}
			log.Printf("[scheduler] commented on %s/%s: %q", p.OwnerUin, p.ID, text)
			s.sleep(s.commentDelay())
		}
	}
	return nil
}

// pause sleeps but wakes early on Stop.
func (s *Scheduler) pause(d time.Duration) {
	select {
	case <-s.stopCh:
	case <-time.After(d):
	}
}

// --- cleanup loop ---

func (s *Scheduler) cleanupTick(ctx context.Context) {
	now := s.now()
	minute := config.MinuteOfDay(now).Minutes()
	if minute < cleanupStartMinute || minute > cleanupEndMinute {
		return
	}
	today := now.Format(store.DateLayout)

	s.mu.Lock()
	done := s.lastCleanupDate == today
	if !done {
		s.lastCleanupDate = today
	}
	s.mu.Unlock()
	if done {
		return
	}

	if err := s.RunCleanup(ctx); err != nil {
		log.Printf("[scheduler] cleanup: %v", err)
	}
}

// RunCleanup purges expired records and summaries. Summaries live twice
// as long as raw records.
func (s *Scheduler) RunCleanup(_ context.Context) error {
	records, summaries, err := s.store.PurgeOlderThan(s.cfg.Memory.RetentionDays, s.cfg.Memory.RetentionDays*2, s.now())
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	log.Printf("[scheduler] cleanup removed %d records, %d summaries", records, summaries)
	return nil
}
