package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/yuhaven/moments/internal/config"
	"github.com/yuhaven/moments/internal/qzone"
	"github.com/yuhaven/moments/internal/store"
)

type fakeWriter struct {
	summary    string
	summaryErr map[string]error // keyed by first record's user
	post       string
	comment    string
	commentErr error

	summarizeCalls int
	postCalls      int
	postSummaries  []store.DailySummary
}

func (f *fakeWriter) Summarize(_ context.Context, records []store.ChatRecord) (string, error) {
	f.summarizeCalls++
	if len(records) > 0 {
		if err := f.summaryErr[records[0].UserID]; err != nil {
			return "", err
		}
	}
	return f.summary, nil
}

func (f *fakeWriter) ComposePost(_ context.Context, summaries []store.DailySummary) string {
	f.postCalls++
	f.postSummaries = summaries
	return f.post
}

func (f *fakeWriter) ComposeComment(_ context.Context, _ string) (string, error) {
	if f.commentErr != nil {
		return "", f.commentErr
	}
	return f.comment, nil
}

type fakeFeed struct {
	uin        string
	posts      map[string][]qzone.Post
	published  []string
	comments   map[string]string // post ID -> comment text
	publishErr error
}

func (f *fakeFeed) Publish(_ context.Context, text string, _ []qzone.UploadedImage) (string, error) {
	if f.publishErr != nil {
		return "", f.publishErr
	}
	f.published = append(f.published, text)
	return fmt.Sprintf("tid%d", len(f.published)), nil
}

func (f *fakeFeed) ListRecent(_ context.Context, targetUin string, _ int) ([]qzone.Post, error) {
	return f.posts[targetUin], nil
}

func (f *fakeFeed) Comment(_ context.Context, p qzone.Post, text string) error {
	if f.comments == nil {
		f.comments = map[string]string{}
	}
	f.comments[p.ID] = text
	return nil
}

func (f *fakeFeed) Uin() string { return f.uin }

func newTestScheduler(t *testing.T, cfg *config.Config, writer *fakeWriter, feed *fakeFeed) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "moments.db"), store.Options{
		Whitelist:        cfg.Memory.UserWhitelist,
		MaxDailyMessages: cfg.Memory.MaxDailyMessages,
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s := NewScheduler(cfg, st, writer, feed)
	s.commentDelay = func() time.Duration { return 0 }
	s.sleep = func(time.Duration) {}
	return s, st
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Memory.UserWhitelist = []string{"alice"}
	cfg.Post.DailyCount = 2
	cfg.Post.WindowStart = "09:00"
	cfg.Post.WindowEnd = "22:00"
	cfg.Post.MinIntervalHours = 3
	cfg.Post.Probability = 1.0
	cfg.Comment.Probability = 1.0
	return cfg
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 8, 28, hour, minute, 0, 0, time.Local)
}

func TestPostGateFires(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), &fakeWriter{}, &fakeFeed{uin: "1"})
	s.randFloat = func() float64 { return 0.0 }

	if ok, reason := s.postGate(at(12, 0)); !ok {
		t.Fatalf("gate should pass: %s", reason)
	}
}

func TestPostGateQuota(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), &fakeWriter{}, &fakeFeed{uin: "1"})
	s.randFloat = func() float64 { return 0.0 }
	s.recordPost(at(9, 30))
	s.recordPost(at(10, 30))

	if ok, reason := s.postGate(at(15, 0)); ok {
		t.Fatal("gate should block on quota")
	} else if reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestPostGateQuotaIgnoresYesterday(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), &fakeWriter{}, &fakeFeed{uin: "1"})
	s.randFloat = func() float64 { return 0.0 }
	s.recordPost(at(10, 0).AddDate(0, 0, -1))
	s.recordPost(at(11, 0).AddDate(0, 0, -1))

	if ok, reason := s.postGate(at(12, 0)); !ok {
		t.Fatalf("yesterday's posts should not count against today: %s", reason)
	}
}

func TestPostGateWindow(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), &fakeWriter{}, &fakeFeed{uin: "1"})
	s.randFloat = func() float64 { return 0.0 }

	if ok, _ := s.postGate(at(7, 0)); ok {
		t.Fatal("gate should block before the window opens")
	}
	if ok, _ := s.postGate(at(23, 0)); ok {
		t.Fatal("gate should block after the window closes")
	}
}

func TestPostGateSpacing(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), &fakeWriter{}, &fakeFeed{uin: "1"})
	s.randFloat = func() float64 { return 0.0 }
	s.recordPost(at(10, 30))

	if ok, _ := s.postGate(at(12, 0)); ok {
		t.Fatal("gate should block 90 minutes after the last post")
	}
	if ok, reason := s.postGate(at(13, 30)); !ok {
		t.Fatalf("gate should pass once the gap is met: %s", reason)
	}
}

func TestPostGateProbability(t *testing.T) {
	cfg := testConfig()
	cfg.Post.Probability = 0.3
	s, _ := newTestScheduler(t, cfg, &fakeWriter{}, &fakeFeed{uin: "1"})

	s.randFloat = func() float64 { return 0.9 }
	if ok, _ := s.postGate(at(12, 0)); ok {
		t.Fatal("gate should block on a high draw")
	}
	s.randFloat = func() float64 { return 0.1 }
	if ok, _ := s.postGate(at(12, 0)); !ok {
		t.Fatal("gate should pass on a low draw")
	}
}

func TestRecordPostBounded(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), &fakeWriter{}, &fakeFeed{uin: "1"})
	for i := 0; i < 15; i++ {
		s.recordPost(at(9, 0).Add(time.Duration(i) * time.Minute))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recentPostTimes) != maxRecentPostTimes {
		t.Fatalf("got %d retained times, want %d", len(s.recentPostTimes), maxRecentPostTimes)
	}
	if !s.recentPostTimes[len(s.recentPostTimes)-1].Equal(at(9, 14)) {
		t.Fatal("newest publish time should be retained")
	}
}

func TestRunPostRecordsPublishTime(t *testing.T) {
	writer := &fakeWriter{post: "composed post"}
	feed := &fakeFeed{uin: "1"}
	s, _ := newTestScheduler(t, testConfig(), writer, feed)
	s.now = func() time.Time { return at(12, 0) }

	if err := s.RunPost(context.Background(), ""); err != nil {
		t.Fatalf("RunPost failed: %v", err)
	}
	if len(feed.published) != 1 || feed.published[0] != "composed post" {
		t.Fatalf("published = %v", feed.published)
	}
	s.mu.Lock()
	n := len(s.recentPostTimes)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("publish time not recorded: %d entries", n)
	}
}

func TestRunPostTextOverride(t *testing.T) {
	writer := &fakeWriter{post: "composed post"}
	feed := &fakeFeed{uin: "1"}
	s, _ := newTestScheduler(t, testConfig(), writer, feed)

	if err := s.RunPost(context.Background(), "manual text"); err != nil {
		t.Fatalf("RunPost failed: %v", err)
	}
	if writer.postCalls != 0 {
		t.Fatal("composer should not run when text is given")
	}
	if feed.published[0] != "manual text" {
		t.Fatalf("published = %v", feed.published)
	}
}

func TestRunSummaryStoresAndSkipsExisting(t *testing.T) {
	writer := &fakeWriter{summary: "a fine day"}
	s, st := newTestScheduler(t, testConfig(), writer, &fakeFeed{uin: "1"})
	s.now = func() time.Time { return at(8, 0) }

	yesterday := at(8, 0).AddDate(0, 0, -1)
	for i := 0; i < 3; i++ {
		err := st.Append(store.ChatRecord{
			UserID:    "alice",
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: yesterday.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	if err := s.RunSummary(context.Background()); err != nil {
		t.Fatalf("RunSummary failed: %v", err)
	}
	date := yesterday.Format(store.DateLayout)
	sum, err := st.GetSummary("alice", date)
	if err != nil || sum == nil {
		t.Fatalf("summary not stored: %v", err)
	}
	if sum.Content != "a fine day" || sum.MessageCount != 3 {
		t.Fatalf("summary mismatch: %+v", sum)
	}

	// A second run finds the stored summary and does not call the model.
	if err := s.RunSummary(context.Background()); err != nil {
		t.Fatalf("second RunSummary failed: %v", err)
	}
	if writer.summarizeCalls != 1 {
		t.Fatalf("summarize called %d times, want 1", writer.summarizeCalls)
	}
}

func TestRunSummaryNoRecords(t *testing.T) {
	writer := &fakeWriter{summary: "x"}
	s, _ := newTestScheduler(t, testConfig(), writer, &fakeFeed{uin: "1"})

	if err := s.RunSummary(context.Background()); err != nil {
		t.Fatalf("RunSummary failed: %v", err)
	}
	if writer.summarizeCalls != 0 {
		t.Fatal("summarize should not run without records")
	}
}

func TestRunSummaryUserIsolation(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.UserWhitelist = []string{"alice", "bob"}
	writer := &fakeWriter{
		summary:    "fine",
		summaryErr: map[string]error{"alice": fmt.Errorf("model down")},
	}
	s, st := newTestScheduler(t, cfg, writer, &fakeFeed{uin: "1"})
	s.now = func() time.Time { return at(8, 0) }

	yesterday := at(8, 0).AddDate(0, 0, -1)
	for _, user := range []string{"alice", "bob"} {
		err := st.Append(store.ChatRecord{UserID: user, Content: "hi", Timestamp: yesterday})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	if err := s.RunSummary(context.Background()); err == nil {
		t.Fatal("expected error when one user fails")
	}
	date := yesterday.Format(store.DateLayout)
	if sum, _ := st.GetSummary("bob", date); sum == nil {
		t.Fatal("bob's summary should be stored despite alice's failure")
	}
	if sum, _ := st.GetSummary("alice", date); sum != nil {
		t.Fatal("alice's summary should be absent")
	}
}

func TestRunCommentSweep(t *testing.T) {
	feed := &fakeFeed{
		uin: "1",
		posts: map[string][]qzone.Post{
			"2": {
				{ID: "p1", OwnerUin: "2", Text: "sunset"},
				{ID: "p2", OwnerUin: "2", Text: "coffee", HasMyComment: true},
				{ID: "p3", OwnerUin: "2", Text: ""},
			},
		},
	}
	cfg := testConfig()
	cfg.Comment.Targets = []string{"2", "1"} // "1" is self, skipped
	writer := &fakeWriter{comment: "nice!"}
	s, _ := newTestScheduler(t, cfg, writer, feed)
	s.randFloat = func() float64 { return 0.0 }

	if err := s.RunCommentSweep(context.Background()); err != nil {
		t.Fatalf("RunCommentSweep failed: %v", err)
	}
	if len(feed.comments) != 1 {
		t.Fatalf("got %d comments, want 1: %v", len(feed.comments), feed.comments)
	}
	if feed.comments["p1"] != "nice!" {
		t.Fatalf("comments = %v", feed.comments)
	}
}

func TestRunCommentSweepProbability(t *testing.T) {
	feed := &fakeFeed{
		uin:   "1",
		posts: map[string][]qzone.Post{"2": {{ID: "p1", OwnerUin: "2", Text: "sunset"}}},
	}
	cfg := testConfig()
	cfg.Comment.Targets = []string{"2"}
	cfg.Comment.Probability = 0.3
	s, _ := newTestScheduler(t, cfg, &fakeWriter{comment: "nice!"}, feed)
	s.randFloat = func() float64 { return 0.9 }

	if err := s.RunCommentSweep(context.Background()); err != nil {
		t.Fatalf("RunCommentSweep failed: %v", err)
	}
	if len(feed.comments) != 0 {
		t.Fatalf("high draw should skip all posts: %v", feed.comments)
	}
}

func TestRunCleanup(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.RetentionDays = 7
	s, st := newTestScheduler(t, cfg, &fakeWriter{}, &fakeFeed{uin: "1"})
	now := at(12, 0)
	s.now = func() time.Time { return now }

	old := now.AddDate(0, 0, -10)
	if err := st.Append(store.ChatRecord{UserID: "alice", Content: "stale", Timestamp: old}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := st.Append(store.ChatRecord{UserID: "alice", Content: "fresh", Timestamp: now}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := s.RunCleanup(context.Background()); err != nil {
		t.Fatalf("RunCleanup failed: %v", err)
	}
	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Records != 1 {
		t.Fatalf("got %d records after cleanup, want 1", stats.Records)
	}
}

func TestRunPostPicksOneRandomUser(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.UserWhitelist = []string{"alice", "bob"}
	writer := &fakeWriter{post: "composed post"}
	s, st := newTestScheduler(t, cfg, writer, &fakeFeed{uin: "1"})
	now := at(12, 0)
	s.now = func() time.Time { return now }
	s.randFloat = func() float64 { return 0.9 } // selects bob

	day := func(ago int) string { return now.AddDate(0, 0, -ago).Format(store.DateLayout) }
	if _, err := st.PutSummary("alice", day(1), "alice day", 2); err != nil {
		t.Fatalf("PutSummary failed: %v", err)
	}
	if _, err := st.PutSummary("bob", day(5), "bob day", 2); err != nil {
		t.Fatalf("PutSummary failed: %v", err)
	}
	if _, err := st.PutSummary("bob", day(10), "bob old day", 2); err != nil {
		t.Fatalf("PutSummary failed: %v", err)
	}

	if err := s.RunPost(context.Background(), ""); err != nil {
		t.Fatalf("RunPost failed: %v", err)
	}
	if len(writer.postSummaries) != 1 {
		t.Fatalf("got %d summaries, want bob's recent one: %+v", len(writer.postSummaries), writer.postSummaries)
	}
	got := writer.postSummaries[0]
	if got.UserID != "bob" || got.Date != day(5) {
		t.Fatalf("wrong summary selected: %+v", got)
	}
}

func TestRunSummaryPacesUsers(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.UserWhitelist = []string{"alice", "bob", "carol"}
	s, _ := newTestScheduler(t, cfg, &fakeWriter{summary: "fine"}, &fakeFeed{uin: "1"})

	var slept []time.Duration
	s.sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := s.RunSummary(context.Background()); err != nil {
		t.Fatalf("RunSummary failed: %v", err)
	}
	if len(slept) != 2 {
		t.Fatalf("got %d pauses for 3 users, want 2: %v", len(slept), slept)
	}
	for _, d := range slept {
		if d != summaryUserDelay {
			t.Fatalf("pause = %s, want %s", d, summaryUserDelay)
		}
	}
}

func TestRunCommentSweepPacesTargets(t *testing.T) {
	feed := &fakeFeed{
		uin: "1",
		posts: map[string][]qzone.Post{
			"2": {{ID: "p1", OwnerUin: "2", Text: "sunset"}},
			"3": {{ID: "p2", OwnerUin: "3", Text: "coffee"}},
		},
	}
	cfg := testConfig()
	cfg.Comment.Targets = []string{"2", "3"}
	s, _ := newTestScheduler(t, cfg, &fakeWriter{comment: "nice!"}, feed)
	s.randFloat = func() float64 { return 0.0 }

	var slept []time.Duration
	s.sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := s.RunCommentSweep(context.Background()); err != nil {
		t.Fatalf("RunCommentSweep failed: %v", err)
	}
	var gaps int
	for _, d := range slept {
		if d == commentTargetDelay {
			gaps++
		}
	}
	if gaps != 1 {
		t.Fatalf("got %d target gaps for 2 targets, want 1: %v", gaps, slept)
	}
}

func TestRunCleanupSummaryHorizon(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.RetentionDays = 7
	s, st := newTestScheduler(t, cfg, &fakeWriter{}, &fakeFeed{uin: "1"})
	now := at(12, 0)
	s.now = func() time.Time { return now }

	day := func(ago int) string { return now.AddDate(0, 0, -ago).Format(store.DateLayout) }
	if _, err := st.PutSummary("alice", day(10), "mid", 1); err != nil {
		t.Fatalf("PutSummary failed: %v", err)
	}
	if _, err := st.PutSummary("alice", day(20), "ancient", 1); err != nil {
		t.Fatalf("PutSummary failed: %v", err)
	}

	if err := s.RunCleanup(context.Background()); err != nil {
		t.Fatalf("RunCleanup failed: %v", err)
	}
	// Summaries outlive raw records: 10 days < 2x retention, 20 days > 2x.
	if sum, _ := st.GetSummary("alice", day(10)); sum == nil {
		t.Fatal("10-day-old summary should survive a 7-day retention")
	}
	if sum, _ := st.GetSummary("alice", day(20)); sum != nil {
		t.Fatal("20-day-old summary should be purged")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), &fakeWriter{}, &fakeFeed{uin: "1"})
	s.summaryPoll = time.Hour
	s.postPoll = time.Hour
	s.cleanupPoll = time.Hour

	s.Start()
	s.Start()

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Single-use: a Start after Stop spawns nothing and Stop still returns.
	s.Start()
	s.Stop()
}
