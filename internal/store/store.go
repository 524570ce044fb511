package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Options bound what Append will accept. An empty Whitelist admits nobody,
// matching the plugin's opt-in memory model.
type Options struct {
	Whitelist        []string
	MaxDailyMessages int
}

// Store persists chat records and daily summaries in sqlite. Reads run
// concurrently under WAL; writes are serialized by mu.
type Store struct {
	db        *sql.DB
	mu        sync.Mutex
	whitelist map[string]bool
	dailyCap  int
}

func NewStore(dbPath string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	whitelist := make(map[string]bool, len(opts.Whitelist))
	for _, u := range opts.Whitelist {
		if u = strings.TrimSpace(u); u != "" {
			whitelist[u] = true
		}
	}
	dailyCap := opts.MaxDailyMessages
	if dailyCap <= 0 {
		dailyCap = 200
	}

	s := &Store{db: db, whitelist: whitelist, dailyCap: dailyCap}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			ts INTEGER NOT NULL,
			date TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_user_ts ON chat_records(user_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_records_user_date ON chat_records(user_id, date)`,
		`CREATE TABLE IF NOT EXISTS daily_summaries (
			user_id TEXT NOT NULL,
			date TEXT NOT NULL,
			content TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, date)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records one inbound message. Messages from users outside the
// whitelist and messages over the per-user daily cap are dropped without
// error; recording is best-effort and must never break message handling.
func (s *Store) Append(rec ChatRecord) error {
	userID := strings.TrimSpace(rec.UserID)
	if userID == "" || !s.whitelist[userID] {
		return nil
	}
	if strings.TrimSpace(rec.Content) == "" {
		return nil
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	date := rec.Timestamp.Format(DateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM chat_records WHERE user_id = ? AND date = ?`, userID, date)
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("count daily records: %w", err)
	}
	if count >= s.dailyCap {
		log.Printf("[store] daily cap reached for %s (%d), dropping record", userID, s.dailyCap)
		return nil
	}

	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO chat_records (id, user_id, content, ts, date, session_id, platform)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, userID, rec.Content, rec.Timestamp.Unix(), date, rec.SessionID, rec.Platform)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *Store) CountToday(userID string, now time.Time) (int, error) {
	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM chat_records WHERE user_id = ? AND date = ?`,
		userID, now.Format(DateLayout))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count today: %w", err)
	}
	return count, nil
}

// RecordsByDate returns one user's records for a day, oldest first, the
// order a transcript reads in.
func (s *Store) RecordsByDate(userID, date string) ([]ChatRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, content, ts, session_id, platform
		FROM chat_records
		WHERE user_id = ? AND date = ?
		ORDER BY ts ASC
	`, userID, date)
	if err != nil {
		return nil, fmt.Errorf("query records by date: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// RecordsSince returns a user's records for the trailing window, newest
// first, for browsing.
func (s *Store) RecordsSince(userID string, days int, now time.Time) ([]ChatRecord, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := now.AddDate(0, 0, -days).Unix()
	rows, err := s.db.Query(`
		SELECT id, user_id, content, ts, session_id, platform
		FROM chat_records
		WHERE user_id = ? AND ts >= ?
		ORDER BY ts DESC
	`, userID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query records since: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// PutSummary stores a summary for (userID, date) unless one already
// exists, in which case the stored one is returned unchanged. Duplicate
// summary triggers are therefore harmless.
func (s *Store) PutSummary(userID, date, content string, messageCount int) (DailySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.getSummary(userID, date); err != nil {
		return DailySummary{}, err
	} else if existing != nil {
		return *existing, nil
	}

	now := time.Now()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO daily_summaries (user_id, date, content, message_count, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, date, content, messageCount, now.Unix())
	if err != nil {
		return DailySummary{}, fmt.Errorf("insert summary: %w", err)
	}

	stored, err := s.getSummary(userID, date)
	if err != nil {
		return DailySummary{}, err
	}
	if stored == nil {
		return DailySummary{}, fmt.Errorf("summary for %s/%s missing after insert", userID, date)
	}
	return *stored, nil
}

func (s *Store) GetSummary(userID, date string) (*DailySummary, error) {
	return s.getSummary(userID, date)
}

func (s *Store) getSummary(userID, date string) (*DailySummary, error) {
	row := s.db.QueryRow(`
		SELECT user_id, date, content, message_count, created_at
		FROM daily_summaries
		WHERE user_id = ? AND date = ?
	`, userID, date)

	var sum DailySummary
	var createdAt int64
	if err := row.Scan(&sum.UserID, &sum.Date, &sum.Content, &sum.MessageCount, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get summary: %w", err)
	}
	sum.CreatedAt = time.Unix(createdAt, 0)
	return &sum, nil
}

// RecentSummaries returns a user's summaries for the trailing window,
// newest first.
func (s *Store) RecentSummaries(userID string, days int, now time.Time) ([]DailySummary, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := now.AddDate(0, 0, -days).Format(DateLayout)
	rows, err := s.db.Query(`
		SELECT user_id, date, content, message_count, created_at
		FROM daily_summaries
		WHERE user_id = ? AND date >= ?
		ORDER BY date DESC
	`, userID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query recent summaries: %w", err)
	}
	defer rows.Close()

	result := make([]DailySummary, 0)
	for rows.Next() {
		var sum DailySummary
		var createdAt int64
		if err := rows.Scan(&sum.UserID, &sum.Date, &sum.Content, &sum.MessageCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.CreatedAt = time.Unix(createdAt, 0)
		result = append(result, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return result, nil
}

// PurgeOlderThan deletes records older than recordDays and summaries older
// than summaryDays, returning the deleted counts. Safe to call repeatedly.
func (s *Store) PurgeOlderThan(recordDays, summaryDays int, now time.Time) (int64, int64, error) {
	if recordDays <= 0 {
		recordDays = 7
	}
	if summaryDays <= 0 {
		summaryDays = recordDays * 2
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recordCutoff := now.AddDate(0, 0, -recordDays).Unix()
	res, err := s.db.Exec(`DELETE FROM chat_records WHERE ts < ?`, recordCutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("purge records: %w", err)
	}
	recordsDeleted, _ := res.RowsAffected()

	summaryCutoff := now.AddDate(0, 0, -summaryDays).Format(DateLayout)
	res, err = s.db.Exec(`DELETE FROM daily_summaries WHERE date < ?`, summaryCutoff)
	if err != nil {
		return recordsDeleted, 0, fmt.Errorf("purge summaries: %w", err)
	}
	summariesDeleted, _ := res.RowsAffected()

	return recordsDeleted, summariesDeleted, nil
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chat_records`).Scan(&st.Records); err != nil {
		return st, fmt.Errorf("count records: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM daily_summaries`).Scan(&st.Summaries); err != nil {
		return st, fmt.Errorf("count summaries: %w", err)
	}
	return st, nil
}

// IsWhitelisted reports whether memory capture is enabled for a user.
func (s *Store) IsWhitelisted(userID string) bool {
	return s.whitelist[strings.TrimSpace(userID)]
}

func scanRecords(rows *sql.Rows) ([]ChatRecord, error) {
	result := make([]ChatRecord, 0)
	for rows.Next() {
		var rec ChatRecord
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Content, &ts, &rec.SessionID, &rec.Platform); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Timestamp = time.Unix(ts, 0)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return result, nil
}
