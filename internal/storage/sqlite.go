package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tazhate/caldavsync/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer at a time; account passes run concurrently
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			server_url TEXT NOT NULL,
			username TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			principal_url TEXT NOT NULL DEFAULT '',
			calendar_home_url TEXT NOT NULL DEFAULT '',
			is_default INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS calendars (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			color TEXT,
			url TEXT NOT NULL,
			ctag TEXT,
			sync_token TEXT,
			read_only INTEGER NOT NULL DEFAULT 0,
			visible INTEGER NOT NULL DEFAULT 1,
			sort_order INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
			UNIQUE (account_id, url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calendars_account ON calendars(account_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			calendar_id TEXT NOT NULL,
			uid TEXT NOT NULL,
			href TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			dt_start INTEGER NOT NULL,
			dt_end INTEGER,
			all_day INTEGER NOT NULL DEFAULT 0,
			timezone TEXT NOT NULL DEFAULT '',
			rrule TEXT NOT NULL DEFAULT '',
			organizer_email TEXT NOT NULL DEFAULT '',
			organizer_name TEXT NOT NULL DEFAULT '',
			attendees_json TEXT NOT NULL DEFAULT '[]',
			reminders_json TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'CONFIRMED',
			created INTEGER,
			last_modified INTEGER,
			etag TEXT,
			sync_status TEXT NOT NULL DEFAULT 'SYNCED',
			raw_ical TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (calendar_id, uid),
			FOREIGN KEY (calendar_id) REFERENCES calendars(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_start ON events(dt_start)`,
		`CREATE INDEX IF NOT EXISTS idx_events_sync_status ON events(sync_status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_href ON events(calendar_id, href)`,
		// Last successful pass per account
		`ALTER TABLE accounts ADD COLUMN last_sync_at INTEGER`,
		// Counts local writes so stale read-modify-writes can be detected
		`ALTER TABLE events ADD COLUMN local_rev INTEGER NOT NULL DEFAULT 0`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("exec migration: %w", err)
			}
		}
	}
	return nil
}

// nullable helpers; times are stored as unix milliseconds

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// === Accounts ===

const accountColumns = `id, server_url, username, display_name, email, principal_url, calendar_home_url, is_default, last_sync_at`

func scanAccount(row interface{ Scan(...any) error }) (*domain.Account, error) {
	a := &domain.Account{}
	var lastSync sql.NullInt64
	if err := row.Scan(&a.ID, &a.ServerURL, &a.Username, &a.DisplayName, &a.Email, &a.PrincipalURL, &a.CalendarHomeURL, &a.IsDefault, &lastSync); err != nil {
		return nil, err
	}
	a.LastSyncAt = fromMillis(lastSync)
	return a, nil
}

// CreateAccount inserts an account together with its calendars. A default
// account clears the flag on every other account.
func (s *Storage) CreateAccount(a *domain.Account, calendars []*domain.Calendar) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if a.IsDefault {
		if _, err := tx.Exec(`UPDATE accounts SET is_default = 0`); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ServerURL, a.Username, a.DisplayName, a.Email, a.PrincipalURL, a.CalendarHomeURL, a.IsDefault, toMillis(a.LastSyncAt),
	); err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	for _, c := range calendars {
		if err := saveCalendar(tx, c); err != nil {
			return fmt.Errorf("insert calendar %s: %w", c.URL, err)
		}
	}
	return tx.Commit()
}

// GetAccount returns nil, nil when the account does not exist.
func (s *Storage) GetAccount(id string) (*domain.Account, error) {
	a, err := scanAccount(s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *Storage) GetDefaultAccount() (*domain.Account, error) {
	a, err := scanAccount(s.db.QueryRow(`SELECT ` + accountColumns + ` FROM accounts WHERE is_default = 1 LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *Storage) ListAccounts() ([]*domain.Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY is_default DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Storage) CountAccounts() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

// SetDefaultAccount makes id the only default account.
func (s *Storage) SetDefaultAccount(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE accounts SET is_default = (id = ?)`, id); err != nil {
		return err
	}
	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM accounts WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("account %s not found", id)
	}
	return tx.Commit()
}

func (s *Storage) SetAccountSynced(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE accounts SET last_sync_at = ? WHERE id = ?`, at.UnixMilli(), id)
	return err
}

// DeleteAccount removes an account with its calendars and events. When the
// default account goes, the oldest remaining one takes over.
func (s *Storage) DeleteAccount(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE accounts SET is_default = 1
		 WHERE id = (SELECT id FROM accounts ORDER BY created_at ASC, id ASC LIMIT 1)
		   AND NOT EXISTS (SELECT 1 FROM accounts WHERE is_default = 1)`,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// === Calendars ===

const calendarColumns = `id, account_id, display_name, color, url, ctag, sync_token, read_only, visible, sort_order`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func scanCalendar(row interface{ Scan(...any) error }) (*domain.Calendar, error) {
	c := &domain.Calendar{}
	var color, ctag, token sql.NullString
	if err := row.Scan(&c.ID, &c.AccountID, &c.DisplayName, &color, &c.URL, &ctag, &token, &c.ReadOnly, &c.Visible, &c.SortOrder); err != nil {
		return nil, err
	}
	c.Color = color.String
	c.CTag = ctag.String
	c.SyncToken = token.String
	return c, nil
}

// saveCalendar inserts a calendar or refreshes its server-side metadata.
// Visibility and sync state of an existing row are left alone.
func saveCalendar(ex execer, c *domain.Calendar) error {
	_, err := ex.Exec(
		`INSERT INTO calendars (`+calendarColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			color = excluded.color,
			read_only = excluded.read_only,
			sort_order = excluded.sort_order`,
		c.ID, c.AccountID, c.DisplayName, nullString(c.Color), c.URL, nullString(c.CTag), nullString(c.SyncToken), c.ReadOnly, c.Visible, c.SortOrder,
	)
	return err
}

func (s *Storage) SaveCalendar(c *domain.Calendar) error {
	return saveCalendar(s.db, c)
}

// GetCalendar returns nil, nil when the calendar does not exist.
func (s *Storage) GetCalendar(id string) (*domain.Calendar, error) {
	c, err := scanCalendar(s.db.QueryRow(`SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *Storage) ListCalendars(accountID string) ([]*domain.Calendar, error) {
	return s.queryCalendars(`SELECT `+calendarColumns+` FROM calendars WHERE account_id = ? ORDER BY sort_order ASC, display_name ASC`, accountID)
}

func (s *Storage) ListVisibleCalendars() ([]*domain.Calendar, error) {
	return s.queryCalendars(`SELECT ` + calendarColumns + ` FROM calendars WHERE visible = 1 ORDER BY account_id, sort_order ASC`)
}

func (s *Storage) queryCalendars(query string, args ...any) ([]*domain.Calendar, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calendars []*domain.Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		calendars = append(calendars, c)
	}
	return calendars, rows.Err()
}

func (s *Storage) SetCalendarVisible(id string, visible bool) error {
	_, err := s.db.Exec(`UPDATE calendars SET visible = ? WHERE id = ?`, visible, id)
	return err
}

// DeleteCalendar removes a calendar and, by cascade, its events.
func (s *Storage) DeleteCalendar(id string) error {
	_, err := s.db.Exec(`DELETE FROM calendars WHERE id = ?`, id)
	return err
}
