package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/sourcesync/dbopen"
	"github.com/hazyhaar/sourcesync/errclass"
)

// Mode is the kind of walk.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
)

// Status is a state-machine state of an account's sync.
type Status string

const (
	StatusIdle        Status = "IDLE"
	StatusStarted     Status = "STARTED"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusCompleted   Status = "COMPLETED"
	StatusRateLimited Status = "RATE_LIMITED"
	StatusTimeout     Status = "TIMEOUT"
	StatusCancelled   Status = "CANCELLED"
	StatusFailed      Status = "FAILED"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRateLimited, StatusTimeout, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Resumable reports whether a run that ended in s left a cursor the next
// full sync continues from.
func (s Status) Resumable() bool {
	return s == StatusRateLimited || s == StatusTimeout || s == StatusCancelled
}

// SyncState is the persisted per-account cursor and status.
// OldestItemAt is written only by full walks; NewestItemAt is the incremental
// stop mark. While an incremental walk has not yet reached NewestItemAt,
// CatchUpCursorAt holds the oldest item it merged and CatchUpNewestAt the
// newest; the mark advances only once the walk closes that gap.
// Timestamps are unix ms, zero when unset.
type SyncState struct {
	AccountID           string            `json:"account_id"`
	Mode                Mode              `json:"mode"`
	Status              Status            `json:"status"`
	RunID               string            `json:"run_id,omitempty"`
	OldestItemAt        int64             `json:"oldest_item_at"`
	NewestItemAt        int64             `json:"newest_item_at"`
	CatchUpCursorAt     int64             `json:"catch_up_cursor_at,omitempty"`
	CatchUpNewestAt     int64             `json:"catch_up_newest_at,omitempty"`
	FullHistoryComplete bool              `json:"full_history_complete"`
	LastSyncAt          int64             `json:"last_sync_at"`
	LastErrorCategory   errclass.Category `json:"last_error_category,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	TotalItems          int64             `json:"total_items"`
	UpdatedAt           int64             `json:"updated_at"`
}

// resumeCursor returns the cursor an incomplete full walk continues from.
func (s *SyncState) resumeCursor() (time.Time, bool) {
	if s.FullHistoryComplete || s.OldestItemAt == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(s.OldestItemAt), true
}

// catchUpCursor returns where an unfinished incremental walk continues.
func (s *SyncState) catchUpCursor() (time.Time, bool) {
	if s.CatchUpCursorAt == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(s.CatchUpCursorAt), true
}

// StateSchema is the sync_state table.
const StateSchema = `
CREATE TABLE IF NOT EXISTS sync_state (
    account_id             TEXT PRIMARY KEY,
    mode                   TEXT NOT NULL DEFAULT '',
    status                 TEXT NOT NULL DEFAULT 'IDLE',
    run_id                 TEXT NOT NULL DEFAULT '',
    oldest_item_at         INTEGER NOT NULL DEFAULT 0,
    newest_item_at         INTEGER NOT NULL DEFAULT 0,
    catch_up_cursor_at     INTEGER NOT NULL DEFAULT 0,
    catch_up_newest_at     INTEGER NOT NULL DEFAULT 0,
    full_history_complete  INTEGER NOT NULL DEFAULT 0,
    last_sync_at           INTEGER NOT NULL DEFAULT 0,
    last_error_category    TEXT NOT NULL DEFAULT '',
    last_error             TEXT NOT NULL DEFAULT '',
    total_items            INTEGER NOT NULL DEFAULT 0,
    updated_at             INTEGER NOT NULL
);
`

// StateStore persists SyncState rows.
type StateStore struct {
	db *sql.DB
}

// NewStateStore wraps db. StateSchema must already be applied.
func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// Get returns the state of accountID, or an IDLE state if none exists.
func (s *StateStore) Get(ctx context.Context, accountID string) (*SyncState, error) {
	st, err := scanState(s.db.QueryRowContext(ctx, selectState+` WHERE account_id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return &SyncState{AccountID: accountID, Status: StatusIdle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("syncer: get state %s: %w", accountID, err)
	}
	return st, nil
}

// Save upserts st.
func (s *StateStore) Save(ctx context.Context, st *SyncState) error {
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO sync_state (account_id, mode, status, run_id, oldest_item_at, newest_item_at,
			catch_up_cursor_at, catch_up_newest_at,
			full_history_complete, last_sync_at, last_error_category, last_error, total_items, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			mode = excluded.mode,
			status = excluded.status,
			run_id = excluded.run_id,
			oldest_item_at = excluded.oldest_item_at,
			newest_item_at = excluded.newest_item_at,
			catch_up_cursor_at = excluded.catch_up_cursor_at,
			catch_up_newest_at = excluded.catch_up_newest_at,
			full_history_complete = excluded.full_history_complete,
			last_sync_at = excluded.last_sync_at,
			last_error_category = excluded.last_error_category,
			last_error = excluded.last_error,
			total_items = excluded.total_items,
			updated_at = excluded.updated_at`,
		st.AccountID, string(st.Mode), string(st.Status), st.RunID, st.OldestItemAt, st.NewestItemAt,
		st.CatchUpCursorAt, st.CatchUpNewestAt, st.FullHistoryComplete, st.LastSyncAt, string(st.LastErrorCategory), st.LastError,
		st.TotalItems, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("syncer: save state %s: %w", st.AccountID, err)
	}
	return nil
}

// List returns every persisted state.
func (s *StateStore) List(ctx context.Context) ([]*SyncState, error) {
	rows, err := s.db.QueryContext(ctx, selectState+` ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("syncer: list states: %w", err)
	}
	defer rows.Close()
	var out []*SyncState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("syncer: scan state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const selectState = `SELECT account_id, mode, status, run_id, oldest_item_at, newest_item_at,
	catch_up_cursor_at, catch_up_newest_at, full_history_complete, last_sync_at, last_error_category, last_error, total_items, updated_at
	FROM sync_state`

type scanner interface {
	Scan(dest ...any) error
}

func scanState(sc scanner) (*SyncState, error) {
	var st SyncState
	var mode, status, cat string
	if err := sc.Scan(&st.AccountID, &mode, &status, &st.RunID, &st.OldestItemAt, &st.NewestItemAt,
		&st.CatchUpCursorAt, &st.CatchUpNewestAt, &st.FullHistoryComplete, &st.LastSyncAt, &cat, &st.LastError, &st.TotalItems, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Mode, st.Status, st.LastErrorCategory = Mode(mode), Status(status), errclass.Category(cat)
	return &st, nil
}
