package frames

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/strandlabs/strand/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore implements Store on an embedded SQLite database. Frames are
// keyed (session_id, ts) for range scans, uniquely by id for point lookups,
// and a partial index serves "latest compact frame" queries.
type SQLiteStore struct {
	db     *sql.DB
	clock  *Clock
	logger *slog.Logger

	mu     sync.Mutex
	seeded map[string]bool

	stmtInsert        *sql.Stmt
	stmtInsertTarget  *sql.Stmt
	stmtGet           *sql.Stmt
	stmtLastTS        *sql.Stmt
	stmtLatestCompact *sql.Stmt
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS frames (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	parent_id   TEXT NOT NULL DEFAULT '',
	ts          TEXT NOT NULL,
	type        TEXT NOT NULL,
	author_type TEXT NOT NULL DEFAULT '',
	author_id   TEXT NOT NULL DEFAULT '',
	hidden      INTEGER NOT NULL DEFAULT 0,
	target_ids  TEXT NOT NULL DEFAULT '[]',
	payload     TEXT NOT NULL DEFAULT '{}',
	UNIQUE (session_id, ts)
);

CREATE INDEX IF NOT EXISTS frames_session_ts ON frames (session_id, ts);
CREATE INDEX IF NOT EXISTS frames_parent ON frames (parent_id) WHERE parent_id <> '';
CREATE INDEX IF NOT EXISTS frames_compact ON frames (session_id, ts DESC) WHERE type = 'compact';

CREATE TABLE IF NOT EXISTS frame_targets (
	frame_id   TEXT NOT NULL,
	session_id TEXT NOT NULL,
	target_id  TEXT NOT NULL,
	PRIMARY KEY (frame_id, target_id)
);

CREATE INDEX IF NOT EXISTS frame_targets_target ON frame_targets (target_id);

CREATE TABLE IF NOT EXISTS session_owners (
	session_id TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS session_owners_owner ON session_owners (owner_id);
`

// NewSQLiteStore opens (creating if needed) a frame store at path. Use
// ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; keep the pool at a single connection so
	// in-memory databases see a single schema too.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		clock:  NewClock(),
		logger: logger.With("component", "frames"),
		seeded: make(map[string]bool),
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.stmtInsert, err = s.db.Prepare(`
		INSERT INTO frames (id, session_id, parent_id, ts, type, author_type, author_id, hidden, target_ids, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert frame: %w", err)
	}

	s.stmtInsertTarget, err = s.db.Prepare(`
		INSERT OR IGNORE INTO frame_targets (frame_id, session_id, target_id) VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert target: %w", err)
	}

	s.stmtGet, err = s.db.Prepare(selectFrame + ` WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get frame: %w", err)
	}

	s.stmtLastTS, err = s.db.Prepare(`
		SELECT ts FROM frames WHERE session_id = ? ORDER BY ts DESC LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare last timestamp: %w", err)
	}

	s.stmtLatestCompact, err = s.db.Prepare(selectFrame + `
		WHERE session_id = ? AND type = 'compact' ORDER BY ts DESC LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare latest compact: %w", err)
	}

	return nil
}

const selectFrame = `
	SELECT id, session_id, parent_id, ts, type, author_type, author_id, hidden, target_ids, payload
	FROM frames
`

// Close closes the database connection and prepared statements.
func (s *SQLiteStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{s.stmtInsert, s.stmtInsertTarget, s.stmtGet, s.stmtLastTS, s.stmtLatestCompact} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

// DB exposes the underlying connection for related stores and migrations.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Append(ctx context.Context, frame *models.Frame) (*models.Frame, error) {
	if frame == nil {
		return nil, errors.New("frame is required")
	}
	if frame.SessionID == "" {
		return nil, errors.New("frame session id is required")
	}
	if !frame.Type.Valid() {
		return nil, errors.New("unknown frame type: " + string(frame.Type))
	}

	clone := frame.Clone()
	if clone.ID == "" {
		clone.ID = NewFrameID()
	}

	s.mu.Lock()
	if clone.Timestamp == "" {
		if err := s.seedClockLocked(ctx, clone.SessionID); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		clone.Timestamp = s.clock.Next(clone.SessionID)
	} else {
		s.clock.Observe(clone.SessionID, clone.Timestamp)
	}
	s.mu.Unlock()

	payloadJSON, err := json.Marshal(clone.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	targetsJSON, err := json.Marshal(clone.TargetIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal targets: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.StmtContext(ctx, s.stmtInsert).ExecContext(ctx,
		clone.ID,
		clone.SessionID,
		clone.ParentID,
		clone.Timestamp,
		string(clone.Type),
		string(clone.AuthorType),
		clone.AuthorID,
		boolToInt(clone.Hidden),
		string(targetsJSON),
		string(payloadJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append frame: %w", err)
	}

	for _, target := range clone.TargetIDs {
		if _, err := tx.StmtContext(ctx, s.stmtInsertTarget).ExecContext(ctx, clone.ID, clone.SessionID, target); err != nil {
			return nil, fmt.Errorf("failed to index frame target: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit frame: %w", err)
	}

	frame.ID = clone.ID
	frame.Timestamp = clone.Timestamp
	return clone, nil
}

// seedClockLocked primes the monotonic clock with the session's last stored
// timestamp so restarts never issue a timestamp that sorts backwards.
func (s *SQLiteStore) seedClockLocked(ctx context.Context, sessionID string) error {
	if s.seeded[sessionID] {
		return nil
	}
	var last string
	err := s.stmtLastTS.QueryRowContext(ctx, sessionID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read last timestamp: %w", err)
	}
	if last != "" {
		s.clock.Observe(sessionID, last)
	}
	s.seeded[sessionID] = true
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Frame, error) {
	frame, err := s.scanFrame(s.stmtGet.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFrameNotFound
	}
	return frame, err
}

func (s *SQLiteStore) Range(ctx context.Context, sessionID string, opts RangeOptions) (*RangePage, error) {
	after := opts.AfterTimestamp
	if opts.FromLatestCompaction {
		compact, err := s.LatestCompact(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if compact != nil && compact.Timestamp > after {
			after = before(compact.Timestamp)
		}
	}

	query := selectFrame + ` WHERE session_id = ?`
	args := []any{sessionID}

	if after != "" {
		query += ` AND ts > ?`
		args = append(args, after)
	}
	if opts.BeforeTimestamp != "" {
		query += ` AND ts < ?`
		args = append(args, opts.BeforeTimestamp)
	}
	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += ` AND type IN (` + strings.Join(placeholders, ", ") + `)`
	}
	if !opts.IncludeHidden {
		query += ` AND hidden = 0`
	}

	if opts.Descending {
		query += ` ORDER BY ts DESC`
	} else {
		query += ` ORDER BY ts ASC`
	}
	if opts.Limit > 0 {
		// One extra row probes for more pages.
		query += ` LIMIT ?`
		args = append(args, opts.Limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query range: %w", err)
	}
	defer rows.Close()

	frames, err := s.scanFrames(rows)
	if err != nil {
		return nil, err
	}

	page := &RangePage{}
	if opts.Limit > 0 && len(frames) > opts.Limit {
		page.HasMore = true
		frames = frames[:opts.Limit]
	}
	if opts.Descending {
		for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
			frames[i], frames[j] = frames[j], frames[i]
		}
	}
	page.Frames = frames
	return page, nil
}

func (s *SQLiteStore) ChildrenOf(ctx context.Context, parentID string) ([]*models.Frame, error) {
	rows, err := s.db.QueryContext(ctx, selectFrame+` WHERE parent_id = ? ORDER BY ts ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()
	return s.scanFrames(rows)
}

func (s *SQLiteStore) ByTarget(ctx context.Context, targetID, sessionID string) ([]*models.Frame, error) {
	query := selectFrame + `
		WHERE id IN (SELECT frame_id FROM frame_targets WHERE target_id = ?)`
	args := []any{targetID}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY ts ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query by target: %w", err)
	}
	defer rows.Close()
	return s.scanFrames(rows)
}

func (s *SQLiteStore) Search(ctx context.Context, ownerID, text string, opts SearchOptions) ([]*models.Frame, error) {
	if text == "" {
		return []*models.Frame{}, nil
	}

	query := selectFrame + `
		WHERE session_id IN (SELECT session_id FROM session_owners WHERE owner_id = ?)
		AND hidden = 0
		AND instr(lower(payload), lower(?)) > 0`
	args := []any{ownerID, text}

	if opts.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, opts.SessionID)
	}
	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += ` AND type IN (` + strings.Join(placeholders, ", ") + `)`
	}

	query += ` ORDER BY ts ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search frames: %w", err)
	}
	defer rows.Close()
	return s.scanFrames(rows)
}

func (s *SQLiteStore) LatestCompact(ctx context.Context, sessionID string) (*models.Frame, error) {
	frame, err := s.scanFrame(s.stmtLatestCompact.QueryRowContext(ctx, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return frame, err
}

func (s *SQLiteStore) RegisterSession(ctx context.Context, sessionID, ownerID string) error {
	if sessionID == "" || ownerID == "" {
		return errors.New("session id and owner id are required")
	}
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM session_owners WHERE session_id = ?`, sessionID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, `INSERT INTO session_owners (session_id, owner_id) VALUES (?, ?)`, sessionID, ownerID); err != nil {
			return fmt.Errorf("failed to register session: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to check session owner: %w", err)
	case existing != ownerID:
		return errors.New("session already registered to another owner")
	default:
		return nil
	}
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM frames WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete frames: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM frame_targets WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete frame targets: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_owners WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session owner: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanFrame decodes one row. A corrupt payload is logged and replaced with
// an error marker; it must never block replay of the rest of the session.
func (s *SQLiteStore) scanFrame(row rowScanner) (*models.Frame, error) {
	frame := &models.Frame{}
	var frameType, authorType, targetsJSON, payloadJSON string
	var hidden int

	err := row.Scan(
		&frame.ID,
		&frame.SessionID,
		&frame.ParentID,
		&frame.Timestamp,
		&frameType,
		&authorType,
		&frame.AuthorID,
		&hidden,
		&targetsJSON,
		&payloadJSON,
	)
	if err != nil {
		return nil, err
	}

	frame.Type = models.FrameType(frameType)
	frame.AuthorType = models.AuthorType(authorType)
	frame.Hidden = hidden != 0

	if targetsJSON != "" && targetsJSON != "null" {
		if err := json.Unmarshal([]byte(targetsJSON), &frame.TargetIDs); err != nil {
			s.logger.Warn("corrupt target list", "frame_id", frame.ID, "error", err)
		}
	}

	if err := json.Unmarshal([]byte(payloadJSON), &frame.Payload); err != nil {
		s.logger.Warn("corrupt frame payload", "frame_id", frame.ID, "session_id", frame.SessionID, "error", err)
		frame.Payload = models.ErrorMarkerPayload(err.Error())
	}

	return frame, nil
}

func (s *SQLiteStore) scanFrames(rows *sql.Rows) ([]*models.Frame, error) {
	var frames []*models.Frame
	for rows.Next() {
		frame, err := s.scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		frames = append(frames, frame)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating frames: %w", err)
	}
	return frames, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
