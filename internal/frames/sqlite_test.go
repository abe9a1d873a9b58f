package frames

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/strandlabs/strand/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", slog.Default())
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return store
}

func TestSQLiteStoreAppendAndGet(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	stored := appendFrame(t, store, &models.Frame{
		SessionID:  "session-1",
		Type:       models.FrameMessage,
		AuthorType: models.AuthorUser,
		AuthorID:   "user-1",
		Payload:    models.Document{"text": "hello"},
	})

	got, err := store.Get(ctx, stored.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SessionID != "session-1" || got.Payload["text"] != "hello" {
		t.Fatalf("Get() = %+v", got)
	}
	if got.AuthorType != models.AuthorUser || got.AuthorID != "user-1" {
		t.Fatalf("Get() author = %s/%s", got.AuthorType, got.AuthorID)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrFrameNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrFrameNotFound", err)
	}
}

func TestSQLiteStoreTimestampsIncrease(t *testing.T) {
	store := newTestSQLiteStore(t)

	var prev string
	for i := 0; i < 50; i++ {
		stored := appendFrame(t, store, &models.Frame{SessionID: "s", Type: models.FrameMessage})
		if stored.Timestamp <= prev {
			t.Fatalf("timestamps not increasing: %q then %q", prev, stored.Timestamp)
		}
		prev = stored.Timestamp
	}
}

func TestSQLiteStoreClockSeedsFromExistingRows(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	future := formatTimestamp(9000000000000, 0)
	appendFrame(t, store, &models.Frame{SessionID: "s", Type: models.FrameMessage, Timestamp: future})

	// A fresh store over the same database must not issue timestamps that
	// sort before rows already on disk.
	reopened := &SQLiteStore{
		db:     store.db,
		clock:  NewClock(),
		logger: slog.Default(),
		seeded: map[string]bool{},
	}
	if err := reopened.prepareStatements(); err != nil {
		t.Fatalf("prepareStatements() error = %v", err)
	}

	stored, err := reopened.Append(ctx, &models.Frame{SessionID: "s", Type: models.FrameMessage})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if stored.Timestamp <= future {
		t.Fatalf("Append() after reopen timestamp %q does not sort after %q", stored.Timestamp, future)
	}
}

func TestSQLiteStoreRange(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	appendFrame(t, store, &models.Frame{SessionID: "s", Type: models.FrameMessage})
	appendFrame(t, store, &models.Frame{SessionID: "s", Type: models.FrameMessage, Hidden: true})
	compact := appendFrame(t, store, &models.Frame{
		SessionID: "s",
		Type:      models.FrameCompact,
		Payload:   models.SnapshotPayload(&models.CompactionSnapshot{Entries: map[string]models.Document{}}),
	})
	appendFrame(t, store, &models.Frame{SessionID: "s", Type: models.FrameResult})

	page, err := store.Range(ctx, "s", RangeOptions{})
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(page.Frames) != 3 {
		t.Fatalf("Range() returned %d frames, want 3 visible", len(page.Frames))
	}

	page, err = store.Range(ctx, "s", RangeOptions{FromLatestCompaction: true, IncludeHidden: true})
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(page.Frames) != 2 || page.Frames[0].ID != compact.ID {
		t.Fatalf("Range() from compaction = %+v", page.Frames)
	}

	page, err = store.Range(ctx, "s", RangeOptions{Limit: 2, IncludeHidden: true})
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(page.Frames) != 2 || !page.HasMore {
		t.Fatalf("Range() page = %d frames, HasMore=%v", len(page.Frames), page.HasMore)
	}

	page, err = store.Range(ctx, "s", RangeOptions{Descending: true, Limit: 2, IncludeHidden: true})
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(page.Frames) != 2 || page.Frames[0].Timestamp > page.Frames[1].Timestamp {
		t.Fatalf("Range() descending page not returned in ascending order: %+v", page.Frames)
	}
}

func TestSQLiteStoreByTarget(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	base := appendFrame(t, store, &models.Frame{SessionID: "s", Type: models.FrameMessage})
	update := appendFrame(t, store, &models.Frame{
		SessionID: "s",
		Type:      models.FrameUpdate,
		TargetIDs: []string{models.FrameTarget(base.ID)},
		Payload:   models.Document{"text": "edited"},
	})

	frames, err := store.ByTarget(ctx, models.FrameTarget(base.ID), "s")
	if err != nil {
		t.Fatalf("ByTarget() error = %v", err)
	}
	if len(frames) != 1 || frames[0].ID != update.ID {
		t.Fatalf("ByTarget() = %+v", frames)
	}
	if len(frames[0].TargetIDs) != 1 || frames[0].TargetIDs[0] != models.FrameTarget(base.ID) {
		t.Fatalf("ByTarget() targets = %v", frames[0].TargetIDs)
	}
}

func TestSQLiteStoreSearch(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.RegisterSession(ctx, "mine", "user-1"); err != nil {
		t.Fatalf("RegisterSession() error = %v", err)
	}
	if err := store.RegisterSession(ctx, "theirs", "user-2"); err != nil {
		t.Fatalf("RegisterSession() error = %v", err)
	}

	appendFrame(t, store, &models.Frame{SessionID: "mine", Type: models.FrameMessage, Payload: models.Document{"text": "the Needle"}})
	appendFrame(t, store, &models.Frame{SessionID: "theirs", Type: models.FrameMessage, Payload: models.Document{"text": "needle elsewhere"}})

	results, err := store.Search(ctx, "user-1", "needle", SearchOptions{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].SessionID != "mine" {
		t.Fatalf("Search() = %+v, want one owner-scoped match", results)
	}
}

func TestSQLiteStoreCorruptPayloadBecomesErrorMarker(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := store.DB().ExecContext(ctx, `
		INSERT INTO frames (id, session_id, ts, type, payload)
		VALUES ('bad', 's', '0000000000001-0000', 'message', '{not json')
	`)
	if err != nil {
		t.Fatalf("raw insert error = %v", err)
	}

	got, err := store.Get(ctx, "bad")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !models.IsErrorMarker(got.Payload) {
		t.Fatalf("Get() payload = %v, want error marker", got.Payload)
	}
}

func TestSQLiteStoreDeleteSession(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.RegisterSession(ctx, "s", "user-1"); err != nil {
		t.Fatalf("RegisterSession() error = %v", err)
	}
	stored := appendFrame(t, store, &models.Frame{SessionID: "s", Type: models.FrameMessage})

	if err := store.DeleteSession(ctx, "s"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := store.Get(ctx, stored.ID); !errors.Is(err, ErrFrameNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrFrameNotFound", err)
	}
}

func TestSQLiteStoreAppendInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	for i := 0; i < 5; i++ {
		mock.ExpectPrepare("")
	}
	mock.ExpectBegin()
	mock.ExpectPrepare("").ExpectExec().WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	store := &SQLiteStore{
		db:     db,
		clock:  NewClock(),
		logger: slog.Default(),
		seeded: map[string]bool{"s": true},
	}
	if err := store.prepareStatements(); err != nil {
		t.Fatalf("prepareStatements() error = %v", err)
	}

	_, err = store.Append(context.Background(), &models.Frame{SessionID: "s", Type: models.FrameMessage})
	if err == nil || !strings.Contains(err.Error(), "failed to append frame") {
		t.Fatalf("Append() error = %v, want append failure", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}
