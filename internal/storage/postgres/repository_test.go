package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/practicewatch/internal/monitor"
)

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo, err := NewWithPool(mock)
	require.NoError(t, err)
	return repo, mock
}

func TestUpsertTargetNormalisesLocation(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	seen := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO targets").
		WithArgs("V12345", "Smile Dental", "LS14", "https://example.test/services/dentist/smile/V12345", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.UpsertTarget(context.Background(), monitor.Target{
		ID:           "V12345",
		DisplayName:  "Smile Dental",
		LocationHint: "ls1 4",
		CanonicalURL: "https://example.test/services/dentist/smile/V12345",
	}, seen)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordCheckCommitsLatestAndEvent(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	rec := monitor.StatusRecord{
		TargetID:   "V1",
		Status:     monitor.StatusAccepting,
		Evidence:   "currently accepting new NHS patients",
		Source:     monitor.SourceAppointments,
		ReasonCode: "accepting_explicit",
		CheckedAt:  time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		OK:         true,
	}
	args := []any{
		"V1", "accepting", false, rec.Evidence, "appointments", "accepting_explicit",
		pgxmock.AnyArg(), true, (*string)(nil), (*string)(nil),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO status_latest").WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO status_events").WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.RecordCheck(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordCheckRollsBackOnEventFailure(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	rec := monitor.StatusRecord{
		TargetID:  "V1",
		Status:    monitor.StatusUnknown,
		Source:    monitor.SourceAppointments,
		CheckedAt: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		Error:     "timeout",
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO status_latest").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO status_events").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.RecordCheck(context.Background(), rec)
	var perr *monitor.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "insert status_event", perr.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestStatusNotFound(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT .* FROM status_latest WHERE target_id").
		WithArgs("missing").
		WillReturnRows(mock.NewRows([]string{
			"target_id", "status", "partial", "evidence", "source", "reason_code",
			"checked_at", "ok", "error", "snapshot_uri",
		}))

	_, err := repo.LatestStatus(context.Background(), "missing")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestStatusScansRow(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	checked := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	errText := "status 503"
	mock.ExpectQuery("SELECT .* FROM status_latest WHERE target_id").
		WithArgs("V1").
		WillReturnRows(mock.NewRows([]string{
			"target_id", "status", "partial", "evidence", "source", "reason_code",
			"checked_at", "ok", "error", "snapshot_uri",
		}).AddRow("V1", "unknown", false, "", "appointments", "fetch_failed", checked, false, &errText, nil))

	rec, err := repo.LatestStatus(context.Background(), "V1")
	require.NoError(t, err)
	require.Equal(t, monitor.StatusUnknown, rec.Status)
	require.Equal(t, monitor.SourceAppointments, rec.Source)
	require.Equal(t, "status 503", rec.Error)
	require.Empty(t, rec.SnapshotURI)
	require.False(t, rec.OK)
}

func TestNeverCheckedScopedQuery(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`LEFT JOIN status_latest s ON s.target_id = t.id\s+WHERE s.target_id IS NULL AND t.location_hint = ANY\(\$1\) ORDER BY t.id LIMIT 2`).
		WithArgs([]string{"M1"}).
		WillReturnRows(mock.NewRows([]string{"id", "display_name", "location_hint", "canonical_url"}).
			AddRow("A1", "Alpha", "M1", "https://example.test/a").
			AddRow("B2", "Beta", "M1", "https://example.test/b"))

	got, err := repo.NeverChecked(context.Background(), monitor.TargetQuery{LocationHints: []string{"m 1"}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "A1", got[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStalestCheckedScopedByHintOrID(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`AND \(t.location_hint = ANY\(\$1\) OR t.id = ANY\(\$2\)\)`).
		WithArgs([]string{"LS2"}, []string{"V1"}).
		WillReturnRows(mock.NewRows([]string{"id", "display_name", "location_hint", "canonical_url"}).
			AddRow("V1", "Alpha", "LS1", "https://example.test/a"))

	got, err := repo.StalestChecked(context.Background(), monitor.TargetQuery{
		LocationHints: []string{"ls2"},
		IDs:           []string{"V1"},
		Limit:         3,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "LS1", got[0].LocationHint)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOldestCheckedAtEmpty(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT MIN").
		WillReturnRows(mock.NewRows([]string{"min"}).AddRow(nil))

	_, ok, err := repo.OldestCheckedAt(context.Background(), monitor.TargetQuery{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLedgerRoundTrip(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	sent := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO notification_ledger").
		WithArgs("a@example.com", "M1|5", []byte(`["V1","V2"]`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, repo.AppendEntry(context.Background(), monitor.LedgerEntry{
		Recipient: "a@example.com", WindowKey: "M1|5", DisclosedTargetIDs: []string{"V1", "V2"}, SentAt: sent,
	}))

	mock.ExpectQuery("FROM notification_ledger").
		WithArgs("a@example.com", "M1|5", pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"id", "recipient", "window_key", "disclosed_target_ids", "sent_at"}).
			AddRow(int64(7), "a@example.com", "M1|5", []byte(`["V1","V2"]`), sent))
	entries, err := repo.RecentEntries(context.Background(), "a@example.com", "M1|5", sent.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []string{"V1", "V2"}, entries[0].DisclosedTargetIDs)
	require.Equal(t, int64(7), entries[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimTargetsReturnsOnlyReservedIDs(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	since := at.Add(-time.Hour)

	mock.ExpectQuery(`(?s)INSERT INTO notification_claims .*ON CONFLICT \(recipient, window_key, target_id\) DO UPDATE`).
		WithArgs("a@example.com", "M1|5", []string{"V2", "V1"}, "msg-1", at, since).
		WillReturnRows(mock.NewRows([]string{"target_id"}).AddRow("V2"))
	got, err := repo.ClaimTargets(context.Background(), "a@example.com", "M1|5", "msg-1", []string{"V2", "V1"}, at, since)
	require.NoError(t, err)
	require.Equal(t, []string{"V2"}, got)

	mock.ExpectExec("DELETE FROM notification_claims").
		WithArgs("a@example.com", "M1|5", "msg-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, repo.ReleaseClaims(context.Background(), "a@example.com", "M1|5", "msg-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSubscriptions(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT recipient, location_hint, radius FROM subscriptions").
		WillReturnRows(mock.NewRows([]string{"recipient", "location_hint", "radius"}).
			AddRow("a@example.com", "M1", 5))

	subs, err := repo.ListSubscriptions(context.Background())
	require.NoError(t, err)
	require.Equal(t, []monitor.Subscription{{Recipient: "a@example.com", LocationHint: "M1", Radius: 5}}, subs)
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}
