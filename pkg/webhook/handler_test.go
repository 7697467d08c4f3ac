package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/stackwatch/pkg/config"
	"github.com/stackwatch/stackwatch/pkg/ingest"
	"github.com/stackwatch/stackwatch/pkg/kv"
	"github.com/stackwatch/stackwatch/pkg/storage"
)

type intakeFixture struct {
	handler  *Handler
	verifier *Verifier
	mock     sqlmock.Sqlmock
}

func newIntakeFixture(t *testing.T) *intakeFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.NewWithDB(sqlx.NewDb(db, "sqlmock"))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	verifier := NewVerifier(config.HMACConfig{Secret: testSecret, FreshnessSeconds: 300}, kv.NewFromRedis(rdb))
	worker := ingest.NewWorker(nil, store, 1)

	return &intakeFixture{
		handler:  NewHandler(store, verifier, worker),
		verifier: verifier,
		mock:     mock,
	}
}

func (f *intakeFixture) request(t *testing.T, body []byte, sign bool, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/chain", bytes.NewReader(body))
	req.RemoteAddr = "198.51.100.4:9999"

	ts := strconv.FormatInt(f.verifier.now().Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-"+t.Name())
	if sign {
		req.Header.Set(HeaderSignature, f.verifier.Sign(ts, body))
	}
	if mutate != nil {
		mutate(req)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func expectArchive(mock sqlmock.Sqlmock, rawID int64) {
	mock.ExpectQuery(`INSERT INTO raw_webhook`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(rawID))
}

// TestIntakeAccepted tests the archive-verify-enqueue happy path.
func TestIntakeAccepted(t *testing.T) {
	f := newIntakeFixture(t)
	expectArchive(f.mock, 41)

	rec := f.request(t, []byte(`{"apply":[],"rollback":[]}`), true, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"accepted"`)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

// TestIntakeBadSignature tests that a forged request is archived, marked
// rejected, and answered 401.
func TestIntakeBadSignature(t *testing.T) {
	f := newIntakeFixture(t)
	expectArchive(f.mock, 42)
	f.mock.ExpectExec(`UPDATE raw_webhook SET processing_status = 'rejected'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := f.request(t, []byte(`{"apply":[]}`), true, func(req *http.Request) {
		req.Header.Set(HeaderSignature, f.verifier.Sign("999", []byte("other")))
	})

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

// TestIntakeMalformedTimestamp tests the 400 path.
func TestIntakeMalformedTimestamp(t *testing.T) {
	f := newIntakeFixture(t)
	expectArchive(f.mock, 43)
	f.mock.ExpectExec(`UPDATE raw_webhook SET processing_status = 'rejected'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := f.request(t, []byte(`{}`), true, func(req *http.Request) {
		req.Header.Set(HeaderTimestamp, "yesterday")
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "malformed timestamp")
	require.NoError(t, f.mock.ExpectationsWereMet())
}

// TestIntakeMissingSignature tests the undifferentiated 401.
func TestIntakeMissingSignature(t *testing.T) {
	f := newIntakeFixture(t)
	expectArchive(f.mock, 44)
	f.mock.ExpectExec(`UPDATE raw_webhook SET processing_status = 'rejected'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := f.request(t, []byte(`{}`), false, nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "unauthorized")
	require.NoError(t, f.mock.ExpectationsWereMet())
}

// TestIntakeReplayedNonce tests that the second delivery with the same
// nonce is rejected after archival.
func TestIntakeReplayedNonce(t *testing.T) {
	f := newIntakeFixture(t)
	body := []byte(`{"apply":[]}`)

	expectArchive(f.mock, 45)
	rec := f.request(t, body, true, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	expectArchive(f.mock, 46)
	f.mock.ExpectExec(`UPDATE raw_webhook SET processing_status = 'rejected'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	rec = f.request(t, body, true, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	require.NoError(t, f.mock.ExpectationsWereMet())
}

// TestIntakeArchiveFailure tests that a broken archive aborts with 500
// before any verification.
func TestIntakeArchiveFailure(t *testing.T) {
	f := newIntakeFixture(t)
	f.mock.ExpectQuery(`INSERT INTO raw_webhook`).
		WillReturnError(sqlmock.ErrCancelled)

	rec := f.request(t, []byte(`{}`), true, nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NoError(t, f.mock.ExpectationsWereMet())
}
