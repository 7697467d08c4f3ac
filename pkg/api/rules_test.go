package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/stackwatch/pkg/log"
	"github.com/stackwatch/stackwatch/pkg/rules"
	"github.com/stackwatch/stackwatch/pkg/storage"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// newRuleRouter mounts the rule handler without the auth and rate-limit
// middleware; those have their own tests.
func newRuleRouter(t *testing.T) (chi.Router, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.NewWithDB(sqlx.NewDb(db, "sqlmock"))

	h := &ruleHandler{service: rules.NewService(store, rules.NewIndex(store), nil)}
	r := chi.NewRouter()
	r.Post("/v1/rules", h.create)
	r.Get("/v1/rules/{id}", h.get)
	r.Put("/v1/rules/{id}", h.update)
	r.Delete("/v1/rules/{id}", h.delete)
	r.Post("/v1/rules/{id}/active", h.setActive)
	return r, mock
}

func doJSON(r chi.Router, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

const validRuleBody = `{
	"user_id": 10,
	"name": "pool deposits",
	"type": "contract_call",
	"contract_id": "SP1.pool",
	"function_name": "deposit",
	"severity": "critical",
	"cooldown_s": 60,
	"channels": ["email"],
	"emails": ["ops@example.com"],
	"active": true
}`

// TestCreateRule tests the 201 happy path.
func TestCreateRule(t *testing.T) {
	r, mock := newRuleRouter(t)
	mock.ExpectQuery(`INSERT INTO alert_rule`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	rec := doJSON(r, http.MethodPost, "/v1/rules", validRuleBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"pool deposits"`)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestCreateRuleValidation tests the 400 rejections before any storage
// work.
func TestCreateRuleValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{`, "invalid json body"},
		{"missing name", `{"type":"contract_call","channels":["email"]}`, "name is required"},
		{"unknown type", `{"name":"x","type":"nonsense","channels":["email"]}`, "unknown rule type"},
		{"no channels", `{"name":"x","type":"contract_call","channels":[]}`, "channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, mock := newRuleRouter(t)
			rec := doJSON(r, http.MethodPost, "/v1/rules", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tt.want)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// TestGetRuleNotFound tests the 404 mapping.
func TestGetRuleNotFound(t *testing.T) {
	r, mock := newRuleRouter(t)
	mock.ExpectQuery(`SELECT .+ FROM alert_rule WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := doJSON(r, http.MethodGet, "/v1/rules/404", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestGetRuleInvalidID tests id parsing.
func TestGetRuleInvalidID(t *testing.T) {
	r, _ := newRuleRouter(t)
	rec := doJSON(r, http.MethodGet, "/v1/rules/banana", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestUpdateRuleVersionConflict tests that a stale version surfaces as
// 409.
func TestUpdateRuleVersionConflict(t *testing.T) {
	r, mock := newRuleRouter(t)
	mock.ExpectExec(`UPDATE alert_rule SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	body := strings.TrimSuffix(validRuleBody, "}") + `,"version": 1}`
	rec := doJSON(r, http.MethodPut, "/v1/rules/7", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "version conflict")
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestUpdateRule tests the 200 path and the version bump in the response.
func TestUpdateRule(t *testing.T) {
	r, mock := newRuleRouter(t)
	mock.ExpectExec(`UPDATE alert_rule SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := strings.TrimSuffix(validRuleBody, "}") + `,"version": 3}`
	rec := doJSON(r, http.MethodPut, "/v1/rules/7", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"version":4`)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestSetRuleActive tests the activation toggle.
func TestSetRuleActive(t *testing.T) {
	r, mock := newRuleRouter(t)
	mock.ExpectExec(`UPDATE alert_rule SET active`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(r, http.MethodPost, "/v1/rules/7/active", `{"active":false,"version":2}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestDeleteRule tests the 204 path.
func TestDeleteRule(t *testing.T) {
	r, mock := newRuleRouter(t)
	mock.ExpectExec(`DELETE FROM alert_rule`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doJSON(r, http.MethodDelete, "/v1/rules/7", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
