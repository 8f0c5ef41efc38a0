package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestHandleHealth_AllComponentsUp(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectPing()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	checker := NewHealthChecker(db, rdb)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	checker.HandleHealth(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Success bool `json:"success"`
		Data    struct {
			Status     string                    `json:"status"`
			Components map[string]ComponentCheck `json:"components"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.True(t, env.Success)
	require.Equal(t, "ok", env.Data.Status)
	require.Equal(t, "ok", env.Data.Components["database"].Status)
	require.Equal(t, "ok", env.Data.Components["redis"].Status)
}

func TestHandleHealth_DegradedWhenDatabaseDown(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	checker := NewHealthChecker(db, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	checker.HandleHealth(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleLiveness_AlwaysOK(t *testing.T) {
	checker := NewHealthChecker(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	w := httptest.NewRecorder()
	checker.HandleLiveness(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
