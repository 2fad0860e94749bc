package round

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/mcdev12/roundsync/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (http.Handler, *fixture) {
	t.Helper()
	f := newFixture(t)
	r := chi.NewRouter()
	NewService(f.app).Routes(r)
	return r, f
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServiceLifecycle(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doRequest(t, h, http.MethodPost, "/api/rounds", `{"duration_seconds":300}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.Round
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, 1, created.SequenceNumber)

	base := "/api/rounds/" + created.ID.String()

	rec = doRequest(t, h, http.MethodPost, base+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res TransitionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Changed)
	assert.Equal(t, models.RoundStatusActive, res.Round.Status)

	rec = doRequest(t, h, http.MethodPost, base+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Changed)

	rec = doRequest(t, h, http.MethodGet, "/api/rounds/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var current currentRoundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &current))
	require.NotNil(t, current.Round)
	assert.Equal(t, created.ID, current.Round.ID)

	rec = doRequest(t, h, http.MethodPost, base+"/finish", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, base+"/pause", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
}

func TestServiceErrors(t *testing.T) {
	h, _ := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"bad id", http.MethodGet, "/api/rounds/not-a-uuid", "", http.StatusBadRequest},
		{"unknown round", http.MethodPost, "/api/rounds/7f0c2b52-6a8e-4d3b-9a35-2f1c9e0d4b11/start", "", http.StatusNotFound},
		{"empty body", http.MethodPost, "/api/rounds", "", http.StatusBadRequest},
		{"zero duration", http.MethodPost, "/api/rounds", `{"duration_seconds":0}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestServiceSequenceAndReset(t *testing.T) {
	h, f := newTestRouter(t)
	r := f.create(t, 120)
	base := "/api/rounds/" + r.ID.String()

	rec := doRequest(t, h, http.MethodGet, base+"/sequence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"round_id":"`+r.ID.String()+`","entries":[]}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodPost, base+"/sequence", `{"target_ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, base+"/sequence/generate",
		`{"pool":["0b7a4c1e-2f55-4c0e-8f57-b3a9d2c1e001","0b7a4c1e-2f55-4c0e-8f57-b3a9d2c1e002"],"length":4}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var seq sequenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &seq))
	assert.Len(t, seq.Entries, 4)

	rec = doRequest(t, h, http.MethodPut, base+"/duration", `{"duration_seconds":240}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/reset", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/rounds/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"round":null}`, rec.Body.String())
}
