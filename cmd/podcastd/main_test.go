package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kiranshivaraju/podcastd/internal/api/handler"
	mw "github.com/kiranshivaraju/podcastd/internal/api/middleware"
	"github.com/kiranshivaraju/podcastd/internal/generator/mock"
	"github.com/kiranshivaraju/podcastd/internal/retention"
	"github.com/kiranshivaraju/podcastd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func okPing(context.Context) error { return nil }

// ─── commands ────────────────────────────────────────────────────────────────

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "worker", "sweep", "migrate", "keys"} {
		assert.Contains(t, names, want)
	}
}

func TestKeysDisable_RequiresName(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"keys", "disable"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	assert.ErrorContains(t, err, "accepts 1 arg")
}

// ─── keys ────────────────────────────────────────────────────────────────────

func TestCreateKey_StoresHashAndPrintsRawKey(t *testing.T) {
	st := store.NewMemoryStore()
	var out bytes.Buffer

	err := createKey(context.Background(), st, keyOptions{Name: "acme", RateLimit: 60, QuotaDaily: 500}, &out)
	require.NoError(t, err)

	var printed struct {
		Key        string `json:"key"`
		Name       string `json:"name"`
		RateLimit  int    `json:"rate_limit"`
		QuotaDaily int    `json:"quota_daily"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.True(t, strings.HasPrefix(printed.Key, keyPrefix))
	assert.Equal(t, "acme", printed.Name)
	assert.Equal(t, 60, printed.RateLimit)

	keys, err := st.GetAPIKeyByPrefix(context.Background(), printed.Key[:mw.KeyPrefixLen])
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotEqual(t, printed.Key, keys[0].KeyHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(keys[0].KeyHash), []byte(printed.Key)))
	assert.True(t, keys[0].Active)
	assert.Equal(t, 500, keys[0].QuotaDaily)
}

func TestCreateKey_DuplicateName(t *testing.T) {
	st := store.NewMemoryStore()
	opts := keyOptions{Name: "acme", RateLimit: 1, QuotaDaily: 1}

	require.NoError(t, createKey(context.Background(), st, opts, &bytes.Buffer{}))
	err := createKey(context.Background(), st, opts, &bytes.Buffer{})
	assert.ErrorContains(t, err, "already exists")
}

func TestCreateKey_Validation(t *testing.T) {
	st := store.NewMemoryStore()

	err := createKey(context.Background(), st, keyOptions{RateLimit: 1, QuotaDaily: 1}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "--name")

	err = createKey(context.Background(), st, keyOptions{Name: "x", RateLimit: 0, QuotaDaily: 1}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "must be positive")
}

func TestGenerateKey_Unique(t *testing.T) {
	a, err := generateKey()
	require.NoError(t, err)
	b, err := generateKey()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, len(keyPrefix)+48)
}

// ─── health wiring ───────────────────────────────────────────────────────────

func TestHealthChecks_AllHealthy(t *testing.T) {
	checks := healthChecks(handler.PingFunc(okPing), handler.PingFunc(okPing), handler.PingFunc(okPing), &mock.Generator{})
	h := handler.NewHealthHandler("test", checks)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data struct {
			Services map[string]string `json:"services"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{
		"database": "ok", "redis": "ok", "storage": "ok", "generator": "ok",
	}, body.Data.Services)
}

func TestHealthChecks_GeneratorDown(t *testing.T) {
	gen := &mock.Generator{ReadyFunc: func(context.Context) error { return errors.New("connection refused") }}
	checks := healthChecks(handler.PingFunc(okPing), handler.PingFunc(okPing), handler.PingFunc(okPing), gen)
	h := handler.NewHealthHandler("test", checks)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body struct {
		Error struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "DEGRADED", body.Error.Code)
	assert.Equal(t, "degraded", body.Error.Details["generator"])
	assert.Equal(t, "ok", body.Error.Details["database"])
}

// ─── sweep ───────────────────────────────────────────────────────────────────

func TestWriteSweepReport(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeSweepReport(&out, retention.Report{Scanned: 4, Deleted: 3, Failed: 1, Artifacts: 5}, true))

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, true, got["ran"])
	assert.Equal(t, float64(3), got["deleted"])
	assert.Equal(t, float64(1), got["failed"])
}
