// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreason-ai/sandbox-orchestrator/pkg/artifact"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/driver"
	orcherrors "github.com/coreason-ai/sandbox-orchestrator/pkg/errors"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/orchestrator"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/session"
)

// fakeDriver is a minimal in-memory driver.Driver, scoped down from the
// orchestrator package's own fakeDriver to what the HTTP surface needs.
type fakeDriver struct {
	execFunc func(code string) (driver.ExecutionResult, error)
}

func (d *fakeDriver) Start(context.Context) error { return nil }

func (d *fakeDriver) Execute(_ context.Context, code string, _ driver.Language) (driver.ExecutionResult, error) {
	if d.execFunc != nil {
		return d.execFunc(code)
	}
	return driver.ExecutionResult{Stdout: "hello\n", ExitCode: 0, DurationSeconds: 0.001}, nil
}

func (*fakeDriver) Upload(context.Context, string, string) error   { return nil }
func (*fakeDriver) Download(context.Context, string, string) error { return nil }

func (*fakeDriver) ListFiles(context.Context, string) ([]string, error) { return nil, nil }

func (*fakeDriver) InstallPackage(_ context.Context, spec string) error {
	if spec == "not-allowed" {
		return orcherrors.NewPackageNotAllowedError("package not allowed", nil)
	}
	return nil
}

func (*fakeDriver) Terminate(context.Context) {}

type fakeFactory struct{ driver *fakeDriver }

func (f *fakeFactory) New(string) driver.Driver { return f.driver }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	factory := &fakeFactory{driver: &fakeDriver{}}
	sessions := session.NewManager(factory, time.Hour, time.Hour)
	orch := orchestrator.New(sessions, artifact.NewProcessor(nil), nil)
	return Router(orch, nil)
}

func TestExecute_Success(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/execute",
		strings.NewReader(`{"user":"u1","language":"python","code":"print(1)"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"hello\n"`)
}

func TestExecute_UnsupportedLanguage(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/execute",
		strings.NewReader(`{"user":"u1","language":"cobol","code":"x"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecute_CrossUserAccessDenied(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	first := httptest.NewRequest(http.MethodPost, "/sessions/s1/execute",
		strings.NewReader(`{"user":"u1","language":"python","code":"1"}`))
	router.ServeHTTP(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodPost, "/sessions/s1/execute",
		strings.NewReader(`{"user":"u2","language":"python","code":"1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, second)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInstallPackage_NotAllowed(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/packages",
		strings.NewReader(`{"user":"u1","spec":"not-allowed"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListFiles_DefaultsPath(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/sessions/s1/files?user=u1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"files"`)
}

func TestShutdown_Success(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}
