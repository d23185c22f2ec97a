// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	config := DefaultConfig()

	assert.True(t, config.Enabled)
	assert.False(t, config.IncludeRequestData)
	assert.False(t, config.IncludeResponseData)
	assert.Equal(t, 1024, config.MaxDataSize)
	assert.Empty(t, config.Component)
	assert.Empty(t, config.EventTypes)
	assert.Empty(t, config.ExcludeEventTypes)
}

func TestLoadFromReader(t *testing.T) {
	t.Parallel()
	jsonConfig := `{
		"component": "test-component",
		"event_types": ["sandbox.execute", "sandbox.install_package"],
		"exclude_event_types": ["http.request"],
		"include_request_data": true,
		"include_response_data": false,
		"max_data_size": 2048
	}`

	config, err := LoadFromReader(strings.NewReader(jsonConfig))
	require.NoError(t, err)

	assert.Equal(t, "test-component", config.Component)
	assert.Equal(t, []string{"sandbox.execute", "sandbox.install_package"}, config.EventTypes)
	assert.Equal(t, []string{"http.request"}, config.ExcludeEventTypes)
	assert.True(t, config.IncludeRequestData)
	assert.False(t, config.IncludeResponseData)
	assert.Equal(t, 2048, config.MaxDataSize)
}

func TestLoadFromReaderInvalidJSON(t *testing.T) {
	t.Parallel()
	invalidJSON := `{"invalid": }`

	_, err := LoadFromReader(strings.NewReader(invalidJSON))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode audit config")
}

func TestShouldAuditEventAllEventsAllowed(t *testing.T) {
	t.Parallel()
	config := &Config{}

	result := config.ShouldAuditEvent("any_event")
	assert.True(t, result)
}

func TestShouldAuditEventAllEventsEnabled(t *testing.T) {
	t.Parallel()
	config := &Config{
		// No EventTypes specified, so all events should be audited
	}

	assert.True(t, config.ShouldAuditEvent(EventTypeExecute))
	assert.True(t, config.ShouldAuditEvent(EventTypeInstallPackage))
	assert.True(t, config.ShouldAuditEvent("custom_event"))
}

func TestShouldAuditEventSpecificTypes(t *testing.T) {
	t.Parallel()
	config := &Config{
		EventTypes: []string{EventTypeExecute, EventTypeInstallPackage},
	}

	assert.True(t, config.ShouldAuditEvent(EventTypeExecute))
	assert.True(t, config.ShouldAuditEvent(EventTypeInstallPackage))
	assert.False(t, config.ShouldAuditEvent(EventTypeListFiles))
	assert.False(t, config.ShouldAuditEvent("custom_event"))
}

func TestShouldAuditEventExcludeTypes(t *testing.T) {
	t.Parallel()
	config := &Config{
		ExcludeEventTypes: []string{EventTypeListFiles, EventTypeHTTPRequest},
	}

	assert.True(t, config.ShouldAuditEvent(EventTypeExecute))
	assert.True(t, config.ShouldAuditEvent(EventTypeInstallPackage))
	assert.False(t, config.ShouldAuditEvent(EventTypeListFiles))
	assert.False(t, config.ShouldAuditEvent(EventTypeHTTPRequest))
}

func TestShouldAuditEventExcludeTakesPrecedence(t *testing.T) {
	t.Parallel()
	config := &Config{
		EventTypes:        []string{EventTypeExecute, EventTypeListFiles},
		ExcludeEventTypes: []string{EventTypeListFiles},
	}

	assert.True(t, config.ShouldAuditEvent(EventTypeExecute))
	assert.False(t, config.ShouldAuditEvent(EventTypeListFiles))      // Excluded despite being in EventTypes
	assert.False(t, config.ShouldAuditEvent(EventTypeInstallPackage)) // Not in EventTypes
}

func TestCreateMiddleware(t *testing.T) {
	t.Parallel()
	config := &Config{}

	middleware, err := config.CreateMiddlewareWithTransport("http")
	assert.NoError(t, err)
	assert.NotNil(t, middleware)
}

func TestValidateValidConfig(t *testing.T) {
	t.Parallel()
	config := &Config{
		EventTypes:          []string{EventTypeExecute, EventTypeInstallPackage},
		ExcludeEventTypes:   []string{EventTypeHTTPRequest},
		IncludeRequestData:  true,
		IncludeResponseData: false,
		MaxDataSize:         2048,
	}

	err := config.Validate()
	assert.NoError(t, err)
	assert.Equal(t, 2048, config.MaxDataSize, "MaxDataSize should be preserved when explicitly set")
}

func TestValidateNegativeMaxDataSize(t *testing.T) {
	t.Parallel()
	config := &Config{
		MaxDataSize: -1,
	}

	err := config.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_data_size cannot be negative")
}

func TestValidateAppliesDefaultMaxDataSize(t *testing.T) {
	t.Parallel()
	config := &Config{
		MaxDataSize: 0, // Not set - should become default (1024) after validation
	}

	err := config.Validate()
	assert.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxDataSize, config.MaxDataSize,
		"Validate() should apply default MaxDataSize when 0")
}

func TestValidateInvalidEventType(t *testing.T) {
	t.Parallel()
	config := &Config{
		EventTypes: []string{"invalid_event_type"},
	}

	err := config.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type: invalid_event_type")
}

func TestValidateInvalidExcludeEventType(t *testing.T) {
	t.Parallel()
	config := &Config{
		ExcludeEventTypes: []string{"invalid_exclude_type"},
	}

	err := config.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown exclude event type: invalid_exclude_type")
}

func TestValidateAllValidEventTypes(t *testing.T) {
	t.Parallel()
	validEventTypes := []string{
		EventTypePreExecution,
		EventTypeExecute,
		EventTypeInstallPackage,
		EventTypeListFiles,
		EventTypeShutdown,
		EventTypeHTTPRequest,
	}

	config := &Config{
		EventTypes: validEventTypes,
	}

	err := config.Validate()
	assert.NoError(t, err)
}

func TestConfigJSONSerialization(t *testing.T) {
	t.Parallel()
	originalConfig := &Config{
		Component:           "test-service",
		EventTypes:          []string{EventTypeExecute, EventTypeInstallPackage},
		ExcludeEventTypes:   []string{EventTypeHTTPRequest},
		IncludeRequestData:  true,
		IncludeResponseData: false,
		MaxDataSize:         4096,
	}

	jsonData, err := json.Marshal(originalConfig)
	require.NoError(t, err)

	var deserializedConfig Config
	err = json.Unmarshal(jsonData, &deserializedConfig)
	require.NoError(t, err)

	assert.Equal(t, originalConfig.Component, deserializedConfig.Component)
	assert.Equal(t, originalConfig.EventTypes, deserializedConfig.EventTypes)
	assert.Equal(t, originalConfig.ExcludeEventTypes, deserializedConfig.ExcludeEventTypes)
	assert.Equal(t, originalConfig.IncludeRequestData, deserializedConfig.IncludeRequestData)
	assert.Equal(t, originalConfig.IncludeResponseData, deserializedConfig.IncludeResponseData)
	assert.Equal(t, originalConfig.MaxDataSize, deserializedConfig.MaxDataSize)
}

func TestConfigMinimalJSON(t *testing.T) {
	t.Parallel()
	minimalJSON := `{}`

	config, err := LoadFromReader(strings.NewReader(minimalJSON))
	require.NoError(t, err)

	assert.Empty(t, config.Component)
	assert.Empty(t, config.EventTypes)
	assert.Empty(t, config.ExcludeEventTypes)
	assert.False(t, config.IncludeRequestData)
	assert.False(t, config.IncludeResponseData)
	assert.Equal(t, 0, config.MaxDataSize) // Default zero value
}

func TestGetMiddlewareFromFileError(t *testing.T) {
	t.Parallel()
	_, err := GetMiddlewareFromFile("/non/existent/file.json", "http")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load audit config")
}

func TestLoadFromFilePathCleaning(t *testing.T) {
	t.Parallel()
	_, err := LoadFromFile("./non-existent-file.json")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open audit config file")
}

func TestConfigWithEmptyEventTypes(t *testing.T) {
	t.Parallel()
	config := &Config{
		EventTypes: []string{}, // Explicitly empty
	}

	assert.True(t, config.ShouldAuditEvent("any_event"))
	assert.True(t, config.ShouldAuditEvent(EventTypeExecute))
}

func TestConfigWithEmptyExcludeEventTypes(t *testing.T) {
	t.Parallel()
	config := &Config{
		ExcludeEventTypes: []string{}, // Explicitly empty
	}

	assert.True(t, config.ShouldAuditEvent("any_event"))
	assert.True(t, config.ShouldAuditEvent(EventTypeExecute))
}

func TestGetLogWriter(t *testing.T) {
	t.Parallel()

	t.Run("default to stdout", func(t *testing.T) {
		t.Parallel()
		config := &Config{}

		writer, err := config.GetLogWriter()
		assert.NoError(t, err)
		assert.Equal(t, os.Stdout, writer)
	})

	t.Run("nil config defaults to stdout", func(t *testing.T) {
		t.Parallel()
		var config *Config

		writer, err := config.GetLogWriter()
		assert.NoError(t, err)
		assert.Equal(t, os.Stdout, writer)
	})

	t.Run("empty log file defaults to stdout", func(t *testing.T) {
		t.Parallel()
		config := &Config{LogFile: ""}

		writer, err := config.GetLogWriter()
		assert.NoError(t, err)
		assert.Equal(t, os.Stdout, writer)
	})

	t.Run("invalid log file path returns error", func(t *testing.T) {
		t.Parallel()
		config := &Config{LogFile: "/invalid/path/that/does/not/exist/audit.log"}

		_, err := config.GetLogWriter()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to open audit log file")
	})
}

func TestConfigWithLogFile(t *testing.T) {
	t.Parallel()
	jsonConfig := `{
		"component": "test-component",
		"log_file": "/tmp/audit.log",
		"include_request_data": true
	}`

	config, err := LoadFromReader(strings.NewReader(jsonConfig))
	require.NoError(t, err)

	assert.Equal(t, "test-component", config.Component)
	assert.Equal(t, "/tmp/audit.log", config.LogFile)
	assert.True(t, config.IncludeRequestData)
}

func TestGetLogWriter_WithActualFile(t *testing.T) {
	t.Parallel()

	t.Run("creates file and writes audit logs", func(t *testing.T) {
		t.Parallel()

		tmpDir := t.TempDir()
		logFilePath := filepath.Join(tmpDir, "audit.log")

		config := &Config{
			Component:           "test-component",
			LogFile:             logFilePath,
			IncludeRequestData:  true,
			IncludeResponseData: true,
		}

		writer, err := config.GetLogWriter()
		require.NoError(t, err)
		require.NotNil(t, writer)

		if closer, ok := writer.(io.Closer); ok {
			defer closer.Close()
		}

		fileInfo, err := os.Stat(logFilePath)
		require.NoError(t, err)
		assert.False(t, fileInfo.IsDir())
		assert.Equal(t, os.FileMode(0600), fileInfo.Mode().Perm())

		content, err := os.ReadFile(logFilePath)
		require.NoError(t, err)
		assert.Empty(t, content)
	})

	t.Run("appends to existing file", func(t *testing.T) {
		t.Parallel()

		tmpDir := t.TempDir()
		logFilePath := filepath.Join(tmpDir, "audit.log")

		initialContent := "initial log entry\n"
		err := os.WriteFile(logFilePath, []byte(initialContent), 0600)
		require.NoError(t, err)

		config := &Config{
			Component: "test-component",
			LogFile:   logFilePath,
		}

		writer, err := config.GetLogWriter()
		require.NoError(t, err)
		require.NotNil(t, writer)

		additionalContent := "appended log entry\n"
		n, err := writer.Write([]byte(additionalContent))
		require.NoError(t, err)
		assert.Equal(t, len(additionalContent), n)

		if closer, ok := writer.(io.Closer); ok {
			closer.Close()
		}

		content, err := os.ReadFile(logFilePath)
		require.NoError(t, err)
		assert.Equal(t, initialContent+additionalContent, string(content))
	})

	t.Run("creates nested directories", func(t *testing.T) {
		t.Parallel()

		tmpDir := t.TempDir()
		nestedPath := filepath.Join(tmpDir, "nested", "dir", "audit.log")

		config := &Config{
			LogFile: nestedPath,
		}

		writer, err := config.GetLogWriter()
		require.NoError(t, err)
		require.NotNil(t, writer)

		fileInfo, err := os.Stat(nestedPath)
		require.NoError(t, err)
		assert.False(t, fileInfo.IsDir())
		assert.Equal(t, os.FileMode(0600), fileInfo.Mode().Perm())

		if closer, ok := writer.(io.Closer); ok {
			closer.Close()
		}
	})
}

// waitForAuditLog polls the audit log file until content is available or timeout is reached.
func waitForAuditLog(t *testing.T, logFilePath string, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		content, err := os.ReadFile(logFilePath)
		if err == nil && len(content) > 0 {
			return content
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for audit log at %s after %v", logFilePath, timeout)
	return nil
}

func TestHTTPAuditor_WritesValidJSONToFile(t *testing.T) {
	t.Parallel()

	t.Run("writes valid JSON audit logs to file", func(t *testing.T) {
		t.Parallel()

		tmpDir := t.TempDir()
		logFilePath := filepath.Join(tmpDir, "sandbox-http-audit.log")

		config := &Config{
			Enabled:             true,
			Component:           "sandbox-api",
			LogFile:             logFilePath,
			IncludeRequestData:  true,
			IncludeResponseData: true,
			MaxDataSize:         1024,
		}

		auditor, err := NewAuditorWithTransport(config, "http")
		require.NoError(t, err)
		require.NotNil(t, auditor)
		t.Cleanup(func() {
			auditor.Close()
		})

		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-1/execute", strings.NewReader(`{"code":"print(1)","language":"python"}`))
		req.Header.Set("Content-Type", "application/json")

		rw := httptest.NewRecorder()
		handler := auditor.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, err := w.Write([]byte(`{"exit_code":0,"stdout":"1\n"}`))
			require.NoError(t, err)
		}))
		handler.ServeHTTP(rw, req)

		content := waitForAuditLog(t, logFilePath, 1*time.Second)
		require.NotEmpty(t, content, "audit log file should not be empty")

		var logEntry map[string]any
		err = json.Unmarshal(content, &logEntry)
		require.NoError(t, err, "audit log should be valid JSON")

		assert.Contains(t, logEntry["metadata"], "audit_id")
		assert.Contains(t, logEntry, "type")
		assert.Contains(t, logEntry, "logged_at")
		assert.Contains(t, logEntry, "outcome")
		assert.Contains(t, logEntry, "component")
		assert.Contains(t, logEntry, "source")
		assert.Contains(t, logEntry, "subjects")
		assert.Contains(t, logEntry, "target")
		assert.Contains(t, logEntry, "metadata")

		assert.Equal(t, "sandbox-api", logEntry["component"])
		assert.Equal(t, "success", logEntry["outcome"])
		assert.Equal(t, EventTypeExecute, logEntry["type"])

		require.Contains(t, logEntry, "data", "audit log should have data field when request/response data is enabled")
		dataField := logEntry["data"]
		data, ok := dataField.(map[string]any)
		require.True(t, ok, "data should be a map")
		assert.Contains(t, data, "request", "data should contain request")
		assert.Contains(t, data, "response", "data should contain response")
	})

	t.Run("multiple HTTP requests create valid newline-delimited JSON", func(t *testing.T) {
		t.Parallel()

		tmpDir := t.TempDir()
		logFilePath := filepath.Join(tmpDir, "sandbox-multiple-audit.log")

		config := &Config{
			Enabled:   true,
			Component: "sandbox-api",
			LogFile:   logFilePath,
		}

		auditor, err := NewAuditorWithTransport(config, "http")
		require.NoError(t, err)
		t.Cleanup(func() {
			auditor.Close()
		})

		handler := auditor.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, err := w.Write([]byte(`{"result":"ok"}`))
			require.NoError(t, err)
		}))

		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-1/files", strings.NewReader(`{"test":"data"}`))
			rw := httptest.NewRecorder()
			handler.ServeHTTP(rw, req)
		}

		content := waitForAuditLog(t, logFilePath, 1*time.Second)
		require.NotEmpty(t, content, "audit log file should not be empty")

		lines := strings.Split(strings.TrimSpace(string(content)), "\n")
		assert.Equal(t, 3, len(lines), "should have 3 log entries")

		for i, line := range lines {
			var logEntry map[string]any
			err := json.Unmarshal([]byte(line), &logEntry)
			require.NoError(t, err, "line %d should be valid JSON", i+1)
			assert.Contains(t, logEntry, "metadata")
			assert.Contains(t, logEntry, "type")
			assert.Contains(t, logEntry, "component")
			assert.Equal(t, "sandbox-api", logEntry["component"])
		}
	})
}
