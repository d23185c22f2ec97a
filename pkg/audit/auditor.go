// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit provides HTTP audit logging for the sandbox orchestrator's
// REST surface. Every request that reaches a session operation is logged as
// an AuditEvent; logging is purely observational and never changes the
// response returned to the caller.
package audit

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coreason-ai/sandbox-orchestrator/pkg/logger"
)

// Auditor handles audit logging for HTTP requests.
type Auditor struct {
	config *Config
}

// NewAuditor creates a new Auditor with the given configuration.
func NewAuditor(config *Config) *Auditor {
	return &Auditor{
		config: config,
	}
}

// Close releases any resources held by the auditor. Log destinations are
// opened and closed per-event (see Config.GetLogWriter), so there is nothing
// persistent to release today; this exists so Auditor satisfies the same
// lifecycle shape as the other driver/sink collaborators.
func (*Auditor) Close() error {
	return nil
}

// responseWriter wraps http.ResponseWriter to capture response data and status.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	auditor    *Auditor
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	if rw.auditor.config.IncludeResponseData && rw.body != nil {
		if rw.body.Len()+len(data) <= rw.auditor.config.MaxDataSize {
			rw.body.Write(data)
		}
	}
	return rw.ResponseWriter.Write(data)
}

// Middleware creates an HTTP middleware that logs audit events for every
// request it wraps.
func (a *Auditor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.config == nil || !a.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		startTime := time.Now()

		var requestData []byte
		if a.config.IncludeRequestData && r.Body != nil {
			body, err := io.ReadAll(r.Body)
			if err == nil && len(body) <= a.config.MaxDataSize {
				requestData = body
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
		}

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
			auditor:        a,
		}

		if a.config.IncludeResponseData {
			rw.body = &bytes.Buffer{}
		}

		next.ServeHTTP(rw, r)

		duration := time.Since(startTime)
		a.logAuditEvent(r, rw, requestData, duration)
	})
}

// logAuditEvent creates and logs an audit event for the HTTP request.
func (a *Auditor) logAuditEvent(r *http.Request, rw *responseWriter, requestData []byte, duration time.Duration) {
	eventType := a.determineEventType(r)

	if !a.config.ShouldAuditEvent(eventType) {
		return
	}

	outcome := a.determineOutcome(rw.statusCode)
	source := a.extractSource(r)
	subjects := a.extractSubjects(r)
	component := a.determineComponent()

	event := NewAuditEvent(eventType, source, outcome, subjects, component)

	target := a.extractTarget(r)
	if len(target) > 0 {
		event.WithTarget(target)
	}

	a.addMetadata(event, duration, rw)
	a.addEventData(event, rw, requestData)

	a.logEvent(event)
}

// determineEventType maps a request path to one of the sandbox orchestrator's
// event types. Unrecognized paths fall back to a generic HTTP event so every
// request is still captured.
func (*Auditor) determineEventType(r *http.Request) string {
	path := r.URL.Path
	method := r.Method

	switch {
	case strings.HasSuffix(path, "/execute") && method == http.MethodPost:
		return EventTypeExecute
	case strings.HasSuffix(path, "/packages") && method == http.MethodPost:
		return EventTypeInstallPackage
	case strings.HasSuffix(path, "/files") && method == http.MethodGet:
		return EventTypeListFiles
	case strings.HasSuffix(path, "/shutdown") && method == http.MethodPost:
		return EventTypeShutdown
	default:
		return EventTypeHTTPRequest
	}
}

// determineOutcome determines the outcome based on the HTTP status code.
func (*Auditor) determineOutcome(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeSuccess
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return OutcomeDenied
	case statusCode >= 400 && statusCode < 500:
		return OutcomeFailure
	case statusCode >= 500:
		return OutcomeError
	default:
		return OutcomeSuccess
	}
}

// extractSource extracts source information from the HTTP request.
func (*Auditor) extractSource(r *http.Request) EventSource {
	source := EventSource{
		Type:  SourceTypeNetwork,
		Value: getClientIP(r),
		Extra: make(map[string]any),
	}

	if userAgent := r.Header.Get("User-Agent"); userAgent != "" {
		source.Extra[SourceExtraKeyUserAgent] = userAgent
	}

	if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
		source.Extra[SourceExtraKeyRequestID] = requestID
	}

	return source
}

// getClientIP extracts the client IP address from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}

// extractSubjects extracts subject information from the HTTP request. Session
// ownership is carried in a header rather than a JWT claim — this service has
// no authentication layer of its own (callers sit behind whatever gateway
// authenticates the end user).
func (*Auditor) extractSubjects(r *http.Request) map[string]string {
	subjects := make(map[string]string)

	if ownerID := r.Header.Get("X-Owner-ID"); ownerID != "" {
		subjects[SubjectKeyUserID] = ownerID
		subjects[SubjectKeyUser] = ownerID
	}

	if clientName := r.Header.Get("X-Client-Name"); clientName != "" {
		subjects[SubjectKeyClientName] = clientName
	}

	if clientVersion := r.Header.Get("X-Client-Version"); clientVersion != "" {
		subjects[SubjectKeyClientVersion] = clientVersion
	}

	if subjects[SubjectKeyUser] == "" {
		subjects[SubjectKeyUser] = "anonymous"
	}

	return subjects
}

// determineComponent determines the component name for the audit event.
func (a *Auditor) determineComponent() string {
	if a.config.Component != "" {
		return a.config.Component
	}
	return ComponentSandboxOrchestrator
}

// extractTarget extracts target information from the HTTP request. Every
// audited operation here acts on a session, so the target type is constant.
func (*Auditor) extractTarget(r *http.Request) map[string]string {
	return map[string]string{
		TargetKeyType:     TargetTypeSession,
		TargetKeyEndpoint: r.URL.Path,
		TargetKeyMethod:   r.Method,
	}
}

// addMetadata adds metadata to the audit event.
func (*Auditor) addMetadata(event *AuditEvent, duration time.Duration, rw *responseWriter) {
	if event.Metadata.Extra == nil {
		event.Metadata.Extra = make(map[string]any)
	}

	event.Metadata.Extra[MetadataExtraKeyDuration] = duration.Milliseconds()
	event.Metadata.Extra[MetadataExtraKeyTransport] = "http"

	if rw.body != nil {
		event.Metadata.Extra[MetadataExtraKeyResponseSize] = rw.body.Len()
	}
}

// addEventData adds request/response data to the audit event if configured.
func (a *Auditor) addEventData(event *AuditEvent, rw *responseWriter, requestData []byte) {
	if !a.config.IncludeRequestData && !a.config.IncludeResponseData {
		return
	}

	data := make(map[string]any)

	if a.config.IncludeRequestData && len(requestData) > 0 {
		var requestJSON any
		if err := json.Unmarshal(requestData, &requestJSON); err == nil {
			data["request"] = requestJSON
		} else {
			data["request"] = string(requestData)
		}
	}

	if a.config.IncludeResponseData && rw.body != nil && rw.body.Len() > 0 {
		responseData := rw.body.Bytes()
		var responseJSON any
		if err := json.Unmarshal(responseData, &responseJSON); err == nil {
			data["response"] = responseJSON
		} else {
			data["response"] = string(responseData)
		}
	}

	if len(data) > 0 {
		if dataBytes, err := json.Marshal(data); err == nil {
			rawMsg := json.RawMessage(dataBytes)
			event.WithData(&rawMsg)
		}
	}
}

// logEvent writes the audit event to its configured destination — the
// process-wide structured logger by default, or the audit log file when one
// is configured.
func (a *Auditor) logEvent(event *AuditEvent) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		logger.Errorf("failed to marshal audit event: %v", err)
		return
	}

	writer, err := a.config.GetLogWriter()
	if err != nil {
		logger.Errorf("failed to open audit log destination: %v", err)
		return
	}

	if writer == nil || writer == io.Writer(os.Stdout) {
		logger.Info(string(eventJSON))
		return
	}

	if _, err := writer.Write(append(eventJSON, '\n')); err != nil {
		logger.Errorf("failed to write audit event: %v", err)
	}
	if closer, ok := writer.(io.Closer); ok {
		closer.Close()
	}
}
