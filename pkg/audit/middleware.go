// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import "net/http"

// MiddlewareType identifies this middleware in logs and configuration.
const MiddlewareType = "audit"

// Middleware wraps an Auditor as an http middleware, bundling its lifecycle
// with the handler it produces. The Auditor opens and closes its log writer
// per event, so Close has no persistent resource to release.
type Middleware struct {
	auditor *Auditor
}

// Handler returns the http middleware function.
func (m *Middleware) Handler() func(http.Handler) http.Handler {
	return m.auditor.Middleware
}

// Close cleans up any resources used by the middleware.
func (m *Middleware) Close() error {
	if m.auditor != nil {
		return m.auditor.Close()
	}
	return nil
}
