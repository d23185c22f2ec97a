// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import "context"

// BackendInfo identifies which backend driver served a session, so audit
// events can be annotated with it without every caller threading the value
// through explicit parameters.
type BackendInfo struct {
	BackendName string
}

type backendInfoContextKey struct{}

// WithBackendInfo returns a context carrying info.
func WithBackendInfo(ctx context.Context, info *BackendInfo) context.Context {
	return context.WithValue(ctx, backendInfoContextKey{}, info)
}

// BackendInfoFromContext retrieves the BackendInfo stored by WithBackendInfo,
// if any.
func BackendInfoFromContext(ctx context.Context) (*BackendInfo, bool) {
	info, ok := ctx.Value(backendInfoContextKey{}).(*BackendInfo)
	return info, ok
}
