// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	sandboxerrors "github.com/coreason-ai/sandbox-orchestrator/pkg/errors"
)

// httpStatus maps the orchestrator's error taxonomy onto the HTTP status
// codes apierrors.ErrorHandler uses to decide what a client sees.
func httpStatus(err error) int {
	switch {
	case sandboxerrors.IsInvalidArgument(err):
		return http.StatusBadRequest
	case sandboxerrors.IsAccessDenied(err):
		return http.StatusForbidden
	case sandboxerrors.IsPackageNotAllowed(err):
		return http.StatusForbidden
	case sandboxerrors.IsUnsupportedLanguage(err):
		return http.StatusBadRequest
	case sandboxerrors.IsNotFound(err):
		return http.StatusNotFound
	case sandboxerrors.IsTimeout(err):
		return http.StatusGatewayTimeout
	case sandboxerrors.IsBackendUnavailable(err):
		return http.StatusServiceUnavailable
	case sandboxerrors.IsBackendCrashed(err):
		return http.StatusBadGateway
	case sandboxerrors.IsInstallFailed(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// withStatus attaches the status httpStatus derives to err, so
// apierrors.ErrorHandler (via httperr.Code) reports it instead of
// defaulting to 500. nil is returned unchanged.
func withStatus(err error) error {
	if err == nil {
		return nil
	}
	return httperr.WithCode(err, httpStatus(err))
}
