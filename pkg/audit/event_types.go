// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

// Event types emitted by the sandbox orchestrator's HTTP surface. Every
// façade operation that crosses a session boundary gets its own type so a
// reader can filter an audit stream without parsing Target.
const (
	EventTypePreExecution   = "sandbox.pre_execution"
	EventTypeExecute        = "sandbox.execute"
	EventTypeInstallPackage = "sandbox.install_package"
	EventTypeListFiles      = "sandbox.list_files"
	EventTypeShutdown       = "sandbox.shutdown"
	EventTypeHTTPRequest    = "http.request"
)

// Target key/value vocabulary. TargetKeyType identifies what kind of thing
// was acted on (see TargetType* below); the rest are free-form descriptors.
const (
	TargetKeyType     = "type"
	TargetKeyName     = "name"
	TargetKeyMethod   = "method"
	TargetKeyEndpoint = "endpoint"
)

// TargetTypeSession is the only Target.type value this service emits: every
// audited operation acts on exactly one session.
const TargetTypeSession = "session"

// Subject key vocabulary identifying who made the request.
const (
	SubjectKeyUser          = "user"
	SubjectKeyUserID        = "user_id"
	SubjectKeyClientName    = "client_name"
	SubjectKeyClientVersion = "client_version"
)

// Source extra-field keys.
const (
	SourceExtraKeyUserAgent = "user_agent"
	SourceExtraKeyRequestID = "request_id"
)

// Metadata extra-field keys.
const (
	MetadataExtraKeyDuration     = "duration_ms"
	MetadataExtraKeyTransport    = "transport"
	MetadataExtraKeyResponseSize = "response_size"
	MetadataExtraKeySessionID    = "session_id"
)
