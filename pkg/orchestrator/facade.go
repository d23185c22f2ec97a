// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coreason-ai/sandbox-orchestrator/pkg/artifact"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/audit"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/driver"
	orcherrors "github.com/coreason-ai/sandbox-orchestrator/pkg/errors"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/logger"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/session"
)

var tracer = otel.Tracer("github.com/coreason-ai/sandbox-orchestrator/pkg/orchestrator")

// ExecuteResult is the public result of Execute, equivalent to
// driver.ExecutionResult but named at the Façade boundary.
type ExecuteResult = driver.ExecutionResult

// Orchestrator is the public surface of the Session Orchestrator: Execute,
// InstallPackage, ListFiles, Shutdown. It adds no policy beyond what each
// operation's doc comment states — everything else is delegated to the
// Session Scope, the bound driver, the Artifact Processor, and the Audit
// Sink.
type Orchestrator struct {
	sessions  *session.Manager
	artifacts *artifact.Processor
	audit     audit.Sink
}

// New builds an Orchestrator. auditSink may be nil, in which case
// pre-execution audit logging is skipped entirely (equivalent to a sink
// whose every call silently no-ops).
func New(sessions *session.Manager, artifacts *artifact.Processor, auditSink audit.Sink) *Orchestrator {
	return &Orchestrator{sessions: sessions, artifacts: artifacts, audit: auditSink}
}

// Execute emits the code to the Audit Sink (which hashes it) before invoking
// the driver, runs it against the session's bound driver, and appends any
// filesystem artifacts the run produced on top of whatever the driver
// surfaced intrinsically.
func (o *Orchestrator) Execute(ctx context.Context, sessionID, ownerID string, language driver.Language, code string) (ExecuteResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Execute", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("language", string(language)),
	))
	defer span.End()

	if !language.IsValid() {
		err := orcherrors.NewUnsupportedLanguageError(fmt.Sprintf("unsupported language: %s", language), nil)
		span.SetStatus(codes.Error, err.Error())
		return ExecuteResult{}, err
	}

	result, err := scope(ctx, o.sessions, sessionID, ownerID, func(s *session.Session) (ExecuteResult, error) {
		o.auditPreExecution(ctx, code, string(language))

		d := s.Driver()
		before, _ := d.ListFiles(ctx, ".")

		res, execErr := d.Execute(ctx, code, language)
		if execErr != nil {
			return ExecuteResult{}, execErr
		}

		after, _ := d.ListFiles(ctx, ".")
		additions := diffAdditions(before, after)
		res.Artifacts = append(res.Artifacts, o.collectArtifacts(ctx, d, s.ID(), s.OwnerID(), additions)...)

		return res, nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// auditPreExecution hands code to the Audit Sink, which hashes and logs it. Audit
// failures are logged and swallowed: audit is never a gate on execution.
func (o *Orchestrator) auditPreExecution(ctx context.Context, code, language string) {
	if o.audit == nil {
		return
	}
	if _, err := o.audit.LogPreExecution(ctx, code, language); err != nil {
		logger.Warnf("audit sink failed to log pre-execution event: %v", err)
	}
}

// diffAdditions returns the filenames present in after but not before,
// by name only — two files with the same name in different subdirectories
// of a non-recursive listing are treated as one, matching the documented
// additions-only, filename-only artifact contract.
func diffAdditions(before, after []string) []string {
	seen := make(map[string]struct{}, len(before))
	for _, f := range before {
		seen[f] = struct{}{}
	}
	var additions []string
	for _, f := range after {
		if _, ok := seen[f]; !ok {
			additions = append(additions, f)
		}
	}
	return additions
}

// collectArtifacts downloads each addition to a scoped temp directory and
// runs it through the Artifact Processor. Failures on individual artifacts
// are logged and skipped; they never fail the call.
func (o *Orchestrator) collectArtifacts(ctx context.Context, d driver.Driver, sessionID, ownerID string, additions []string) []driver.ArtifactRef {
	if len(additions) == 0 {
		return nil
	}

	tmpDir, err := os.MkdirTemp("", "sandbox-artifacts-*")
	if err != nil {
		logger.Warnf("failed to create artifact staging directory: %v", err)
		return nil
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	refs := make([]driver.ArtifactRef, 0, len(additions))
	for _, filename := range additions {
		localPath := filepath.Join(tmpDir, filename)
		if err := d.Download(ctx, filename, localPath); err != nil {
			logger.Warnf("failed to retrieve artifact %s: %v", filename, err)
			continue
		}
		ref, err := o.artifacts.Process(ctx, localPath, filename, ownerID, sessionID)
		if err != nil {
			logger.Warnf("failed to process artifact %s: %v", filename, err)
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// InstallPackage asks the session's driver to install packageSpec. The
// driver alone decides allowlist enforcement; the Façade adds no policy.
func (o *Orchestrator) InstallPackage(ctx context.Context, sessionID, ownerID, packageSpec string) (string, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.InstallPackage", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	_, err := scope(ctx, o.sessions, sessionID, ownerID, func(s *session.Session) (struct{}, error) {
		return struct{}{}, s.Driver().InstallPackage(ctx, packageSpec)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return fmt.Sprintf("package %s installed successfully", packageSpec), nil
}

// ListFiles returns the session's driver's listing verbatim, defaulting to
// "." when path is empty.
func (o *Orchestrator) ListFiles(ctx context.Context, sessionID, ownerID, path string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.ListFiles", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	if path == "" {
		path = "."
	}

	files, err := scope(ctx, o.sessions, sessionID, ownerID, func(s *session.Session) ([]string, error) {
		return s.Driver().ListFiles(ctx, path)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return files, err
}

// Shutdown delegates to the Session Manager. Idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.sessions.Shutdown(ctx)
}
