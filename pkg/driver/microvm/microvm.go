// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package microvm implements the Backend Driver contract against a remote
// microVM: one VM per Session, with every SDK call off-loaded to a worker
// goroutine so a slow network round trip never stalls the orchestrator's
// scheduling model.
package microvm

import (
	"context"
	"fmt"
	"os"
	"time"

	microvm "github.com/stacklok/go-microvm"

	"github.com/coreason-ai/sandbox-orchestrator/pkg/driver"
	orcherrors "github.com/coreason-ai/sandbox-orchestrator/pkg/errors"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/logger"
)

// Config configures the remote microVM driver.
type Config struct {
	APIKey           string
	Template         string
	ExecutionTimeout time.Duration
}

// Factory builds one Driver per Session, each bound to its own remote VM.
type Factory struct {
	client microvm.Client
	config Config
}

// NewFactory wraps an already-constructed microvm client.
func NewFactory(client microvm.Client, config Config) *Factory {
	return &Factory{client: client, config: config}
}

// New implements driver.Factory.
func (f *Factory) New(sessionID string) driver.Driver {
	return &Driver{client: f.client, config: f.config, sessionID: sessionID}
}

// Driver is the per-Session remote microVM Backend Driver. Exclusively
// owned by one Session; the caller's Session mutex is its only
// synchronization guarantee.
type Driver struct {
	client    microvm.Client
	config    Config
	sessionID string
	vm        microvm.VM
}

var _ driver.Driver = (*Driver)(nil)

// Start provisions a remote microVM from the configured template. The SDK
// call is off-loaded to a worker goroutine per the concurrency contract:
// blocking network I/O must never stall the scheduler.
func (d *Driver) Start(ctx context.Context) error {
	logger.Infof("starting microVM sandbox for session %s (template %s)", d.sessionID, d.config.Template)

	vm, err := runOffloaded(ctx, func() (microvm.VM, error) {
		return d.client.Create(ctx, microvm.CreateOptions{APIKey: d.config.APIKey, Template: d.config.Template})
	})
	if err != nil {
		return orcherrors.NewBackendUnavailableError(fmt.Sprintf("failed to start microVM sandbox for session %s", d.sessionID), err)
	}
	d.vm = vm
	logger.Infof("microVM sandbox started: %s", vm.ID())
	return nil
}

// Execute runs code in the remote VM under the configured execution
// timeout. On expiry it terminates and re-provisions the VM so the next
// call lands on a fresh interpreter.
func (d *Driver) Execute(ctx context.Context, code string, language driver.Language) (driver.ExecutionResult, error) {
	if d.vm == nil {
		return driver.ExecutionResult{}, orcherrors.NewBackendUnavailableError("sandbox not started", nil)
	}

	timeout := d.config.ExecutionTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Infof("executing %s code in microVM sandbox %s", language, d.vm.ID())

	start := time.Now()
	exec, err := runOffloaded(execCtx, func() (microvm.ExecResult, error) {
		return d.runByLanguage(execCtx, code, language)
	})
	duration := time.Since(start).Seconds()

	if execCtx.Err() != nil {
		logger.Warnf("execution timed out (%s); recycling microVM %s", timeout, d.vm.ID())
		d.Terminate(context.Background())
		if startErr := d.Start(context.Background()); startErr != nil {
			logger.Errorf("failed to reprovision microVM after timeout: %v", startErr)
		}
		return driver.ExecutionResult{}, orcherrors.NewTimeoutError(fmt.Sprintf("execution exceeded %s limit", timeout), nil)
	}
	if err != nil {
		return driver.ExecutionResult{}, orcherrors.NewBackendCrashedError("execution failed", err)
	}

	result := driver.ExecutionResult{
		Stdout:          exec.Stdout,
		Stderr:          exec.Stderr,
		ExitCode:        exec.ExitCode,
		DurationSeconds: duration,
	}
	// Native results the VM produced in-memory (e.g. rendered plots) are
	// already-processed artifacts; the diff loop only appends filesystem
	// additions on top of these.
	for _, img := range exec.InlineImages {
		result.Artifacts = append(result.Artifacts, driver.ArtifactRef{
			Filename: fmt.Sprintf("chart_%d.png", time.Now().UnixNano()),
			MimeType: "image/png",
			URL:      "data:image/png;base64," + img.Base64PNG,
		})
	}
	return result, nil
}

func (d *Driver) runByLanguage(ctx context.Context, code string, language driver.Language) (microvm.ExecResult, error) {
	switch language {
	case driver.LanguagePython:
		return d.vm.RunCode(ctx, code)
	case driver.LanguageBash:
		return d.vm.RunCommand(ctx, code)
	case driver.LanguageR:
		return d.runRScript(ctx, code)
	default:
		return microvm.ExecResult{}, orcherrors.NewUnsupportedLanguageError(fmt.Sprintf("unsupported language: %s", language), nil)
	}
}

// runRScript writes code to a scratch file in the VM and runs it with
// Rscript, rather than interpolating it into a shell command string: R code
// containing a single quote would otherwise break out of the `-e '...'`
// argument.
func (d *Driver) runRScript(ctx context.Context, code string) (microvm.ExecResult, error) {
	path := fmt.Sprintf("/tmp/sandbox-exec-%d.R", time.Now().UnixNano())
	if err := d.vm.WriteFile(ctx, path, []byte(code)); err != nil {
		return microvm.ExecResult{}, fmt.Errorf("writing R script to VM: %w", err)
	}
	return d.vm.RunCommand(ctx, "Rscript "+path)
}

// ListFiles lists filenames directly under path, non-recursively.
func (d *Driver) ListFiles(ctx context.Context, path string) ([]string, error) {
	if d.vm == nil {
		return nil, orcherrors.NewBackendUnavailableError("sandbox not started", nil)
	}
	entries, err := runOffloaded(ctx, func() ([]microvm.FileEntry, error) {
		return d.vm.ListFiles(ctx, path)
	})
	if err != nil {
		logger.Warnf("failed to list files at %s in microVM %s: %v", path, d.vm.ID(), err)
		return []string{}, nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// InstallPackage runs `pip install <spec>` over the VM's own network access
// (remote VMs, unlike the container driver, have outbound network). This
// driver does not check the spec against any allowlist and never returns
// ErrPackageNotAllowed; a non-zero pip exit code is reported as
// ErrInstallFailed.
func (d *Driver) InstallPackage(ctx context.Context, packageSpec string) error {
	if d.vm == nil {
		return orcherrors.NewBackendUnavailableError("sandbox not started", nil)
	}
	logger.Infof("installing %s in microVM sandbox %s", packageSpec, d.vm.ID())
	res, err := runOffloaded(ctx, func() (microvm.ExecResult, error) {
		return d.vm.RunCommand(ctx, "pip install "+packageSpec)
	})
	if err != nil {
		return orcherrors.NewInstallFailedError(fmt.Sprintf("failed to install package %s", packageSpec), err)
	}
	if res.ExitCode != 0 {
		return orcherrors.NewInstallFailedError(fmt.Sprintf("pip install failed: %s", res.Stderr), nil)
	}
	return nil
}

// Upload writes a local file's bytes into the remote VM at remotePath.
func (d *Driver) Upload(ctx context.Context, localPath, remotePath string) error {
	if d.vm == nil {
		return orcherrors.NewBackendUnavailableError("sandbox not started", nil)
	}
	data, err := os.ReadFile(localPath) //nolint:gosec
	if err != nil {
		return orcherrors.NewNotFoundError(fmt.Sprintf("local file not found: %s", localPath), err)
	}
	_, err = runOffloaded(ctx, func() (struct{}, error) {
		return struct{}{}, d.vm.WriteFile(ctx, remotePath, data)
	})
	if err != nil {
		return orcherrors.NewBackendCrashedError("upload failed", err)
	}
	return nil
}

// Download reads a remote file's bytes and writes them to a local path.
func (d *Driver) Download(ctx context.Context, remotePath, localPath string) error {
	if d.vm == nil {
		return orcherrors.NewBackendUnavailableError("sandbox not started", nil)
	}
	data, err := runOffloaded(ctx, func() ([]byte, error) {
		return d.vm.ReadFile(ctx, remotePath)
	})
	if err != nil {
		return orcherrors.NewNotFoundError(fmt.Sprintf("remote file not found: %s", remotePath), err)
	}
	if err := os.WriteFile(localPath, data, 0o600); err != nil {
		return orcherrors.NewBackendCrashedError("failed to write local file", err)
	}
	return nil
}

// Terminate closes the remote VM. Errors are logged and swallowed.
func (d *Driver) Terminate(ctx context.Context) {
	if d.vm == nil {
		logger.Warnf("attempted to terminate non-existent microVM sandbox for session %s", d.sessionID)
		return
	}
	logger.Infof("terminating microVM sandbox: %s", d.vm.ID())
	if err := d.vm.Close(ctx); err != nil {
		logger.Warnf("error terminating microVM sandbox %s: %v", d.vm.ID(), err)
	}
	d.vm = nil
}

// runOffloaded runs fn on a dedicated goroutine and waits for either its
// result or ctx's cancellation, whichever comes first — the Go analogue of
// asyncio.to_thread combined with asyncio.wait_for used throughout the
// original runtime for every blocking SDK call.
func runOffloaded[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		val, err := fn()
		ch <- outcome{val, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case o := <-ch:
		return o.val, o.err
	}
}
