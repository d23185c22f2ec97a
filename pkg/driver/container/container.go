// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package container implements the Backend Driver contract on top of a
// long-lived Docker container: one container per Session, network
// disabled, non-root working directory, CPU and memory bounded.
package container

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"golang.org/x/time/rate"

	"github.com/coreason-ai/sandbox-orchestrator/pkg/driver"
	orcherrors "github.com/coreason-ai/sandbox-orchestrator/pkg/errors"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/logger"
)

// Config configures the container driver.
type Config struct {
	Image            string
	CPULimit         float64       // fractional vCPUs, e.g. 1.0
	MemLimitBytes    int64         // e.g. 512 * 1024 * 1024
	AllowedPackages  map[string]struct{}
	ExecutionTimeout time.Duration
	WorkDir          string // defaults to /home/user

	// PackageFetchRate and PackageFetchBurst bound how often this Factory's
	// Drivers may shell out to `pip download` on the host, across all of
	// their sessions combined. Zero uses DefaultPackageFetchRate/Burst.
	PackageFetchRate  float64
	PackageFetchBurst int
}

// DefaultWorkDir is the non-root working directory every container is
// provisioned with.
const DefaultWorkDir = "/home/user"

// DefaultPackageFetchRate and DefaultPackageFetchBurst throttle host-side
// `pip download` invocations to a sustainable rate when a Factory's Config
// doesn't override them: one fetch every two seconds, with a burst of two
// to absorb a handful of concurrent InstallPackage calls across sessions.
const (
	DefaultPackageFetchRate  = 0.5
	DefaultPackageFetchBurst = 2
)

func (c Config) workDir() string {
	if c.WorkDir == "" {
		return DefaultWorkDir
	}
	return c.WorkDir
}

// Factory builds one Driver per Session, each bound to its own container.
// All Drivers it creates share a single package-fetch rate limiter, since
// the underlying constraint — host CPU/network spent on `pip download` — is
// a Factory-wide resource, not a per-session one.
type Factory struct {
	cli          *client.Client
	config       Config
	fetchLimiter *rate.Limiter
}

// NewFactory wraps an already-constructed Docker client. Callers typically
// build cli with client.NewClientWithOpts(client.FromEnv).
func NewFactory(cli *client.Client, config Config) *Factory {
	fetchRate := config.PackageFetchRate
	if fetchRate <= 0 {
		fetchRate = DefaultPackageFetchRate
	}
	fetchBurst := config.PackageFetchBurst
	if fetchBurst <= 0 {
		fetchBurst = DefaultPackageFetchBurst
	}

	return &Factory{
		cli:          cli,
		config:       config,
		fetchLimiter: rate.NewLimiter(rate.Limit(fetchRate), fetchBurst),
	}
}

// New implements driver.Factory.
func (f *Factory) New(sessionID string) driver.Driver {
	return &Driver{
		cli:          f.cli,
		config:       f.config,
		sessionID:    sessionID,
		fetchLimiter: f.fetchLimiter,
	}
}

// Driver is the per-Session Docker-backed Backend Driver. It is exclusively
// owned by one Session: the caller's Session mutex is the only
// synchronization it relies on. fetchLimiter is the one exception — it is
// shared with every other Driver the owning Factory has created.
type Driver struct {
	cli          *client.Client
	config       Config
	sessionID    string
	containerID  string
	fetchLimiter *rate.Limiter
}

var _ driver.Driver = (*Driver)(nil)

// Start provisions a detached, network-disabled container that idles on
// `tail -f /dev/null` until exec'd into.
func (d *Driver) Start(ctx context.Context) error {
	logger.Infof("starting container sandbox for session %s (image %s)", d.sessionID, d.config.Image)

	resources := container.Resources{
		NanoCPUs: int64(d.config.CPULimit * 1e9),
		Memory:   d.config.MemLimitBytes,
	}

	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources:   resources,
		AutoRemove:  true,
	}

	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:        d.config.Image,
		Cmd:          []string{"tail", "-f", "/dev/null"},
		WorkingDir:   d.config.workDir(),
		ExposedPorts: nat.PortSet{}, // no ports: network_mode=none disables all ingress/egress
	}, hostConfig, nil, nil, "")
	if err != nil {
		return orcherrors.NewBackendUnavailableError(fmt.Sprintf("failed to create container for session %s", d.sessionID), err)
	}
	d.containerID = created.ID

	if err := d.cli.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
		return orcherrors.NewBackendUnavailableError(fmt.Sprintf("failed to start container for session %s", d.sessionID), err)
	}

	if _, _, err := d.execRun(ctx, []string{"mkdir", "-p", d.config.workDir()}); err != nil {
		return orcherrors.NewBackendUnavailableError("failed to prepare working directory", err)
	}

	logger.Infof("container sandbox started: %s", shortID(d.containerID))
	return nil
}

// Execute runs code in the bound container under the configured execution
// timeout, restarting the container on expiry so the next call gets a
// fresh interpreter.
func (d *Driver) Execute(ctx context.Context, code string, language driver.Language) (driver.ExecutionResult, error) {
	if d.containerID == "" {
		return driver.ExecutionResult{}, orcherrors.NewBackendUnavailableError("sandbox not started", nil)
	}

	var cmd []string
	switch language {
	case driver.LanguagePython:
		cmd = []string{"python", "-c", code}
	case driver.LanguageBash:
		cmd = []string{"bash", "-c", code}
	case driver.LanguageR:
		cmd = []string{"Rscript", "-e", code}
	default:
		return driver.ExecutionResult{}, orcherrors.NewUnsupportedLanguageError(fmt.Sprintf("unsupported language: %s", language), nil)
	}

	logger.Infof("executing %s code in sandbox %s", language, shortID(d.containerID))

	timeout := d.config.ExecutionTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	exitCode, stdout, stderr, err := d.execRunDemux(execCtx, cmd)
	duration := time.Since(start).Seconds()

	if execCtx.Err() != nil {
		logger.Warnf("execution timed out (%s); restarting container %s to clean up", timeout, shortID(d.containerID))
		restartCtx, restartCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer restartCancel()
		if restartErr := d.cli.ContainerRestart(restartCtx, d.containerID, container.StopOptions{}); restartErr != nil {
			logger.Errorf("failed to restart timed-out container %s: %v", shortID(d.containerID), restartErr)
		}
		return driver.ExecutionResult{}, orcherrors.NewTimeoutError(fmt.Sprintf("execution exceeded %s limit", timeout), nil)
	}
	if err != nil {
		return driver.ExecutionResult{}, orcherrors.NewBackendCrashedError("execution failed", err)
	}

	return driver.ExecutionResult{
		Stdout:          stdout,
		Stderr:          stderr,
		ExitCode:        exitCode,
		DurationSeconds: duration,
	}, nil
}

// ListFiles lists filenames directly under path (relative paths are
// resolved against the working directory), non-recursively.
func (d *Driver) ListFiles(ctx context.Context, p string) ([]string, error) {
	if d.containerID == "" {
		return nil, orcherrors.NewBackendUnavailableError("sandbox not started", nil)
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(d.config.workDir(), p)
	}

	exitCode, out, _, err := d.execRunDemux(ctx, []string{"ls", "-1", p})
	if err != nil {
		return nil, orcherrors.NewBackendCrashedError("failed to list files", err)
	}
	if exitCode != 0 {
		logger.Warnf("failed to list files at %s: %s", p, out)
		return []string{}, nil
	}

	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// InstallPackage rejects any spec outside the configured allowlist, then
// downloads wheels on the host (the container has no network) and
// side-loads them offline.
func (d *Driver) InstallPackage(ctx context.Context, packageSpec string) error {
	if d.containerID == "" {
		return orcherrors.NewBackendUnavailableError("sandbox not started", nil)
	}

	baseName := basePackageName(packageSpec)
	if _, ok := d.config.AllowedPackages[strings.ToLower(baseName)]; !ok {
		return orcherrors.NewPackageNotAllowedError(fmt.Sprintf("package %s (base: %s) is not in the allowed list", packageSpec, baseName), nil)
	}

	logger.Infof("installing package %s via host proxy", packageSpec)

	tarBytes, err := d.downloadAndPackage(ctx, packageSpec)
	if err != nil {
		return orcherrors.NewInstallFailedError(fmt.Sprintf("failed to fetch package %s on host", packageSpec), err)
	}

	remoteDir := path.Join("/tmp/packages", baseName)
	if _, _, err := d.execRun(ctx, []string{"mkdir", "-p", remoteDir}); err != nil {
		return orcherrors.NewInstallFailedError("failed to create package staging directory", err)
	}
	if err := d.putArchive(ctx, remoteDir, tarBytes); err != nil {
		return orcherrors.NewInstallFailedError("failed to upload package wheels", err)
	}

	exitCode, out, _, err := d.execRunDemux(ctx, []string{"pip", "install", "--no-index", "--find-links", remoteDir, packageSpec})
	if err != nil {
		return orcherrors.NewInstallFailedError("failed to run pip install", err)
	}
	if exitCode != 0 {
		return orcherrors.NewInstallFailedError(fmt.Sprintf("pip install failed: %s", out), nil)
	}
	return nil
}

// Upload copies a local file into the container at remotePath.
func (d *Driver) Upload(ctx context.Context, localPath, remotePath string) error {
	if d.containerID == "" {
		return orcherrors.NewBackendUnavailableError("sandbox not started", nil)
	}

	f, err := os.Open(localPath) //nolint:gosec
	if err != nil {
		return orcherrors.NewNotFoundError(fmt.Sprintf("local file not found: %s", localPath), err)
	}
	defer f.Close() //nolint:errcheck

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	info, err := f.Stat()
	if err != nil {
		return orcherrors.NewNotFoundError("failed to stat local file", err)
	}
	if err := tw.WriteHeader(&tar.Header{Name: path.Base(remotePath), Mode: 0o644, Size: info.Size()}); err != nil {
		return orcherrors.NewBackendCrashedError("failed to write tar header", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return orcherrors.NewBackendCrashedError("failed to stage upload payload", err)
	}
	if err := tw.Close(); err != nil {
		return orcherrors.NewBackendCrashedError("failed to finalize upload payload", err)
	}

	parentDir := path.Dir(remotePath)
	if parentDir == "" {
		parentDir = "/"
	}
	if err := d.putArchive(ctx, parentDir, buf.Bytes()); err != nil {
		return orcherrors.NewBackendCrashedError("upload failed", err)
	}
	return nil
}

// Download retrieves a file from the container to a local path.
func (d *Driver) Download(ctx context.Context, remotePath, localPath string) error {
	if d.containerID == "" {
		return orcherrors.NewBackendUnavailableError("sandbox not started", nil)
	}

	rc, _, err := d.cli.CopyFromContainer(ctx, d.containerID, remotePath)
	if err != nil {
		return orcherrors.NewNotFoundError(fmt.Sprintf("remote file not found: %s", remotePath), err)
	}
	defer rc.Close() //nolint:errcheck

	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	if err == io.EOF || hdr == nil {
		return orcherrors.NewNotFoundError(fmt.Sprintf("remote file not found in archive: %s", remotePath), err)
	}
	if err != nil {
		return orcherrors.NewBackendCrashedError("failed to read download archive", err)
	}

	out, err := os.Create(localPath) //nolint:gosec
	if err != nil {
		return orcherrors.NewBackendCrashedError("failed to create local file", err)
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, tr); err != nil { //nolint:gosec
		return orcherrors.NewBackendCrashedError("failed to write local file", err)
	}
	return nil
}

// Terminate kills and removes the container. Errors are logged and
// swallowed; Terminate never fails its caller.
func (d *Driver) Terminate(ctx context.Context) {
	if d.containerID == "" {
		logger.Warnf("attempted to terminate non-existent container sandbox for session %s", d.sessionID)
		return
	}
	logger.Infof("terminating container sandbox: %s", shortID(d.containerID))
	if err := d.cli.ContainerKill(ctx, d.containerID, "KILL"); err != nil {
		logger.Warnf("error terminating container sandbox %s: %v", shortID(d.containerID), err)
	}
	d.containerID = ""
}

func (d *Driver) execRun(ctx context.Context, cmd []string) (int, string, error) {
	code, out, _, err := d.execRunDemux(ctx, cmd)
	return code, out, err
}

// execRunDemux runs cmd in the container and returns its exit code, stdout,
// and stderr separately, mirroring the original driver's demuxed exec_run.
func (d *Driver) execRunDemux(ctx context.Context, cmd []string) (int, string, string, error) {
	execCreated, err := d.cli.ContainerExecCreate(ctx, d.containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, "", "", err
	}

	attachResp, err := d.cli.ContainerExecAttach(ctx, execCreated.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, "", "", err
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if err := demuxExecOutput(attachResp.Reader, &stdout, &stderr); err != nil && ctx.Err() == nil {
		return 0, "", "", err
	}
	if ctx.Err() != nil {
		return 0, "", "", ctx.Err()
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execCreated.ID)
	if err != nil {
		return 0, "", "", err
	}
	return inspect.ExitCode, stdout.String(), stderr.String(), nil
}

func (d *Driver) putArchive(ctx context.Context, remotePath string, tarBytes []byte) error {
	return d.cli.CopyToContainer(ctx, d.containerID, remotePath, bytes.NewReader(tarBytes), container.CopyToContainerOptions{})
}

// demuxExecOutput reads a multiplexed exec attach stream into separate
// stdout/stderr buffers (Docker's stdcopy framing: an 8-byte header
// followed by the frame payload, repeated until EOF).
func demuxExecOutput(r io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		dst := stdout
		if header[0] == 2 {
			dst = stderr
		}
		if _, err := io.CopyN(dst, r, int64(size)); err != nil {
			return err
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// basePackageName strips version specifiers (e.g. "pandas>=1.0,<2.0" ->
// "pandas") the way packaging.requirements.Requirement.name does.
func basePackageName(spec string) string {
	name := spec
	for _, sep := range []string{"==", ">=", "<=", "!=", "~=", ">", "<", "[", " "} {
		if idx := strings.Index(name, sep); idx >= 0 {
			name = name[:idx]
		}
	}
	return strings.TrimSpace(name)
}

// downloadAndPackage fetches wheels for packageSpec on the host and tars
// them up for offline side-loading into the network-disabled container.
// Platform flags are added only when the host OS is not Linux: the tag is
// then manylinux2014_aarch64 for an ARM host and manylinux2014_x86_64
// otherwise, taken from the host's own architecture. The container's
// architecture is not inspected, and on a Linux host pip fetches for the
// host's platform. The Factory-wide fetchLimiter throttles
// concurrent `pip download` invocations across every session so a burst of
// InstallPackage calls can't exhaust host CPU/network.
func (d *Driver) downloadAndPackage(ctx context.Context, packageSpec string) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "pkgfetch-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	args := []string{"-m", "pip", "download", packageSpec, "--dest", tmpDir, "--only-binary=:all:"}
	if runtime.GOOS != "linux" {
		plat := "manylinux2014_x86_64"
		if strings.Contains(runtime.GOARCH, "arm") || runtime.GOARCH == "arm64" {
			plat = "manylinux2014_aarch64"
		}
		args = append(args, "--platform", plat, "--python-version", "3.12", "--implementation", "cp", "--abi", "cp312")
	}

	if err := d.fetchLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for package-fetch rate limiter: %w", err)
	}

	cmd := exec.CommandContext(ctx, "python3", args...) //nolint:gosec
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("pip download failed: %w: %s", err, out)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		full := path.Join(tmpDir, entry.Name())
		data, err := os.ReadFile(full) //nolint:gosec
		if err != nil {
			return nil, err
		}
		if err := tw.WriteHeader(&tar.Header{Name: entry.Name(), Mode: 0o644, Size: int64(len(data))}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
