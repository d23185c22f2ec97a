// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreason-ai/sandbox-orchestrator/pkg/artifact"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/driver"
	orcherrors "github.com/coreason-ai/sandbox-orchestrator/pkg/errors"
	"github.com/coreason-ai/sandbox-orchestrator/pkg/session"
)

// fakeDriver is a minimal in-memory Driver used to exercise the Façade
// without any real container or microVM.
type fakeDriver struct {
	mu        sync.Mutex
	started   bool
	files     map[string]struct{}
	execDelay time.Duration
	execFunc  func(code string) (driver.ExecutionResult, error)
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{files: map[string]struct{}{}}
}

func (d *fakeDriver) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

func (d *fakeDriver) Execute(ctx context.Context, code string, _ driver.Language) (driver.ExecutionResult, error) {
	if d.execDelay > 0 {
		select {
		case <-time.After(d.execDelay):
		case <-ctx.Done():
			return driver.ExecutionResult{}, orcherrors.NewTimeoutError("execution exceeded limit", nil)
		}
	}
	if d.execFunc != nil {
		return d.execFunc(code)
	}
	return driver.ExecutionResult{Stdout: "hello\n", ExitCode: 0, DurationSeconds: 0.001}, nil
}

func (d *fakeDriver) Upload(context.Context, string, string) error { return nil }

func (d *fakeDriver) Download(_ context.Context, remotePath, localPath string) error {
	return os.WriteFile(localPath, []byte("artifact-bytes-"+remotePath), 0o600)
}

func (d *fakeDriver) ListFiles(context.Context, string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.files))
	for f := range d.files {
		names = append(names, f)
	}
	return names, nil
}

func (d *fakeDriver) InstallPackage(_ context.Context, spec string) error {
	if spec == "not-allowed" {
		return orcherrors.NewPackageNotAllowedError("package not allowed", nil)
	}
	return nil
}

func (d *fakeDriver) Terminate(context.Context) {}

func (d *fakeDriver) addFile(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[name] = struct{}{}
}

type fakeFactory struct {
	mu      sync.Mutex
	drivers map[string]*fakeDriver
	build   func(sessionID string) *fakeDriver
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{drivers: map[string]*fakeDriver{}}
}

func (f *fakeFactory) New(sessionID string) driver.Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	var d *fakeDriver
	if f.build != nil {
		d = f.build(sessionID)
	} else {
		d = newFakeDriver()
	}
	f.drivers[sessionID] = d
	return d
}

func (f *fakeFactory) driverFor(sessionID string) *fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drivers[sessionID]
}

func newTestOrchestrator() (*Orchestrator, *fakeFactory) {
	factory := newFakeFactory()
	mgr := session.NewManager(factory, session.DefaultIdleTimeout, session.DefaultReaperInterval)
	return New(mgr, artifact.NewProcessor(nil), nil), factory
}

func TestExecute_SimplePython(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator()

	result, err := o.Execute(context.Background(), "s1", "u1", driver.LanguagePython, "print('hello')")
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, "hello")
	assert.Equal(t, 0, result.ExitCode)
	assert.Empty(t, result.Artifacts)
}

func TestExecute_CrossUserIsolation(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator()

	_, err := o.Execute(context.Background(), "s1", "u1", driver.LanguagePython, "print(1)")
	require.NoError(t, err)

	_, err = o.Execute(context.Background(), "s1", "u2", driver.LanguagePython, "print(1)")
	require.Error(t, err)
	assert.True(t, orcherrors.IsAccessDenied(err))
}

func TestExecute_UnsupportedLanguage(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator()

	_, err := o.Execute(context.Background(), "s1", "u1", driver.Language("cobol"), "DISPLAY 'HI'")
	require.Error(t, err)
	assert.True(t, orcherrors.IsUnsupportedLanguage(err))
}

func TestExecute_ArtifactDetection(t *testing.T) {
	t.Parallel()
	factory := newFakeFactory()
	factory.build = func(string) *fakeDriver {
		d := newFakeDriver()
		d.addFile("config.json")
		d.addFile("data.csv")
		d.execFunc = func(string) (driver.ExecutionResult, error) {
			d.addFile("new.png")
			d.addFile("notes.txt")
			return driver.ExecutionResult{Stdout: "done", ExitCode: 0}, nil
		}
		return d
	}
	mgr := session.NewManager(factory, session.DefaultIdleTimeout, session.DefaultReaperInterval)
	o := New(mgr, artifact.NewProcessor(nil), nil)

	result, err := o.Execute(context.Background(), "s1", "u1", driver.LanguagePython, "make_files()")
	require.NoError(t, err)

	names := map[string]driver.ArtifactRef{}
	for _, a := range result.Artifacts {
		names[a.Filename] = a
	}
	assert.Len(t, result.Artifacts, 2)
	assert.NotContains(t, names, "config.json")
	assert.NotContains(t, names, "data.csv")
	require.Contains(t, names, "new.png")
	require.Contains(t, names, "notes.txt")
}

func TestExecute_TimeoutThenRecovers(t *testing.T) {
	t.Parallel()
	factory := newFakeFactory()
	calls := 0
	factory.build = func(string) *fakeDriver {
		d := newFakeDriver()
		d.execFunc = func(string) (driver.ExecutionResult, error) {
			calls++
			if calls == 1 {
				return driver.ExecutionResult{}, orcherrors.NewTimeoutError("execution exceeded limit", nil)
			}
			return driver.ExecutionResult{Stdout: "2", ExitCode: 0}, nil
		}
		return d
	}
	mgr := session.NewManager(factory, session.DefaultIdleTimeout, session.DefaultReaperInterval)
	o := New(mgr, artifact.NewProcessor(nil), nil)

	_, err := o.Execute(context.Background(), "s1", "u1", driver.LanguagePython, "while True: pass")
	require.Error(t, err)
	assert.True(t, orcherrors.IsTimeout(err))

	result, err := o.Execute(context.Background(), "s1", "u1", driver.LanguagePython, "print(1+1)")
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, "2")
}

func TestInstallPackage_NotAllowed(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator()

	_, err := o.InstallPackage(context.Background(), "s1", "u1", "not-allowed")
	require.Error(t, err)
	assert.True(t, orcherrors.IsPackageNotAllowed(err))
}

func TestInstallPackage_Success(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator()

	ack, err := o.InstallPackage(context.Background(), "s1", "u1", "pandas>=1.0,<2.0")
	require.NoError(t, err)
	assert.Contains(t, ack, "pandas>=1.0,<2.0")
}

func TestListFiles_DefaultsToDot(t *testing.T) {
	t.Parallel()
	factory := newFakeFactory()
	factory.build = func(string) *fakeDriver {
		d := newFakeDriver()
		d.addFile("a.txt")
		return d
	}
	mgr := session.NewManager(factory, session.DefaultIdleTimeout, session.DefaultReaperInterval)
	o := New(mgr, artifact.NewProcessor(nil), nil)

	files, err := o.ListFiles(context.Background(), "s1", "u1", "")
	require.NoError(t, err)
	assert.Contains(t, files, "a.txt")
}

func TestShutdown_DuringConcurrentExecute(t *testing.T) {
	t.Parallel()
	factory := newFakeFactory()
	factory.build = func(string) *fakeDriver {
		d := newFakeDriver()
		d.execDelay = 200 * time.Millisecond
		return d
	}
	mgr := session.NewManager(factory, session.DefaultIdleTimeout, session.DefaultReaperInterval)
	o := New(mgr, artifact.NewProcessor(nil), nil)

	execDone := make(chan error, 1)
	go func() {
		_, err := o.Execute(context.Background(), "s1", "u1", driver.LanguagePython, "slow()")
		execDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, o.Shutdown(context.Background()))

	require.NoError(t, <-execDone, "in-flight execute must complete since its mutex is held")
	assert.Equal(t, 0, mgr.Count())
}

func TestGetOrCreateRetryOnReap_ThunderingHerd(t *testing.T) {
	t.Parallel()
	factory := newFakeFactory()
	mgr := session.NewManager(factory, 50*time.Millisecond, 10*time.Millisecond)
	o := New(mgr, artifact.NewProcessor(nil), nil)

	_, err := o.Execute(context.Background(), "s1", "u1", driver.LanguagePython, "print(1)")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond) // let the reaper evict s1

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = o.Execute(context.Background(), "s1", "u1", driver.LanguagePython, fmt.Sprintf("print(%d)", idx))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, mgr.Count())
}
