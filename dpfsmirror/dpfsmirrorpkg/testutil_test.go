// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dpfs-project/dpfs-aio-mirror/hal"
)

// testCompleter is a fake hal.Completer recording every completion it
// receives, so tests can drive the dispatcher directly rather than
// against a live kernel FUSE mount.
type testCompleter struct {
	mutex       sync.Mutex
	completions []testCompletion
	signal      chan struct{}
}

type testCompletion struct {
	completionContext uintptr
	status            hal.CompletionStatus
}

func newTestCompleter() *testCompleter {
	return &testCompleter{signal: make(chan struct{}, 4096)}
}

func (c *testCompleter) Complete(completionContext uintptr, status hal.CompletionStatus) {
	c.mutex.Lock()
	c.completions = append(c.completions, testCompletion{completionContext: completionContext, status: status})
	c.mutex.Unlock()
	c.signal <- struct{}{}
}

func (c *testCompleter) waitForOne(t *testing.T) testCompletion {
	t.Helper()
	select {
	case <-c.signal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an async completion")
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	require.NotEmpty(t, c.completions)
	return c.completions[len(c.completions)-1]
}

// testSetup writes a minimal TOML config rooted at a fresh t.TempDir()
// backing directory, starts the package globals directly (bypassing
// the exported Start/Stop so tests can reach into unexported state),
// and returns the backing directory path and a fake completer.
func testSetup(t *testing.T) (backingDir string, completer *testCompleter) {
	t.Helper()

	backingDir = filepath.Join(t.TempDir(), "backing")
	require.NoError(t, os.MkdirAll(backingDir, 0755))

	confPath := filepath.Join(t.TempDir(), "dpfsmirror.conf")
	confBody := fmt.Sprintf(`
[local_mirror]
dir                       = %q
metadata_timeout          = 0.0
uring_cq_polling          = true
uring_cq_polling_nthreads = 2

[logging]
log_to_console = false
trace_enabled  = false

[diagnostics]
stats_server_addr = ""
`, backingDir)
	require.NoError(t, os.WriteFile(confPath, []byte(confBody), 0644))

	config, err := loadConfigFromFile(confPath)
	require.NoError(t, err)

	completer = newTestCompleter()

	err = initializeGlobals(config, completer)
	require.NoError(t, err)

	return
}

func testTeardown(t *testing.T) {
	t.Helper()
	require.NoError(t, uninitializeGlobals())
}
