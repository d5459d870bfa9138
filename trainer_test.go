package trainer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	trainerPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("trainer-ci") {
		slog.Warn("integration tests skipped, cannot locate trainer-ci binary: run go build -race -cover -covermode=atomic -o trainer-ci ./cmd/trainer/ first")
		os.Exit(0)
	}

	var err error
	trainerPath, err = filepath.Abs("trainer-ci")
	if err != nil {
		slog.Error("can't get abspath for trainer-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for trainer-ci", "error", err)
		os.Exit(1)
	}
	if err := rmRfMkdirp(coverDir); err != nil {
		slog.Error("can't reset GOCOVERDIR for trainer-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}
	if err := os.Setenv("GOCOVERDIR", coverDir); err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestTrainer(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir := tmpDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "datasets", "alz", "train"), 0o755))
	addr := freeAddr(t)

	config := fmt.Sprintf(`
version: 0
service:
    addr: %q
    verbose: true
train:
    datasets_root: %q
    state_dir: %q
    worker:
        path: %q
        args: ["-c", "echo training $@; sleep 30 & wait", "worker"]
`, addr, filepath.Join(dir, "datasets"), filepath.Join(dir, "state"), sh)
	configPath := filepath.Join(dir, "trainer.yaml")
	creat(t, configPath, []byte(config))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)

	var serverErr bytes.Buffer
	server := exec.CommandContext(ctx, trainerPath, "serve", "--config", configPath)
	server.Stderr = &serverErr
	server.Cancel = func() error {
		return server.Process.Signal(os.Interrupt)
	}
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		cancel()
		_ = server.Wait()
		t.Logf("server log:\n%s", serverErr.String())
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	run := func(args ...string) []byte {
		t.Helper()
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, trainerPath, append(args, "--config", configPath)...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			t.Logf("%s", stderr.String())
			require.NoError(t, err)
		}
		return stdout.Bytes()
	}

	var started struct {
		Status string `json:"status"`
		PID    int    `json:"pid"`
		JobID  string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(run("start", "--dataset", "alz", "--epochs", "3"), &started))
	require.Equal(t, "started", started.Status)
	require.Positive(t, started.PID)

	require.Eventually(t, func() bool {
		return strings.Contains(string(run("log")), "training --dataset")
	}, 10*time.Second, 100*time.Millisecond)

	var stopped struct {
		Status string `json:"status"`
		PID    int    `json:"pid"`
	}
	require.NoError(t, json.Unmarshal(run("stop"), &stopped))
	require.Equal(t, "stopped", stopped.Status)
	require.Equal(t, started.PID, stopped.PID)

	log := string(run("log"))
	require.Contains(t, log, "--epochs 3 --batch_size 16 --img_size 640 --model_type s")
	require.True(t, strings.HasSuffix(log, "TRAIN_STOPPED (pid="+strconv.Itoa(started.PID)+")\n"), log)

	var jobs []struct {
		ID    string `json:"job_id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(run("jobs"), &jobs))
	require.NotEmpty(t, jobs)
	require.Equal(t, started.JobID, jobs[0].ID)
	require.Equal(t, "stopped", jobs[0].State)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
