package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/flagrunner/internal/config"
)

type call struct {
	name string
	args []string
}

// fakeRunner records invocations and replies from a script.
type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	reply func(args []string) (string, string, int, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: args})
	f.mu.Unlock()
	if f.reply == nil {
		return nil, nil, 0, nil
	}
	stdout, stderr, code, err := f.reply(args)
	return []byte(stdout), []byte(stderr), code, err
}

func (f *fakeRunner) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func testSandboxConfig() config.SandboxConfig {
	return config.NewDefaultConfig().Sandbox
}

func TestDockerSandbox_Run(t *testing.T) {
	runner := &fakeRunner{reply: func(args []string) (string, string, int, error) {
		return "uid=0(root)\n", "", 0, nil
	}}
	sb := NewDockerSandbox("0123456789abcdef", testSandboxConfig(), runner, zaptest.NewLogger(t))

	res, err := sb.Run(context.Background(), "id", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "uid=0(root)\n", res.Stdout)

	got := runner.last()
	assert.Equal(t, "docker", got.name)
	assert.Equal(t, []string{"exec", "-u", "root", "-w", "/tmp", "0123456789abcdef", "sh", "-c", "id"}, got.args)
}

func TestDockerSandbox_Run_NonZeroExitIsNotAnError(t *testing.T) {
	runner := &fakeRunner{reply: func(args []string) (string, string, int, error) {
		return "", "sqlmap: not found", 127, nil
	}}
	sb := NewDockerSandbox("box", testSandboxConfig(), runner, zaptest.NewLogger(t))

	res, err := sb.Run(context.Background(), "sqlmap -h", RunOptions{User: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitCode)
	assert.Equal(t, "sqlmap: not found", res.Stderr)
	assert.Equal(t, "nobody", runner.last().args[2])
}

func TestDockerSandbox_Run_Timeout(t *testing.T) {
	runner := &fakeRunner{reply: func(args []string) (string, string, int, error) {
		return "partial", "", -1, context.DeadlineExceeded
	}}
	sb := NewDockerSandbox("box", testSandboxConfig(), runner, zaptest.NewLogger(t))

	res, err := sb.Run(context.Background(), "sleep 100", RunOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "partial", res.Stdout)
	assert.Contains(t, res.Stderr, "command timeout after 1s")
}

func TestDockerSandbox_Run_InfrastructureFailure(t *testing.T) {
	runner := &fakeRunner{reply: func(args []string) (string, string, int, error) {
		return "", "", -1, errors.New("exec: \"docker\": executable file not found in $PATH")
	}}
	sb := NewDockerSandbox("box", testSandboxConfig(), runner, zaptest.NewLogger(t))

	_, err := sb.Run(context.Background(), "id", RunOptions{})
	assert.ErrorContains(t, err, "docker exec in box failed")

	_, err = sb.Run(context.Background(), "   ", RunOptions{})
	assert.ErrorContains(t, err, "command is required")
}

func TestDockerSandbox_Run_TruncatesOutput(t *testing.T) {
	cfg := testSandboxConfig()
	cfg.OutputLimit = 5
	runner := &fakeRunner{reply: func(args []string) (string, string, int, error) {
		return strings.Repeat("x", 50), "", 0, nil
	}}
	sb := NewDockerSandbox("box", cfg, runner, zaptest.NewLogger(t))

	res, err := sb.Run(context.Background(), "cat big", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "xxxxx...", res.Stdout)
}

func TestDockerSandbox_WriteFile(t *testing.T) {
	runner := &fakeRunner{}
	sb := NewDockerSandbox("box", testSandboxConfig(), runner, zaptest.NewLogger(t))

	content := "print('it''s $HOME')\n"
	written, err := sb.WriteFile(context.Background(), "/etc/exploit.py", content)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/exploit.py", written)

	script := runner.last().args[len(runner.last().args)-1]
	assert.Contains(t, script, base64.StdEncoding.EncodeToString([]byte(content)))
	assert.Contains(t, script, "mkdir -p '/tmp'")
	assert.Contains(t, script, "mv '/tmp/.flagrunner-")
	assert.True(t, strings.HasSuffix(script, "'/tmp/exploit.py'"), script)
	assert.NotContains(t, script, "$HOME", "content never reaches the shell unencoded")
}

func TestDockerSandbox_WriteFile_Failure(t *testing.T) {
	runner := &fakeRunner{reply: func(args []string) (string, string, int, error) {
		return "", "base64: invalid input", 1, nil
	}}
	sb := NewDockerSandbox("box", testSandboxConfig(), runner, zaptest.NewLogger(t))

	_, err := sb.WriteFile(context.Background(), "a.txt", "x")
	assert.ErrorContains(t, err, "failed to write /tmp/a.txt (exit 1): base64: invalid input")
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "/tmp/app/main.py", want: "/tmp/app/main.py"},
		{in: "app.py", want: "/tmp/app.py"},
		{in: "work/app.py", want: "/tmp/work/app.py"},
		{in: "/etc/passwd", want: "/tmp/passwd"},
		{in: "/tmp/../etc/shadow", want: "/tmp/shadow"},
		{in: "/tmpfoo/x", want: "/tmp/x"},
		{in: "  /tmp/spaced.txt  ", want: "/tmp/spaced.txt"},
		{in: "", wantErr: true},
		{in: "/tmp", wantErr: true},
		{in: "/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePath(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
