// File: internal/sandbox/sandbox.go
package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/flagrunner/internal/config"
	"github.com/xkilldash9x/flagrunner/internal/llmutil"
)

// WritableRoot is the only directory files may be written into.
const WritableRoot = "/tmp"

// RunOptions tunes a single command execution.
type RunOptions struct {
	User    string
	Timeout time.Duration
}

// Result is the outcome of a command run inside the container.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// DockerSandbox runs commands in an existing container via `docker exec`.
type DockerSandbox struct {
	id     string
	cfg    config.SandboxConfig
	runner CommandRunner
	logger *zap.Logger
}

// NewDockerSandbox wraps the container with the given id.
func NewDockerSandbox(id string, cfg config.SandboxConfig, runner CommandRunner, logger *zap.Logger) *DockerSandbox {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.DockerBinary == "" {
		cfg.DockerBinary = "docker"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = WritableRoot
	}
	if cfg.DefaultUser == "" {
		cfg.DefaultUser = "root"
	}
	return &DockerSandbox{
		id:     id,
		cfg:    cfg,
		runner: runner,
		logger: logger.Named("sandbox").With(zap.String("container", shortID(id))),
	}
}

// ID returns the container id.
func (s *DockerSandbox) ID() string { return s.id }

// Run executes cmd with `sh -c` inside the container. A non-zero exit status
// is part of the result, not an error.
func (s *DockerSandbox) Run(ctx context.Context, cmd string, opts RunOptions) (*Result, error) {
	if strings.TrimSpace(cmd) == "" {
		return nil, errors.New("command is required")
	}
	user := opts.User
	if user == "" {
		user = s.cfg.DefaultUser
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := []string{"exec", "-u", user, "-w", s.cfg.WorkDir, s.id, "sh", "-c", cmd}
	stdout, stderr, code, err := s.runner.Run(ctx, s.cfg.DockerBinary, args...)
	res := &Result{
		Stdout:   s.limit(string(stdout)),
		Stderr:   s.limit(string(stderr)),
		ExitCode: code,
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			res.TimedOut = true
			res.Stderr = strings.TrimSpace(res.Stderr + fmt.Sprintf("\ncommand timeout after %s", timeout))
			s.logger.Warn("Sandbox command timed out", zap.Duration("timeout", timeout))
			return res, nil
		}
		return nil, fmt.Errorf("docker exec in %s failed: %w", shortID(s.id), err)
	}

	s.logger.Debug("Sandbox command finished", zap.Int("exit_code", code), zap.String("user", user))
	return res, nil
}

// WriteFile writes content to path inside the container and returns the
// path actually written. Paths outside /tmp are moved under it. The content
// is shipped base64 encoded to a staging file and renamed into place.
func (s *DockerSandbox) WriteFile(ctx context.Context, filePath, content string) (string, error) {
	target, err := NormalizePath(filePath)
	if err != nil {
		return "", err
	}
	staging := path.Join(WritableRoot, ".flagrunner-"+uuid.NewString())
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	script := fmt.Sprintf("mkdir -p %s && printf '%%s' '%s' | base64 -d > %s && mv %s %s",
		shellQuote(path.Dir(target)), encoded, shellQuote(staging), shellQuote(staging), shellQuote(target))

	res, err := s.Run(ctx, script, RunOptions{})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("failed to write %s (exit %d): %s", target, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	s.logger.Info("[SANDBOX] file written", zap.String("path", target), zap.Int("bytes", len(content)))
	return target, nil
}

// NormalizePath maps p into /tmp: relative paths are joined under it and
// absolute paths elsewhere keep only their base name.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("path is required")
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(WritableRoot, p)
	} else {
		p = path.Clean(p)
	}
	if p == WritableRoot || !strings.HasPrefix(p, WritableRoot+"/") {
		base := path.Base(p)
		if base == "/" || base == "." || base == ".." || base == path.Base(WritableRoot) {
			return "", fmt.Errorf("path %q does not name a file", p)
		}
		p = path.Join(WritableRoot, base)
	}
	return p, nil
}

func (s *DockerSandbox) limit(out string) string {
	if s.cfg.OutputLimit <= 0 {
		return out
	}
	return llmutil.Truncate(out, s.cfg.OutputLimit)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
