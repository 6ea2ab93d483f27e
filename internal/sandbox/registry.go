package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/flagrunner/internal/config"
)

var (
	// ErrUnknownSandbox is returned for ids that are neither registered nor
	// attachable.
	ErrUnknownSandbox = errors.New("unknown sandbox")
	// ErrNoSandbox is returned when no id is given and no preset is set.
	ErrNoSandbox = errors.New("no sandbox id given and no preset configured")
)

// Registry tracks the sandboxes available to the command tools of one run.
type Registry struct {
	mu        sync.RWMutex
	sandboxes map[string]*DockerSandbox
	preset    string

	cfg    config.SandboxConfig
	runner CommandRunner
	base   *zap.Logger
	logger *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithRunner replaces the os/exec runner, mainly for tests.
func WithRunner(runner CommandRunner) Option {
	return func(r *Registry) { r.runner = runner }
}

// NewRegistry creates an empty registry. The configured sandbox id, if any,
// becomes the preset.
func NewRegistry(cfg config.SandboxConfig, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		sandboxes: make(map[string]*DockerSandbox),
		preset:    strings.TrimSpace(cfg.ID),
		cfg:       cfg,
		runner:    ExecRunner{},
		base:      logger,
		logger:    logger.Named("sandbox"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.DockerBinary == "" {
		r.cfg.DockerBinary = "docker"
	}
	return r
}

// Register adds sb under id, replacing any previous entry.
func (r *Registry) Register(id string, sb *DockerSandbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sandboxes[id] = sb
}

// Get returns the sandbox registered under id.
func (r *Registry) Get(id string) (*DockerSandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[id]
	return sb, ok
}

// IDs lists the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sandboxes))
	for id := range r.sandboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetPreset sets the id used when a tool call names no sandbox. An empty id
// clears it.
func (r *Registry) SetPreset(id string) {
	r.mu.Lock()
	r.preset = strings.TrimSpace(id)
	r.mu.Unlock()
	if id == "" {
		r.logger.Info("[SANDBOX] preset cleared")
		return
	}
	r.logger.Info("[SANDBOX] preset set", zap.String("id", shortID(id)))
}

// Preset returns the current preset id.
func (r *Registry) Preset() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.preset
}

// Resolve returns the sandbox for id. An explicit id must be registered. An
// empty id falls back to the preset, attaching to its container on first use.
func (r *Registry) Resolve(ctx context.Context, id string) (*DockerSandbox, error) {
	id = strings.TrimSpace(id)
	if id != "" {
		if sb, ok := r.Get(id); ok {
			return sb, nil
		}
		return nil, fmt.Errorf("%w: %s (registered: %s)", ErrUnknownSandbox, id, r.describeIDs())
	}

	preset := r.Preset()
	if preset == "" {
		return nil, ErrNoSandbox
	}
	if sb, ok := r.Get(preset); ok {
		return sb, nil
	}
	sb, err := r.Attach(ctx, preset)
	if err != nil {
		return nil, err
	}
	r.Register(preset, sb)
	return sb, nil
}

// Attach connects to an existing container, trying the full id and then the
// 12 character short id.
func (r *Registry) Attach(ctx context.Context, id string) (*DockerSandbox, error) {
	candidates := []string{id}
	if short := shortID(id); short != id {
		candidates = append(candidates, short)
	}

	var lastErr error
	for _, candidate := range candidates {
		stdout, stderr, code, err := r.runner.Run(ctx, r.cfg.DockerBinary,
			"inspect", "-f", "{{.Id}} {{.State.Status}}", candidate)
		if err != nil {
			return nil, fmt.Errorf("docker inspect %s: %w", candidate, err)
		}
		if code != 0 {
			lastErr = fmt.Errorf("%s", strings.TrimSpace(string(stderr)))
			continue
		}

		fields := strings.Fields(string(stdout))
		status := "unknown"
		if len(fields) > 1 {
			status = fields[1]
		}
		r.logger.Info("[SANDBOX] attached to container",
			zap.String("id", shortID(id)),
			zap.String("status", status))
		return NewDockerSandbox(candidate, r.cfg, r.runner, r.base), nil
	}
	return nil, fmt.Errorf("%w: %s could not be attached: %v", ErrUnknownSandbox, id, lastErr)
}

// Ping checks that the docker CLI can reach a daemon.
func (r *Registry) Ping(ctx context.Context) error {
	_, stderr, code, err := r.runner.Run(ctx, r.cfg.DockerBinary, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return fmt.Errorf("docker unavailable: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("docker daemon unreachable: %s", strings.TrimSpace(string(stderr)))
	}
	return nil
}

func (r *Registry) describeIDs() string {
	ids := r.IDs()
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}
