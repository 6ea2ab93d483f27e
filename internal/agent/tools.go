// internal/agent/tools.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/flagrunner/internal/network"
	"github.com/xkilldash9x/flagrunner/internal/sandbox"
)

// ToolResult is the outcome of one tool call as shown to the model.
type ToolResult struct {
	Tool   string    `json:"tool"`
	Output string    `json:"output,omitempty"`
	Code   ErrorCode `json:"code,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Failed reports whether the call produced an error observation.
func (r ToolResult) Failed() bool { return r.Code != "" }

// Observation renders the result for the next prompt round.
func (r ToolResult) Observation() string {
	if r.Failed() {
		return fmt.Sprintf("[%s] ERROR %s: %s", r.Tool, r.Code, r.Error)
	}
	return fmt.Sprintf("[%s]\n%s", r.Tool, r.Output)
}

// invalidArgsError marks argument problems so they map to INVALID_PARAMETERS.
type invalidArgsError struct{ msg string }

func (e *invalidArgsError) Error() string { return e.msg }

func invalidArgs(format string, a ...interface{}) error {
	return &invalidArgsError{msg: fmt.Sprintf(format, a...)}
}

// -- Tool Registry --

// ToolRegistry dispatches tool calls by name.
type ToolRegistry struct {
	logger *zap.Logger
	tools  map[string]Tool
}

// NewToolRegistry creates a registry holding tools.
func NewToolRegistry(logger *zap.Logger, tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{
		logger: logger.Named("tools"),
		tools:  make(map[string]Tool),
	}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds t, replacing any tool with the same name.
func (r *ToolRegistry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe lists every tool for the executor's system prompt.
func (r *ToolRegistry) Describe() string {
	var b strings.Builder
	for _, name := range r.Names() {
		fmt.Fprintf(&b, "- %s: %s\n", name, r.tools[name].Description())
	}
	return b.String()
}

// Invoke runs the named tool. Failures, including panics, come back as an
// error observation rather than a Go error.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]interface{}) (result ToolResult) {
	result.Tool = name
	tool, ok := r.tools[name]
	if !ok {
		result.Code = ErrCodeUnknownTool
		result.Error = fmt.Sprintf("no tool named %q; available: %s", name, strings.Join(r.Names(), ", "))
		return result
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Tool panicked",
				zap.String("tool", name),
				zap.Any("panic", p),
				zap.String("stack", string(debug.Stack())))
			result.Output = ""
			result.Code = ErrCodeToolPanic
			result.Error = fmt.Sprintf("tool panicked: %v", p)
		}
	}()

	start := time.Now()
	out, err := tool.Invoke(ctx, args)
	if err != nil {
		result.Code = classifyToolError(err)
		result.Error = err.Error()
		r.logger.Debug("Tool call failed",
			zap.String("tool", name),
			zap.String("code", string(result.Code)),
			zap.Error(err))
		return result
	}
	result.Output = out
	r.logger.Debug("Tool call complete", zap.String("tool", name), zap.Duration("duration", time.Since(start)))
	return result
}

func classifyToolError(err error) ErrorCode {
	var argErr *invalidArgsError
	switch {
	case errors.As(err, &argErr):
		return ErrCodeInvalidParameters
	case errors.Is(err, network.ErrOutOfScope):
		return ErrCodeOutOfScope
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeoutError
	case errors.Is(err, sandbox.ErrUnknownSandbox), errors.Is(err, sandbox.ErrNoSandbox):
		return ErrCodeSandboxFailure
	default:
		return ErrCodeExecutionFailure
	}
}

// decodeArgs converts the model's loosely typed args into T.
func decodeArgs[T any](args map[string]interface{}) (T, error) {
	var out T
	raw, err := json.Marshal(args)
	if err != nil {
		return out, invalidArgs("args are not serializable: %v", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, invalidArgs("invalid args: %v", err)
	}
	return out, nil
}

func secondsOrZero(sec float64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}

// -- http_request --

// HTTPRequestTool sends one request to the target through the prober.
type HTTPRequestTool struct {
	prober HTTPProber
}

// NewHTTPRequestTool wraps prober.
func NewHTTPRequestTool(prober HTTPProber) *HTTPRequestTool {
	return &HTTPRequestTool{prober: prober}
}

func (t *HTTPRequestTool) Name() string { return "http_request" }

func (t *HTTPRequestTool) Description() string {
	return `send one HTTP request and get the raw response (status, all headers including every Set-Cookie, body). Redirects are not followed. ` +
		`args: {"url": string (absolute, or a path relative to the target), "method": string (default GET), ` +
		`"headers": object or JSON string, "body": string, "timeout_sec": number}`
}

type httpRequestArgs struct {
	URL        string      `json:"url"`
	Method     string      `json:"method"`
	Headers    interface{} `json:"headers"`
	Body       string      `json:"body"`
	Data       string      `json:"data"`
	TimeoutSec float64     `json:"timeout_sec"`
}

func (t *HTTPRequestTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	a, err := decodeArgs[httpRequestArgs](args)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(a.URL) == "" {
		return "", invalidArgs("url is required")
	}
	headers, err := parseHeaders(a.Headers)
	if err != nil {
		return "", err
	}
	body := a.Body
	if body == "" {
		body = a.Data
	}

	resp, err := t.prober.Do(ctx, network.ProbeRequest{
		URL:     a.URL,
		Method:  a.Method,
		Headers: headers,
		Body:    body,
		Timeout: secondsOrZero(a.TimeoutSec),
	})
	if err != nil {
		return "", err
	}
	return resp.Render(), nil
}

// parseHeaders accepts a header object or a JSON-encoded header object.
func parseHeaders(v interface{}) (map[string]string, error) {
	switch h := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(h) == "" {
			return nil, nil
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(h), &m); err != nil {
			return nil, invalidArgs("headers must be a JSON object: %v", err)
		}
		return parseHeaders(m)
	case map[string]interface{}:
		out := make(map[string]string, len(h))
		for k, val := range h {
			out[k] = fmt.Sprint(val)
		}
		return out, nil
	default:
		return nil, invalidArgs("headers must be an object, got %T", v)
	}
}

// -- run_command --

// RunCommandTool runs a shell command inside the sandbox.
type RunCommandTool struct {
	sandboxes SandboxProvider
}

// NewRunCommandTool creates the tool over provider.
func NewRunCommandTool(provider SandboxProvider) *RunCommandTool {
	return &RunCommandTool{sandboxes: provider}
}

func (t *RunCommandTool) Name() string { return "run_command" }

func (t *RunCommandTool) Description() string {
	return `run a shell command in the sandbox container (working directory /tmp) and get exit_code, stdout and stderr. ` +
		`args: {"cmd": string, "timeout_sec": number (default 120), "user": string (default root), "sandbox_id": string (optional)}`
}

type runCommandArgs struct {
	Cmd        string  `json:"cmd"`
	TimeoutSec float64 `json:"timeout_sec"`
	User       string  `json:"user"`
	SandboxID  string  `json:"sandbox_id"`
}

func (t *RunCommandTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	a, err := decodeArgs[runCommandArgs](args)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(a.Cmd) == "" {
		return "", invalidArgs("cmd is required")
	}
	sb, err := t.sandboxes(ctx, a.SandboxID)
	if err != nil {
		return "", err
	}
	res, err := sb.Run(ctx, a.Cmd, sandbox.RunOptions{User: a.User, Timeout: secondsOrZero(a.TimeoutSec)})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "exit_code: %d\n", res.ExitCode)
	if res.TimedOut {
		b.WriteString("timed_out: true\n")
	}
	fmt.Fprintf(&b, "stdout:\n%s\nstderr:\n%s", res.Stdout, res.Stderr)
	return b.String(), nil
}

// -- write_file --

// WriteFileTool writes a text file into the sandbox under /tmp.
type WriteFileTool struct {
	sandboxes SandboxProvider
}

// NewWriteFileTool creates the tool over provider.
func NewWriteFileTool(provider SandboxProvider) *WriteFileTool {
	return &WriteFileTool{sandboxes: provider}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return `write a text file into the sandbox. Paths must be under /tmp; other paths are moved there. ` +
		`args: {"path": string, "content": string, "sandbox_id": string (optional)}`
}

type writeFileArgs struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	SandboxID string `json:"sandbox_id"`
}

func (t *WriteFileTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	a, err := decodeArgs[writeFileArgs](args)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(a.Path) == "" {
		return "", invalidArgs("path is required")
	}
	sb, err := t.sandboxes(ctx, a.SandboxID)
	if err != nil {
		return "", err
	}
	written, err := sb.WriteFile(ctx, a.Path, a.Content)
	if err != nil {
		return "", err
	}
	return "ok: wrote " + written, nil
}
