// Package tmux wraps the tmux CLI behind a narrow interface so the engine
// and tests never shell out directly.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner is the surface the daemon needs from tmux. Implementations must
// be safe for concurrent use; every method honors ctx cancellation.
type Runner interface {
	HasSession(ctx context.Context, name string) (bool, error)
	NewSession(ctx context.Context, name, dir, command string, env map[string]string) error
	SendText(ctx context.Context, name, text string) error
	CapturePane(ctx context.Context, name string) (string, error)
	KillSession(ctx context.Context, name string) error
	SetEnvironment(ctx context.Context, name, key, value string) error
	ListSessions(ctx context.Context) ([]string, error)
}

// Capture output can be large and tmux occasionally stalls on a wedged
// pane; captures get their own generous budget.
const captureTimeout = 120 * time.Second

// ExecRunner shells out to the tmux binary.
type ExecRunner struct {
	// Binary overrides the tmux executable path (default "tmux").
	Binary string
}

// NewExecRunner returns a Runner using the tmux binary on PATH.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Binary: "tmux"}
}

func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	bin := r.Binary
	if bin == "" {
		bin = "tmux"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tmux %s: %s", args[0], msg)
	}
	return out.String(), nil
}

func (r *ExecRunner) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := r.run(ctx, "has-session", "-t", exact(name))
	if err != nil {
		// tmux exits 1 both for "no such session" and "no server"; either
		// way the session is not there.
		if strings.Contains(err.Error(), "no server") ||
			strings.Contains(err.Error(), "can't find session") ||
			strings.Contains(err.Error(), "no such session") ||
			strings.Contains(err.Error(), "exit status") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *ExecRunner) NewSession(ctx context.Context, name, dir, command string, env map[string]string) error {
	args := []string{"new-session", "-d", "-s", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	if command != "" {
		args = append(args, command)
	}
	if _, err := r.run(ctx, args...); err != nil {
		return err
	}
	for k, v := range env {
		if err := r.SetEnvironment(ctx, name, k, v); err != nil {
			return err
		}
	}
	return nil
}

// SendText injects text as literal keys followed by Enter. The pause
// between scales with size: agent CLIs drop the trailing Enter when it
// lands while they are still consuming a large paste.
func (r *ExecRunner) SendText(ctx context.Context, name, text string) error {
	if _, err := r.run(ctx, "send-keys", "-t", exact(name), "-l", text); err != nil {
		return err
	}
	select {
	case <-time.After(sendDebounce(len(text))):
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err := r.run(ctx, "send-keys", "-t", exact(name), "Enter")
	return err
}

// sendDebounce returns the pause between the literal text and the Enter
// key, scaled by payload size.
func sendDebounce(n int) time.Duration {
	switch {
	case n > 4000:
		return time.Second
	case n > 1000:
		return 500 * time.Millisecond
	default:
		return 150 * time.Millisecond
	}
}

func (r *ExecRunner) CapturePane(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()
	return r.run(ctx, "capture-pane", "-t", exact(name), "-p", "-S", "-")
}

func (r *ExecRunner) KillSession(ctx context.Context, name string) error {
	_, err := r.run(ctx, "kill-session", "-t", exact(name))
	if err != nil && strings.Contains(err.Error(), "can't find session") {
		return nil
	}
	return err
}

func (r *ExecRunner) SetEnvironment(ctx context.Context, name, key, value string) error {
	_, err := r.run(ctx, "set-environment", "-t", exact(name), key, value)
	return err
}

func (r *ExecRunner) ListSessions(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if strings.Contains(err.Error(), "no server") {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// exact pins the target to an exact session name; without the = prefix
// tmux prefix-matches and "agent-1" can resolve to "agent-10".
func exact(name string) string { return "=" + name }
