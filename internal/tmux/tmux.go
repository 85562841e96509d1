// Package tmux provides a wrapper for tmux session and window operations via
// subprocess. Workers live as named windows inside a shared per-project
// session; an explicit socket selects a separate tmux server entirely.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Common errors
var (
	// ErrUnavailable means the tmux binary is missing or the server cannot
	// be reached. Spawn treats this as fatal and rolls back.
	ErrUnavailable = errors.New("tmux unavailable")
	// ErrTargetMissing means the addressed session or window does not exist.
	ErrTargetMissing = errors.New("tmux target missing")
	// ErrInvalidName rejects names that tmux would silently mangle.
	ErrInvalidName = errors.New("invalid tmux name")
)

// validNameRe validates session and window names to prevent shell injection
// and tmux target-syntax collisions (dots and colons are target separators).
var validNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateName checks that a session or window name is safe to use as a
// tmux target.
func ValidateName(name string) error {
	if name == "" || !validNameRe.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidName, name, validNameRe.String())
	}
	return nil
}

// SessionForRoot derives the default session name for a state root: a short
// hex digest keeps the name stable per project so sibling workers share one
// session, while distinct roots land on distinct sessions.
func SessionForRoot(stateRoot string) string {
	sum := blake3.Sum256([]byte(stateRoot))
	return fmt.Sprintf("swarm-%x", sum[:4])
}

// ControlKey names a tmux key token sent without literal interpretation.
type ControlKey string

// Control keys used by the lifecycle engine and ralph runner.
const (
	KeyEnter  ControlKey = "Enter"
	KeyCtrlC  ControlKey = "C-c"
	KeyCtrlD  ControlKey = "C-d"
	KeyCtrlU  ControlKey = "C-u"
	KeyEscape ControlKey = "Escape"
)

// Tmux wraps tmux operations, optionally against a named socket.
type Tmux struct {
	socket string
}

// New creates a wrapper for the default tmux server.
func New() *Tmux {
	return &Tmux{}
}

// NewWithSocket creates a wrapper bound to a separate tmux server selected
// by socket name (tmux -L).
func NewWithSocket(socket string) *Tmux {
	return &Tmux{socket: socket}
}

// Socket returns the socket name, empty for the default server.
func (t *Tmux) Socket() string {
	return t.socket
}

// run executes a tmux command and returns stdout.
// The -u flag forces UTF-8 regardless of locale.
func (t *Tmux) run(args ...string) (string, error) {
	allArgs := []string{"-u"}
	if t.socket != "" {
		allArgs = append(allArgs, "-L", t.socket)
	}
	allArgs = append(allArgs, args...)

	cmd := exec.Command("tmux", allArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", t.wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// wrapError classifies tmux failures into the adapter's error taxonomy.
// Nothing surfaces as a silent no-op: a dead server or missing target is
// always distinguishable by the caller.
func (t *Tmux) wrapError(err error, stderr string, args []string) error {
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return fmt.Errorf("%w: tmux binary not found", ErrUnavailable)
	}
	stderr = strings.TrimSpace(stderr)

	switch {
	case strings.Contains(stderr, "no server running"),
		strings.Contains(stderr, "error connecting to"),
		strings.Contains(stderr, "server exited unexpectedly"):
		return fmt.Errorf("%w: %s", ErrUnavailable, stderr)
	case strings.Contains(stderr, "session not found"),
		strings.Contains(stderr, "can't find session"),
		strings.Contains(stderr, "can't find window"),
		strings.Contains(stderr, "can't find pane"),
		strings.Contains(stderr, "no current target"):
		return fmt.Errorf("%w: %s", ErrTargetMissing, stderr)
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// IsAvailable checks that tmux is installed and can be invoked.
func (t *Tmux) IsAvailable() bool {
	args := []string{"-V"}
	if t.socket != "" {
		args = append([]string{"-L", t.socket}, args...)
	}
	return exec.Command("tmux", args...).Run() == nil
}

// HasSession checks if a session exists. The "=" prefix forces exact
// matching so "swarm-ab" never matches a check for "swarm-a".
func (t *Tmux) HasSession(session string) (bool, error) {
	_, err := t.run("has-session", "-t", "="+session)
	if err != nil {
		if errors.Is(err, ErrTargetMissing) || errors.Is(err, ErrUnavailable) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EnsureSession creates a detached session if it does not already exist.
// Create-first avoids the check-then-create race between concurrent spawns;
// "duplicate session" from the loser is success.
func (t *Tmux) EnsureSession(session, workDir string) error {
	if err := ValidateName(session); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", session}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	_, err := t.run(args...)
	if err != nil && strings.Contains(err.Error(), "duplicate session") {
		return nil
	}
	return err
}

// target returns the tmux target for a window in a session.
func target(session, window string) string {
	return "=" + session + ":" + window
}

// NewWindow creates a named window in an existing session running the given
// shell command with the given working directory. Env is applied with an
// `env KEY=VAL ...` shim prefixed to the command so values win over whatever
// the tmux server inherited. Keys are sorted for deterministic argv.
func (t *Tmux) NewWindow(session, window, workDir, command string, env map[string]string) error {
	if err := ValidateName(window); err != nil {
		return err
	}
	full := command
	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString("env")
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(shellQuote(k + "=" + env[k]))
		}
		b.WriteString(" ")
		b.WriteString(command)
		full = b.String()
	}

	args := []string{"new-window", "-d", "-t", "=" + session, "-n", window}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	args = append(args, full)
	_, err := t.run(args...)
	return err
}

// QuoteCommand joins an argv into a single shell command line, quoting each
// argument. tmux new-window takes one command string.
func QuoteCommand(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = shellQuote(a)
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes a string for inclusion in a shell command line.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$`!&|;<>()*?[]{}~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// HasWindow checks if a named window exists in a session.
func (t *Tmux) HasWindow(session, window string) (bool, error) {
	out, err := t.run("list-windows", "-t", "="+session, "-F", "#{window_name}")
	if err != nil {
		if errors.Is(err, ErrTargetMissing) || errors.Is(err, ErrUnavailable) {
			return false, nil
		}
		return false, err
	}
	for _, name := range strings.Split(out, "\n") {
		if name == window {
			return true, nil
		}
	}
	return false, nil
}

// KillWindow removes a window. Missing targets are reported, not swallowed;
// the lifecycle engine decides whether a missing window is acceptable.
func (t *Tmux) KillWindow(session, window string) error {
	_, err := t.run("kill-window", "-t", target(session, window))
	return err
}

// KillSessionIfEmpty kills a session only when no worker windows remain
// beyond tmux's floor of one (the placeholder pane left after the last
// worker window is gone).
func (t *Tmux) KillSessionIfEmpty(session string) error {
	out, err := t.run("list-windows", "-t", "="+session, "-F", "#{window_name}")
	if err != nil {
		if errors.Is(err, ErrTargetMissing) || errors.Is(err, ErrUnavailable) {
			return nil
		}
		return err
	}
	windows := strings.Split(out, "\n")
	if len(windows) > 1 {
		return nil
	}
	return t.KillSession(session)
}

// KillSession terminates a session and every window in it.
func (t *Tmux) KillSession(session string) error {
	_, err := t.run("kill-session", "-t", "="+session)
	return err
}

// SendLiteral sends text verbatim to a window using literal mode (-l), with
// no key-name interpretation. "Enter" arrives as five characters.
func (t *Tmux) SendLiteral(session, window, text string) error {
	_, err := t.run("send-keys", "-t", target(session, window), "-l", text)
	return err
}

// SendControl sends named keys (Enter, C-c, Escape, ...) to a window.
func (t *Tmux) SendControl(session, window string, keys ...ControlKey) error {
	for _, k := range keys {
		if _, err := t.run("send-keys", "-t", target(session, window), string(k)); err != nil {
			return err
		}
	}
	return nil
}

// promptDebounce separates a literal paste from the Enter that submits it.
// Without it the Enter can arrive while the agent TUI is still processing
// the paste, losing the submission.
const promptDebounce = 500 * time.Millisecond

// SendMessage delivers a full message to a worker window: literal paste,
// debounce, then Enter as a separate command. This is the canonical path for
// prompts, heartbeats, and one-shot sends.
func (t *Tmux) SendMessage(session, window, message string) error {
	if err := t.SendLiteral(session, window, message); err != nil {
		return err
	}
	time.Sleep(promptDebounce)
	return t.SendControl(session, window, KeyEnter)
}

// ClearInput dismisses any autocomplete overlay and clears pending input:
// Escape followed by Ctrl-U.
func (t *Tmux) ClearInput(session, window string) error {
	if err := t.SendControl(session, window, KeyEscape); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return t.SendControl(session, window, KeyCtrlU)
}

// CapturePane returns the window's visible pane content plus historyLines of
// scrollback as a single string. ANSI escapes are preserved; the detector
// relies on SGR bytes as line anchors.
func (t *Tmux) CapturePane(session, window string, historyLines int) (string, error) {
	args := []string{"capture-pane", "-p", "-e", "-t", target(session, window)}
	if historyLines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", historyLines))
	}
	return t.run(args...)
}

// SetRemainOnExit keeps a window's pane around after its process exits so
// the exit status stays observable. The ralph runner needs the status to
// tell a clean agent exit from a crash.
func (t *Tmux) SetRemainOnExit(session, window string) error {
	_, err := t.run("set-option", "-w", "-t", target(session, window), "remain-on-exit", "on")
	return err
}

// PaneDead reports whether the window's pane process has exited and, if so,
// its exit status. Requires remain-on-exit; without it the window vanishes
// and the status is unobservable.
func (t *Tmux) PaneDead(session, window string) (bool, int, error) {
	out, err := t.run("display-message", "-p", "-t", target(session, window),
		"#{pane_dead} #{pane_dead_status}")
	if err != nil {
		return false, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 || fields[0] != "1" {
		return false, 0, nil
	}
	code := 0
	if len(fields) > 1 {
		fmt.Sscanf(fields[1], "%d", &code)
	}
	return true, code, nil
}

// RespawnWindow restarts a command in an existing window, replacing the dead
// pane. Used by the ralph runner to reuse the same window and worktree
// across iterations.
func (t *Tmux) RespawnWindow(session, window, workDir, command string, env map[string]string) error {
	full := command
	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString("env")
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(shellQuote(k + "=" + env[k]))
		}
		b.WriteString(" ")
		b.WriteString(command)
		full = b.String()
	}
	args := []string{"respawn-window", "-k", "-t", target(session, window)}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	args = append(args, full)
	_, err := t.run(args...)
	return err
}

// ListWindows returns the window names of a session.
func (t *Tmux) ListWindows(session string) ([]string, error) {
	out, err := t.run("list-windows", "-t", "="+session, "-F", "#{window_name}")
	if err != nil {
		if errors.Is(err, ErrTargetMissing) || errors.Is(err, ErrUnavailable) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
