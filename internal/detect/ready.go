// Package detect watches tmux panes for agent readiness and inactivity.
// Matching runs over raw captures: ANSI escapes are kept because several
// ready patterns anchor on the SGR byte itself being a line prefix.
package detect

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/swarmctl/swarm/internal/tmux"
)

// ReadyPollInterval is how often the pane is captured while waiting for an
// agent to come up.
const ReadyPollInterval = 500 * time.Millisecond

// DefaultReadyTimeout bounds the readiness wait.
const DefaultReadyTimeout = 120 * time.Second

// readyPatterns are tried per line, in order; first hit wins. The set covers
// agent permission-mode banners, version banners, and plain prompts anchored
// to line start or directly after an ANSI SGR escape.
var readyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bypass permissions`),
	regexp.MustCompile(`(?i)permissions mode`),
	regexp.MustCompile(`(?i)shift\+tab to cycle`),
	regexp.MustCompile(`Claude Code v\d`),
	regexp.MustCompile(`(?i)opencode v\d`),
	regexp.MustCompile(`^(\x1b\[[0-9;]*m)*> `),
	regexp.MustCompile(`(\x1b\[[0-9;]*m)*❯\s`),
	regexp.MustCompile(`^(\x1b\[[0-9;]*m)*\$ `),
	regexp.MustCompile(`^>>> `),
}

// blockingPatterns mark first-run and login states where the agent is
// showing a dialog rather than accepting prompts. No amount of polling
// clears a dialog that needs a human, so a match ends the wait right away
// instead of burning the rest of the timeout.
var blockingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Choose the text style`),
	regexp.MustCompile(`looks best with your terminal`),
	regexp.MustCompile(`Select login method`),
	regexp.MustCompile(`Paste code here`),
}

// ErrBlockedOnSetup indicates the agent is stuck on a first-run or login
// dialog that no amount of waiting will clear.
var ErrBlockedOnSetup = errors.New("agent blocked on interactive setup")

// ReadyResult reports the outcome of a readiness wait.
type ReadyResult struct {
	Ready          bool
	MatchedPattern string // pattern source on success
	LastCapture    string // final capture on timeout
	Blocked        bool   // a blocking dialog was observed
	BlockedOn      string // which blocking pattern matched
}

// matchReady scans a capture line by line against the ready patterns.
func matchReady(capture string) (bool, string) {
	for _, line := range strings.Split(capture, "\n") {
		for _, re := range readyPatterns {
			if re.MatchString(line) {
				return true, re.String()
			}
		}
	}
	return false, ""
}

// matchBlocking reports whether a capture shows a blocking setup state.
func matchBlocking(capture string) (bool, string) {
	for _, line := range strings.Split(capture, "\n") {
		for _, re := range blockingPatterns {
			if re.MatchString(line) {
				return true, re.String()
			}
		}
	}
	return false, ""
}

// WaitReady polls the pane until a ready pattern appears, a blocking setup
// dialog is detected, or the timeout expires. Capture failures from a
// missing window are retried, because the window may still be initializing;
// other errors propagate.
func WaitReady(t *tmux.Tmux, session, window string, timeout time.Duration) (*ReadyResult, error) {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	result := &ReadyResult{}

	for {
		capture, err := t.CapturePane(session, window, 0)
		if err != nil {
			if errors.Is(err, tmux.ErrTargetMissing) {
				if time.Now().After(deadline) {
					return result, nil
				}
				time.Sleep(ReadyPollInterval)
				continue
			}
			return nil, err
		}

		if blocked, pattern := matchBlocking(capture); blocked {
			result.Blocked = true
			result.BlockedOn = pattern
			result.LastCapture = capture
			return result, nil
		}
		if ready, pattern := matchReady(capture); ready {
			result.Ready = true
			result.MatchedPattern = pattern
			return result, nil
		}

		result.LastCapture = capture
		if time.Now().After(deadline) {
			return result, nil
		}
		time.Sleep(ReadyPollInterval)
	}
}
