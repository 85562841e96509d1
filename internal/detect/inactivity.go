package detect

import (
	"crypto/md5"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/swarmctl/swarm/internal/tmux"
)

// InactivityPollInterval is the cadence of the screen-stability poll.
const InactivityPollInterval = 2 * time.Second

// MonitorScrollback is how many scrollback lines monitor captures include,
// and how many trailing lines feed the stability hash. Restricting to the
// tail keeps scrolled-away noise from masking a stall. Baselines must be
// captured at this same depth so line content lines up with later captures.
const MonitorScrollback = 20

// ansiRe strips ANSI escape sequences when normalizing captures for
// hashing. Cursor spinners repaint with different SGR bytes each frame;
// without stripping, an idle agent never looks stable.
var ansiRe = regexp.MustCompile(`\x1b(\[[0-9;?]*[a-zA-Z]|\][^\x07]*\x07|[()][A-Z0-9])`)

// StripANSI removes escape sequences from a capture.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// Outcome is the reason a monitoring poll loop ended.
type Outcome int

const (
	// Inactive: the normalized tail hash was unchanged for the timeout.
	Inactive Outcome = iota
	// WorkerExited: the underlying window disappeared.
	WorkerExited
	// DoneMatched: the done pattern appeared past the prompt baseline.
	DoneMatched
)

func (o Outcome) String() string {
	switch o {
	case Inactive:
		return "inactive"
	case WorkerExited:
		return "worker_exited"
	case DoneMatched:
		return "done_pattern_matched"
	default:
		return "unknown"
	}
}

// MonitorConfig drives one monitoring poll loop.
type MonitorConfig struct {
	Timeout     time.Duration  // inactivity threshold
	DonePattern *regexp.Regexp // nil disables done matching
	CheckDone   bool           // scan every poll, not only the final capture
	Baseline    string         // capture taken right after prompt injection
}

// tailHash hashes the normalized last MonitorScrollback lines of a capture.
func tailHash(capture string) [md5.Size]byte {
	lines := strings.Split(StripANSI(capture), "\n")
	if len(lines) > MonitorScrollback {
		lines = lines[len(lines)-MonitorScrollback:]
	}
	return md5.Sum([]byte(strings.Join(lines, "\n")))
}

// ScanPastBaseline matches the done pattern only against lines absent from
// the baseline capture. The baseline is taken right after prompt injection,
// so neither the injected prompt nor older scrollback can self-match, no
// matter where scrolling moves them in later captures.
func ScanPastBaseline(capture, baseline string, done *regexp.Regexp) bool {
	if done == nil {
		return false
	}
	injected := make(map[string]bool)
	for _, line := range strings.Split(StripANSI(baseline), "\n") {
		injected[line] = true
	}
	for _, line := range strings.Split(StripANSI(capture), "\n") {
		if injected[line] {
			continue
		}
		if done.MatchString(line) {
			return true
		}
	}
	return false
}

// Monitor polls the pane until the screen goes stable for cfg.Timeout, the
// window disappears, or the done pattern fires past the baseline. With
// CheckDone the pattern is scanned every poll; either way the final capture
// is scanned before returning, so a done signal printed just before the
// screen settled or the agent exited is never missed. The timeout
// granularity is one poll interval; the loop is not cancellable mid-poll.
func Monitor(t *tmux.Tmux, session, window string, cfg MonitorConfig) (Outcome, error) {
	lastChange := time.Now()
	var lastHash [md5.Size]byte
	var lastCapture string
	first := true

	finalScan := func(o Outcome) Outcome {
		if ScanPastBaseline(lastCapture, cfg.Baseline, cfg.DonePattern) {
			return DoneMatched
		}
		return o
	}

	for {
		capture, err := t.CapturePane(session, window, MonitorScrollback)
		if err != nil {
			if errors.Is(err, tmux.ErrTargetMissing) {
				return finalScan(WorkerExited), nil
			}
			return 0, err
		}
		lastCapture = capture

		exists, err := t.HasWindow(session, window)
		if err != nil {
			return 0, err
		}
		if !exists {
			return finalScan(WorkerExited), nil
		}
		// With remain-on-exit the window outlives its process; the dead
		// pane still counts as an exit.
		if dead, _, err := t.PaneDead(session, window); err == nil && dead {
			return finalScan(WorkerExited), nil
		}

		if cfg.CheckDone && ScanPastBaseline(capture, cfg.Baseline, cfg.DonePattern) {
			return DoneMatched, nil
		}

		h := tailHash(capture)
		if first || h != lastHash {
			lastHash = h
			lastChange = time.Now()
			first = false
		}

		if time.Since(lastChange) >= cfg.Timeout {
			return finalScan(Inactive), nil
		}
		time.Sleep(InactivityPollInterval)
	}
}
