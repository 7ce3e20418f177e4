package batch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/telemetry"
)

// Tags the platform prints on stdout.
const (
	tagVersion       = "RAPIDMINER_VERSION="
	tagExitCode      = "EXIT_CODE="
	tagErrorMsg      = "RAPIDMINER_ERROR_MSG="
	tagErrorMsgFirst = "RAPIDMINER_ERROR_MSG_FIRST_LINE="
)

// levelTags maps platform log prefixes to log levels, tried in order.
var levelTags = []struct {
	prefix string
	level  zerolog.Level
}{
	{"FINEST: ", zerolog.DebugLevel},
	{"FINER: ", zerolog.DebugLevel},
	{"DEBUG: ", zerolog.DebugLevel},
	{"CONFIG: ", zerolog.DebugLevel},
	{"INFO: ", zerolog.InfoLevel},
	{"WARNING: ", zerolog.WarnLevel},
	{"SEVERE: ", zerolog.ErrorLevel},
}

// parseState tracks one launcher run.
type parseState int

const (
	stateIdle parseState = iota
	stateLaunched
	stateParsing
	stateDone
	stateFailed
)

func (s parseState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateLaunched:
		return "launched"
	case stateParsing:
		return "parsing"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// logParser consumes launcher output line by line. It re-logs platform
// lines at their own level and remembers the version, exit code and error
// message the platform reports.
type logParser struct {
	state      parseState
	logger     *telemetry.Logger
	minVersion string

	version  string
	exitCode int
	sawExit  bool
	errMsg   string
	sawError bool
}

func newLogParser(logger *telemetry.Logger, minVersion string) *logParser {
	return &logParser{
		logger:     logger.WithField("source", "platform"),
		minVersion: minVersion,
	}
}

// launched marks the process as started.
func (p *logParser) launched() {
	if p.state == stateIdle {
		p.state = stateLaunched
	}
}

// feed handles one output line.
func (p *logParser) feed(line string) {
	if p.state != stateLaunched && p.state != stateParsing {
		return
	}
	p.state = stateParsing

	line = strings.TrimRight(line, "\r\n")
	if v, ok := strings.CutPrefix(line, tagVersion); ok {
		p.version = strings.TrimSpace(v)
	}
	switch {
	case strings.HasPrefix(line, tagErrorMsgFirst):
		p.errMsg = strings.TrimPrefix(line, tagErrorMsgFirst)
		p.sawError = true
	case strings.HasPrefix(line, tagExitCode):
		p.sawExit = true
		code, err := strconv.Atoi(strings.TrimSpace(line[len(tagExitCode):]))
		if err != nil {
			code = 0
		}
		p.exitCode = code
	}

	if msg, level, ok := classify(line); ok {
		p.logger.Log(level, msg)
	}
}

// classify strips a level tag from line. Lines that only carry run state
// are not logged.
func classify(line string) (string, zerolog.Level, bool) {
	for _, t := range levelTags {
		if strings.HasPrefix(line, t.prefix) {
			return line[len(t.prefix):], t.level, true
		}
	}
	switch {
	case strings.HasPrefix(line, tagErrorMsgFirst), strings.HasPrefix(line, tagExitCode):
		return "", zerolog.NoLevel, false
	case strings.HasPrefix(line, tagErrorMsg):
		return line[len(tagErrorMsg):], zerolog.ErrorLevel, true
	}
	return line, zerolog.InfoLevel, true
}

// finish ends the run. runErr is the error of the process wait, which is
// only trusted for failures to start or stop the process; success is read
// from the reported exit code.
func (p *logParser) finish(runErr error) error {
	if p.state == stateDone || p.state == stateFailed {
		return fmt.Errorf("launcher run already finished (%s)", p.state)
	}
	err := p.outcome(runErr)
	if err != nil {
		p.state = stateFailed
	} else {
		p.state = stateDone
	}
	return err
}

func (p *logParser) outcome(runErr error) error {
	if p.state == stateIdle {
		return errs.Wrap(errs.KindExecutionFailed, "launcher did not start", runErr)
	}

	ok, err := versionAtLeast(p.version, p.minVersion)
	if err != nil || !ok {
		return errs.Newf(errs.KindExecutionFailed, "platform %s or newer is required", p.minVersion).
			WithDetail("reported_version", p.version)
	}

	if p.sawExit && p.exitCode == 0 {
		return nil
	}

	var e *errs.Error
	switch {
	case p.sawError:
		e = errs.New(errs.KindExecutionFailed, "Error while executing studio: "+p.errMsg)
	case p.sawExit:
		e = errs.Newf(errs.KindExecutionFailed, "Error while executing studio - unknown error. (error code: %d)", p.exitCode)
	default:
		e = errs.New(errs.KindExecutionFailed, "Error while executing studio - unknown error.")
	}
	if p.sawExit {
		e = e.WithDetail("exit_code", p.exitCode)
	}
	return e
}

// parseVersion reads a dotted version. Non-numeric suffixes on a segment
// are ignored, so 9.10.0-SNAPSHOT reads as 9.10.0.
func parseVersion(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty version")
	}
	parts := strings.Split(s, ".")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		end := 0
		for end < len(part) && part[end] >= '0' && part[end] <= '9' {
			end++
		}
		if end == 0 {
			return nil, fmt.Errorf("invalid version %q", s)
		}
		n, _ := strconv.Atoi(part[:end])
		out = append(out, n)
		if end < len(part) {
			break
		}
	}
	return out, nil
}

func versionAtLeast(have, want string) (bool, error) {
	h, err := parseVersion(have)
	if err != nil {
		return false, err
	}
	w, err := parseVersion(want)
	if err != nil {
		return false, err
	}
	for i := 0; i < len(h) || i < len(w); i++ {
		var a, b int
		if i < len(h) {
			a = h[i]
		}
		if i < len(w) {
			b = w[i]
		}
		if a != b {
			return a > b, nil
		}
	}
	return true, nil
}
