package batch

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/telemetry"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		line   string
		msg    string
		level  zerolog.Level
		logged bool
	}{
		{"FINEST: deep", "deep", zerolog.DebugLevel, true},
		{"FINER: deeper", "deeper", zerolog.DebugLevel, true},
		{"DEBUG: x", "x", zerolog.DebugLevel, true},
		{"CONFIG: y", "y", zerolog.DebugLevel, true},
		{"INFO: loaded", "loaded", zerolog.InfoLevel, true},
		{"WARNING: careful", "careful", zerolog.WarnLevel, true},
		{"SEVERE: broken", "broken", zerolog.ErrorLevel, true},
		{"RAPIDMINER_ERROR_MSG=boom", "boom", zerolog.ErrorLevel, true},
		{"RAPIDMINER_ERROR_MSG_FIRST_LINE=boom", "", zerolog.NoLevel, false},
		{"EXIT_CODE=0", "", zerolog.NoLevel, false},
		{"untagged output", "untagged output", zerolog.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			msg, level, logged := classify(tt.line)
			if logged != tt.logged {
				t.Fatalf("logged = %v, want %v", logged, tt.logged)
			}
			if logged && (msg != tt.msg || level != tt.level) {
				t.Errorf("classify = (%q, %s), want (%q, %s)", msg, level, tt.msg, tt.level)
			}
		})
	}
}

func runParser(lines ...string) (*logParser, error) {
	p := newLogParser(telemetry.Nop(), "9.5.0")
	p.launched()
	for _, l := range lines {
		p.feed(l)
	}
	return p, p.finish(nil)
}

func TestParserOutcome(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		wantErr string
	}{
		{
			name:  "success",
			lines: []string{"RAPIDMINER_VERSION=9.10.0", "INFO: done", "EXIT_CODE=0"},
		},
		{
			name:  "snapshot version",
			lines: []string{"RAPIDMINER_VERSION=10.1.0-SNAPSHOT", "EXIT_CODE=0"},
		},
		{
			name:  "unparsable exit code counts as zero",
			lines: []string{"RAPIDMINER_VERSION=9.5.0", "EXIT_CODE=abc"},
		},
		{
			name:    "reported error",
			lines:   []string{"RAPIDMINER_VERSION=9.10.0", "RAPIDMINER_ERROR_MSG_FIRST_LINE=Process failed", "EXIT_CODE=1"},
			wantErr: "Error while executing studio: Process failed",
		},
		{
			name:    "exit code only",
			lines:   []string{"RAPIDMINER_VERSION=9.10.0", "EXIT_CODE=3"},
			wantErr: "Error while executing studio - unknown error. (error code: 3)",
		},
		{
			name:    "no exit code",
			lines:   []string{"RAPIDMINER_VERSION=9.10.0"},
			wantErr: "Error while executing studio - unknown error.",
		},
		{
			name:    "old platform",
			lines:   []string{"RAPIDMINER_VERSION=9.4.1", "EXIT_CODE=0"},
			wantErr: "9.5.0 or newer is required",
		},
		{
			name:    "no version",
			lines:   []string{"EXIT_CODE=0"},
			wantErr: "9.5.0 or newer is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := runParser(tt.lines...)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("finish() = %v", err)
				}
				if p.state != stateDone {
					t.Errorf("state = %s, want done", p.state)
				}
				return
			}
			if !errs.IsExecutionFailed(err) {
				t.Fatalf("finish() = %v, want ExecutionFailed", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
			if p.state != stateFailed {
				t.Errorf("state = %s, want failed", p.state)
			}
		})
	}
}

func TestParserStates(t *testing.T) {
	p := newLogParser(telemetry.Nop(), "9.5.0")
	p.feed("RAPIDMINER_VERSION=9.10.0")
	if p.state != stateIdle || p.version != "" {
		t.Fatal("lines before launch must be ignored")
	}

	if err := p.finish(errors.New("exec: not found")); !errs.IsExecutionFailed(err) {
		t.Fatalf("finish before launch = %v", err)
	}
	if err := p.finish(nil); err == nil {
		t.Error("finishing twice should fail")
	}
	p.feed("EXIT_CODE=0")
	if p.sawExit {
		t.Error("lines after finish must be ignored")
	}
}

func TestParserRelogsPlatformLines(t *testing.T) {
	var buf bytes.Buffer
	p := newLogParser(telemetry.NewWithWriter(&buf, "debug"), "9.5.0")
	p.launched()
	p.feed("WARNING: low memory")
	p.feed("RAPIDMINER_ERROR_MSG_FIRST_LINE=hidden")

	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, `"source":"platform"`) {
		t.Errorf("unexpected log output %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("first-line error marker must not be logged")
	}
}

func TestVersionAtLeast(t *testing.T) {
	tests := []struct {
		have, want string
		ok         bool
	}{
		{"9.5.0", "9.5.0", true},
		{"9.10", "9.5.0", true},
		{"10.0.0", "9.5.0", true},
		{"9.4.99", "9.5.0", false},
		{"9", "9.5", false},
	}
	for _, tt := range tests {
		got, err := versionAtLeast(tt.have, tt.want)
		if err != nil || got != tt.ok {
			t.Errorf("versionAtLeast(%s, %s) = %v, %v", tt.have, tt.want, got, err)
		}
	}
	if _, err := versionAtLeast("", "9.5.0"); err == nil {
		t.Error("empty version should not parse")
	}
}
