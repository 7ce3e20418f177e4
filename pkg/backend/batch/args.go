package batch

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	scriptsDir   = "scripts"
	launcherStem = "rapidminer-batch"

	// launcherClass selects the command line launcher of the scripting
	// extension.
	launcherClass = "rmx_python_scripting:com.rapidminer.extension.pythonscripting.launcher.ExtendedCmdLauncher"
)

// Command is the launcher command type passed with -A.
type Command string

const (
	CommandReadResource  Command = "READ_RESOURCE"
	CommandWriteResource Command = "WRITE_RESOURCE"
	CommandRunProcess    Command = "RUN_PROCESS"
)

// invocation describes one launcher run.
type invocation struct {
	Command   Command
	Process   string
	Inputs    []string
	Outputs   []string
	OutputDir string
	Operator  string
	Macros    map[string]string
	TempDir   string
}

// launcherPath returns the launcher script for goos below home.
func launcherPath(home, goos string) string {
	suffix := ".sh"
	switch goos {
	case "windows":
		suffix = ".bat"
	case "darwin":
		suffix = "-osx.sh"
	}
	return filepath.Join(home, scriptsDir, launcherStem+suffix)
}

// args renders inv into launcher arguments. Macros are emitted sorted by
// name.
func (inv invocation) args(clientVersion, goos string) []string {
	var params []string
	add := func(prefix, value string) {
		params = append(params, quoteParam(encodeParam(value), prefix, goos))
	}

	add("-C", launcherClass)
	add("-V", clientVersion)
	if inv.Process != "" {
		add("-P", inv.Process)
	}
	for _, in := range inv.Inputs {
		add("-I", in)
	}
	for _, out := range inv.Outputs {
		add("-O", out)
	}
	if inv.OutputDir != "" {
		add("-D", inv.OutputDir)
	}
	if inv.Operator != "" {
		add("-N", inv.Operator)
	}
	keys := make([]string, 0, len(inv.Macros))
	for k := range inv.Macros {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add("-M", k+"="+inv.Macros[k])
	}
	if inv.TempDir != "" {
		add("-T", inv.TempDir)
	}
	if inv.Command != "" {
		add("-A", string(inv.Command))
	}
	return params
}

// needsTempDir reports whether the platform needs a scratch directory for
// the inputs. Raw byte streams are unpacked there.
func needsTempDir(inputs []string) bool {
	for _, in := range inputs {
		if strings.HasSuffix(in, ".fo") {
			return true
		}
	}
	return false
}

// encodeParam escapes a launcher argument: backslash becomes \\, a double
// quote becomes \a and every non-ASCII rune becomes \<n>x<hex>, n being the
// number of hex digits.
func encodeParam(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == '"':
			b.WriteString(`\a`)
		case r < 128:
			b.WriteRune(r)
		default:
			code := strconv.FormatInt(int64(r), 16)
			b.WriteByte('\\')
			b.WriteString(strconv.Itoa(len(code)))
			b.WriteByte('x')
			b.WriteString(code)
		}
	}
	return b.String()
}

// quoteParam joins prefix and value. Outside Windows the launcher expects
// the whole argument in double quotes.
func quoteParam(value, prefix, goos string) string {
	if goos == "windows" {
		return prefix + value
	}
	return `"` + prefix + value + `"`
}
