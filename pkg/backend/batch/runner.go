package batch

import (
	"bufio"
	"context"
	"os/exec"
)

// Runner starts the launcher and streams its combined output.
type Runner interface {
	// Run executes name with args, calling line for every output line, and
	// returns once the process has exited and all output was delivered.
	// started is called once the process is running.
	Run(ctx context.Context, name string, args []string, started func(), line func(string)) error
}

// ExecRunner runs the launcher as a child process.
type ExecRunner struct {
	// Dir is the working directory of the child. Empty means the current
	// directory.
	Dir string

	// Env, when not nil, replaces the child's environment.
	Env []string
}

func (r ExecRunner) Run(ctx context.Context, name string, args []string, started func(), line func(string)) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if r.Env != nil {
		cmd.Env = r.Env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return err
	}
	started()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line(scanner.Text())
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return waitErr
	}
	return scanErr
}
