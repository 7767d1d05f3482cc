package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Result carries the captured output of a finished command.
type Result struct {
	Output   string // interleaved stdout and stderr
	ExitCode int
}

// Local runs a shell command locally, capturing stdout and stderr into one
// buffer. The error is non-nil for any non-zero exit; the captured output
// is returned either way.
func Local(ctx context.Context, cmdString string) (Result, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdString)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	res := Result{Output: buf.String(), ExitCode: -1}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return res, fmt.Errorf("command %q failed (exit %d): %w", firstWord(cmdString), res.ExitCode, err)
	}
	return res, nil
}

// LocalWithInput runs a shell command feeding input on stdin, used to pipe
// a stored password into the privilege-escalation helper.
func LocalWithInput(ctx context.Context, cmdString, input string) (Result, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdString)
	cmd.Stdin = strings.NewReader(input)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	res := Result{Output: buf.String(), ExitCode: -1}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return res, fmt.Errorf("command %q failed (exit %d): %w", firstWord(cmdString), res.ExitCode, err)
	}
	return res, nil
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return s
	}
	return fields[0]
}
