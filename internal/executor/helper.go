package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/fusionn-autosub/internal/failure"
	"github.com/fusionn-autosub/pkg/logger"
)

const (
	dimStart = "\033[2m"
	dimEnd   = "\033[0m"
)

// StreamDimmed reads from r, writes to buf for capture, and prints dimmed to stderr.
// Each line is also passed to onLine when set.
// This creates a Docker-build-like experience where script output is visible but greyed out.
func StreamDimmed(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer, onLine func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	// Increase buffer for potentially long lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
		// Print dimmed to stderr (doesn't interfere with structured logs)
		fmt.Fprintf(os.Stderr, "%s  │ %s%s\n", dimStart, line, dimEnd)
	}

	if err := scanner.Err(); err != nil {
		logger.Debugf("Scanner error (may be normal): %v", err)
	}
}

// command describes one external tool invocation.
type command struct {
	op       string // failure op name, e.g. "transcribe"
	name     string
	args     []string
	env      []string
	onStdout func(string)
	onStderr func(string)
	quiet    bool // capture without echoing
}

// run executes the command, streaming its output, and returns captured
// stdout. Failures come back as *failure.Error.
func run(ctx context.Context, c command) (string, error) {
	logger.Debugf("  Command: %s %s", c.name, strings.Join(c.args, " "))

	cmd := exec.CommandContext(ctx, c.name, c.args...)
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", failure.New(failure.CodeInternal, c.op, fmt.Errorf("stdout pipe: %w", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", failure.New(failure.CodeInternal, c.op, fmt.Errorf("stderr pipe: %w", err))
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", failure.Newf(failure.CodeInternal, c.op, "%s not installed", c.name)
		}
		return "", failure.New(failure.CodeUnavailable, c.op, fmt.Errorf("start %s: %w", c.name, err))
	}

	wg.Add(2)
	if c.quiet {
		go capture(&wg, stdoutPipe, &stdoutBuf, c.onStdout)
		go capture(&wg, stderrPipe, &stderrBuf, c.onStderr)
	} else {
		go StreamDimmed(&wg, stdoutPipe, &stdoutBuf, c.onStdout)
		go StreamDimmed(&wg, stderrPipe, &stderrBuf, c.onStderr)
	}
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", failure.New(failure.CodeTimeout, c.op, ctxErr)
		}
		return "", classifyOutput(c.op, stderrBuf.String(), err)
	}

	// Scripts may exit 0 but still fail
	stderrStr := stderrBuf.String()
	if strings.Contains(stderrStr, "Traceback") {
		return "", classifyOutput(c.op, stderrStr, errors.New("script reported errors"))
	}
	return stdoutBuf.String(), nil
}

func capture(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer, onLine func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
}

var stderrCodes = []struct {
	pattern string
	code    failure.Code
}{
	{"out of memory", failure.CodeAcceleratorMemory},
	{"cuda error", failure.CodeAcceleratorMemory},
	{"no space left on device", failure.CodeDiskFull},
	{"no such file or directory", failure.CodeNotFound},
	{"invalid data found when processing input", failure.CodeInvalidInput},
	{"does not contain any stream", failure.CodeInvalidInput},
	{"unknown encoder", failure.CodeUnsupportedFormat},
	{"unable to find a suitable output format", failure.CodeUnsupportedFormat},
	{"connection refused", failure.CodeUnavailable},
	{"resource temporarily unavailable", failure.CodeResourceBusy},
	{"model not found", failure.CodeModelMissing},
	{"repository not found", failure.CodeModelMissing},
}

// classifyOutput tags a tool failure by what it printed on stderr.
func classifyOutput(op, stderr string, err error) *failure.Error {
	lower := strings.ToLower(stderr)
	code := failure.CodeInternal
	for _, c := range stderrCodes {
		if strings.Contains(lower, c.pattern) {
			code = c.code
			break
		}
	}
	return failure.New(code, op, fmt.Errorf("%w: %s", err, lastLines(stderr, 5)))
}

// lastLines returns the final n lines of s joined on one line.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

// clamp01 keeps a fraction in [0,1].
func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
