package stage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/tracklog/internal/plan"
)

const (
	// maxStderrBytes caps the amount of stderr kept from an executable.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	maskedSecret = "********"
)

// CommandBuilder turns a work-list into an argv.
type CommandBuilder func(wl plan.WorkList) []string

// TransformCommand runs `command <outputDir> <file>...`.
func TransformCommand(command, outputDir string) CommandBuilder {
	return func(wl plan.WorkList) []string {
		return append([]string{command, outputDir}, wl.Paths()...)
	}
}

// ClusterTransformCommand runs `command <sourceDir> <outputDir>`. The
// cluster job discovers its own files under sourceDir.
func ClusterTransformCommand(command, sourceDir, outputDir string) CommandBuilder {
	return func(plan.WorkList) []string {
		return []string{command, sourceDir, outputDir}
	}
}

// LoadCommand runs `command [-w <password>] <logDir> <marker>...`.
func LoadCommand(command, logDir, password string) CommandBuilder {
	return func(wl plan.WorkList) []string {
		argv := []string{command}
		if password != "" {
			argv = append(argv, "-w", password)
		}
		argv = append(argv, logDir)
		return append(argv, wl.Paths()...)
	}
}

// ProcessOptions tune a ProcessExecutor.
type ProcessOptions struct {
	// Timeout of 0 means the executable may run indefinitely.
	Timeout time.Duration
	// Secrets are arguments replaced in descriptions and log lines.
	Secrets []string
	// Stdout receives the executable's standard output. Defaults to os.Stdout.
	Stdout io.Writer
	// Stderr receives a live copy of standard error. Defaults to os.Stderr.
	Stderr io.Writer
	Logger *slog.Logger
}

// ProcessExecutor runs an external executable once per batch.
type ProcessExecutor struct {
	build CommandBuilder
	opts  ProcessOptions
}

func NewProcessExecutor(build CommandBuilder, opts ProcessOptions) *ProcessExecutor {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ProcessExecutor{build: build, opts: opts}
}

func (p *ProcessExecutor) Describe(wl plan.WorkList) string {
	return strings.Join(p.mask(p.build(wl)), " ")
}

// mask replaces arguments that are exactly a secret. Substrings are left
// alone so a short password cannot garble file paths.
func (p *ProcessExecutor) mask(argv []string) []string {
	out := slices.Clone(argv)
	for i, a := range out {
		if a != "" && slices.Contains(p.opts.Secrets, a) {
			out[i] = maskedSecret
		}
	}
	return out
}

func (p *ProcessExecutor) Execute(ctx context.Context, wl plan.WorkList) (Result, error) {
	argv := p.build(wl)
	if len(argv) == 0 || argv[0] == "" {
		return Result{ExitCode: -1}, fmt.Errorf("no command configured")
	}
	return p.spawn(ctx, argv)
}

// spawn starts argv, streams stdout, keeps a capped copy of stderr, and
// enforces the timeout and ctx cancellation with SIGTERM then SIGKILL.
func (p *ProcessExecutor) spawn(ctx context.Context, argv []string) (Result, error) {
	logger := p.opts.Logger

	var timeoutC <-chan time.Time
	if p.opts.Timeout > 0 {
		timeoutTimer := time.NewTimer(p.opts.Timeout)
		defer timeoutTimer.Stop()
		timeoutC = timeoutTimer.C
	}

	// Don't use CommandContext: termination is managed here.
	cmd := exec.Command(argv[0], argv[1:]...)

	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = p.opts.Stdout
	cmd.Stderr = io.MultiWriter(stderr, p.opts.Stderr)
	// Grandchildren holding the pipes must not block Wait forever.
	cmd.WaitDelay = terminationGracePeriod

	logger.Debug("spawning executable", "argv", p.mask(argv), "timeout", p.opts.Timeout)

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var cause error
	select {
	case err := <-waitErr:
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				logger.Warn("executable exited with non-zero status", "exit_code", exitErr.ExitCode())
				return Result{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}, fmt.Errorf("exit status %d", exitErr.ExitCode())
			}
			return Result{ExitCode: -1, Stderr: stderr.String()}, fmt.Errorf("wait for process: %w", err)
		}
		return Result{ExitCode: 0, Stderr: stderr.String()}, nil
	case <-timeoutC:
		logger.Warn("executable timed out, sending SIGTERM", "timeout", p.opts.Timeout)
		cause = context.DeadlineExceeded
	case <-ctx.Done():
		logger.Warn("cancelled, sending SIGTERM")
		cause = ctx.Err()
	}

	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("executable exited after SIGTERM")
	case <-grace.C:
		logger.Warn("executable did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}

	return Result{ExitCode: -1, Stderr: stderr.String()}, cause
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (c *cappedBuffer) Write(b []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(b) > room {
			c.buf.Write(b[:room])
		} else {
			c.buf.Write(b)
		}
	}
	return len(b), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }
