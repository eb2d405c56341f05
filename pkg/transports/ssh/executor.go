package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Execute runs a command on the remote host.
func (c *Client) Execute(ctx context.Context, cmd string) (ExecResult, error) {
	return c.run(ctx, "execute", cmd, nil)
}

// ExecuteWithSudo runs a command through sudo. The password, when given, is
// written to sudo's stdin rather than placed on the command line.
func (c *Client) ExecuteWithSudo(ctx context.Context, cmd string, sudoPassword string) (ExecResult, error) {
	if sudoPassword == "" {
		return c.run(ctx, "execute-sudo", "sudo -n sh -c "+Quote(cmd), nil)
	}
	return c.run(ctx, "execute-sudo", "sudo -S -p '' sh -c "+Quote(cmd), strings.NewReader(sudoPassword+"\n"))
}

// run executes cmd on a fresh session. Commands without a deadline are
// bounded by Config.CommandTimeout.
func (c *Client) run(ctx context.Context, op string, cmd string, stdin io.Reader) (ExecResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	res := ExecResult{StartedAt: time.Now(), ExitCode: -1}
	log.Debug().Str("host", c.config.Host).Str("command", cmd).Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return res, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return res, &TransportError{Op: op, Err: fmt.Errorf("failed to create session: %w", err), Retryable: true}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	session.Stdin = stdin

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		execErr = ctx.Err()
	case execErr = <-done:
	}

	res.Duration = time.Since(res.StartedAt)
	res.Stdout = strings.TrimSpace(stdoutBuf.String())
	res.Stderr = strings.TrimSpace(stderrBuf.String())

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		res.ExitCode = 0
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &TransportError{
			Op:  op,
			Err: fmt.Errorf("command exited with code %d: %s", res.ExitCode, res.Stderr),
		}
	}
	return res, &TransportError{Op: op, Err: execErr, Retryable: true}
}

// RunBackground starts cmd detached from the SSH session in its own process
// group and returns its pid.
func (c *Client) RunBackground(ctx context.Context, cmd string, opts BackgroundOptions) (int, error) {
	script := BackgroundCommand(cmd, opts)
	var (
		res ExecResult
		err error
	)
	if opts.Sudo {
		res, err = c.ExecuteWithSudo(ctx, script, "")
	} else {
		res, err = c.Execute(ctx, script)
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(lastLine(res.Stdout))
	if err != nil {
		return 0, &TransportError{Op: "run-background", Err: fmt.Errorf("unexpected pid output %q", res.Stdout)}
	}
	log.Debug().Str("host", c.config.Host).Int("pid", pid).Msg("background command started")
	return pid, nil
}

// IsRunning reports whether pid is alive. It uses ps so processes owned by
// other users are visible; zombies count as exited.
func (c *Client) IsRunning(ctx context.Context, pid int) (bool, error) {
	res, err := c.Execute(ctx, fmt.Sprintf("ps -p %d -o stat= || true", pid))
	if err != nil {
		return false, err
	}
	stat := strings.TrimSpace(res.Stdout)
	return stat != "" && !strings.HasPrefix(stat, "Z"), nil
}

// Kill sends SIGTERM to pid's process group, falling back to pid alone.
func (c *Client) Kill(ctx context.Context, pid int) error {
	_, err := c.Execute(ctx, KillCommand(pid))
	return err
}

// BackgroundCommand returns the shell script RunBackground executes.
func BackgroundCommand(cmd string, opts BackgroundOptions) string {
	var b strings.Builder
	if opts.Dir != "" {
		fmt.Fprintf(&b, "mkdir -p %s && cd %s && ", Quote(opts.Dir), Quote(opts.Dir))
	}
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, Quote(opts.Env[k]))
	}

	stdout, stderr := "/dev/null", "/dev/null"
	if opts.Stdout != "" {
		stdout = Quote(opts.Stdout)
	}
	if opts.Stderr != "" {
		stderr = Quote(opts.Stderr)
	}
	fmt.Fprintf(&b, "nohup setsid sh -c %s >%s 2>%s </dev/null & pid=$!; ", Quote(cmd), stdout, stderr)
	if opts.PIDFile != "" {
		fmt.Fprintf(&b, "echo $pid >%s; ", Quote(opts.PIDFile))
	}
	b.WriteString("echo $pid")
	return b.String()
}

// KillCommand returns the shell command Kill runs.
func KillCommand(pid int) string {
	return fmt.Sprintf("kill -TERM -- -%d 2>/dev/null || kill -TERM %d 2>/dev/null || true", pid, pid)
}

// Quote returns s as a single-quoted shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return strings.TrimSpace(s)
}
