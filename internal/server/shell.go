package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/creack/pty"

	"github.com/chronologos/rrepl/internal/clock"
	"github.com/chronologos/rrepl/internal/coalesce"
	"github.com/chronologos/rrepl/internal/protocol"
)

// ErrSubprocess wraps failures to run a shell command. It is reported to
// the client as ShellResult{-1}; the session stays up.
var ErrSubprocess = errors.New("subprocess error")

const (
	ptyReadBufSize = 32 * 1024 // matches coalesce.Threshold
	shellInputSize = 256
)

// shellCmd is one running shell command attached to a PTY.
type shellCmd struct {
	command string
	ptmx    *os.File
	cmd     *exec.Cmd
	coal    *coalesce.Coalescer
	log     *slog.Logger

	input chan []byte
	done  chan struct{}
}

// startShell runs command under `$SHELL -c` in a new 24x80 PTY. Output is
// coalesced and handed to output; exited receives the exit status after the
// last output. Both callbacks run on the shell's goroutines.
func startShell(command, sessionID string, clk clock.Clock, log *slog.Logger, output func([]byte), exited func(code int)) (*shellCmd, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell, "-c", command)
	cmd.Env = shellEnv(sessionID)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("%w: start %q: %w", ErrSubprocess, command, err)
	}

	sh := &shellCmd{
		command: command,
		ptmx:    ptmx,
		cmd:     cmd,
		coal:    coalesce.New(clk, output),
		log:     log,
		input:   make(chan []byte, shellInputSize),
		done:    make(chan struct{}),
	}
	go sh.readOutput(exited)
	go sh.writeInput()
	return sh, nil
}

// shellEnv passes the server's environment through with a sanitised TERM
// and the session id.
func shellEnv(sessionID string) []string {
	var env []string
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "TERM=") {
			env = append(env, e)
		}
	}
	env = append(env, "TERM="+sanitizeTerm(os.Getenv("TERM")))
	return append(env, "RREPL_SESSION="+sessionID)
}

// sanitizeTerm returns term if it looks reasonable, or "xterm-256color".
func sanitizeTerm(term string) string {
	if term == "" || len(term) > 128 {
		return "xterm-256color"
	}
	for _, c := range term {
		if c < 0x20 || c == '=' || c > 0x7e {
			return "xterm-256color"
		}
	}
	return term
}

func (sh *shellCmd) readOutput(exited func(int)) {
	buf := make([]byte, ptyReadBufSize)
	for {
		n, err := sh.ptmx.Read(buf)
		if n > 0 {
			sh.coal.Add(buf[:n])
		}
		if err != nil {
			// Linux reports EIO once the child side of the PTY is gone.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) {
				sh.log.Debug("pty read", "err", err)
			}
			break
		}
	}
	sh.coal.Stop()
	code := exitCode(sh.cmd.Wait())
	close(sh.done)
	sh.ptmx.Close()
	exited(code)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (sh *shellCmd) writeInput() {
	for {
		select {
		case data := <-sh.input:
			if _, err := sh.ptmx.Write(data); err != nil {
				sh.log.Debug("pty write", "err", err)
			}
		case <-sh.done:
			return
		}
	}
}

// send queues client keystrokes for the subprocess.
func (sh *shellCmd) send(data []byte) {
	select {
	case <-sh.done:
	case sh.input <- data:
	default:
		sh.log.Warn("shell input queue full, dropping data", "bytes", len(data))
	}
}

// signal delivers a ShellSignal to the subprocess's process group, so
// children of the shell are reached too.
func (sh *shellCmd) signal(name string) error {
	var sig syscall.Signal
	switch name {
	case protocol.SignalTerm:
		sig = syscall.SIGTERM
	case protocol.SignalInterrupt:
		sig = syscall.SIGINT
	default:
		return fmt.Errorf("unknown shell signal %q", name)
	}
	if err := sh.signalGroup(sig); err != nil {
		return fmt.Errorf("%w: signal %s: %w", ErrSubprocess, name, err)
	}
	return nil
}

// kill ends the subprocess during session teardown.
func (sh *shellCmd) kill() {
	if err := sh.signalGroup(syscall.SIGKILL); err != nil {
		sh.log.Debug("kill shell command", "err", err)
	}
}

// signalGroup signals the PTY session started for the command; the shell
// leads it, so its pid is the group id.
func (sh *shellCmd) signalGroup(sig syscall.Signal) error {
	err := syscall.Kill(-sh.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (sh *shellCmd) pid() string {
	if sh.cmd.Process == nil {
		return ""
	}
	return strconv.Itoa(sh.cmd.Process.Pid)
}
