// Package process spawns tool server commands and exposes their stdio
// as line channels. It is the only package that touches os/exec, so
// everything above it can run against a FakeSpawner in tests.
package process

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/zhubert/plural-tools/logger"
)

// Scanner limits for a single stdout line. Tool results can be large
// but a line past maxScanBuffer ends the stream.
const (
	initialScanBuffer = 64 * 1024
	maxScanBuffer     = 1024 * 1024
)

// Spec describes a tool server command.
type Spec struct {
	Name    string            // server name, used in logs
	Command string
	Args    []string
	Env     map[string]string // appended to the parent environment
	Dir     string
}

// Handle is a running child process.
//
// Lines and Stderr must be drained until closed; each closes when its
// pipe reaches EOF. A consumer that stops draining before EOF blocks
// the internal readers and the child is never reaped.
type Handle interface {
	// WriteLine writes data plus a trailing newline to the child's stdin.
	WriteLine(data []byte) error
	// CloseStdin closes the child's stdin, signalling EOF.
	CloseStdin() error
	// Lines streams stdout one line at a time.
	Lines() <-chan string
	// Stderr streams stderr one line at a time.
	Stderr() <-chan string
	// PID returns the child's process id.
	PID() int
	// Signal sends sig to the child.
	Signal(sig os.Signal) error
	// Kill forcibly terminates the child.
	Kill() error
	// Done is closed once the child has exited and been reaped.
	Done() <-chan struct{}
	// Err returns the exit error. Valid only after Done is closed.
	Err() error
}

// Spawner starts child processes. The default implementation uses
// os/exec; tests substitute a FakeSpawner.
type Spawner interface {
	Spawn(spec Spec) (Handle, error)
}

// NewSpawner returns the os/exec-backed Spawner.
func NewSpawner() Spawner {
	return &osSpawner{}
}

type osSpawner struct{}

var _ Spawner = (*osSpawner)(nil)

func (s *osSpawner) Spawn(spec Spec) (Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("spawn %q: command must not be empty", spec.Name)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	h := &osHandle{
		cmd:        cmd,
		stdin:      stdin,
		lines:      make(chan string, 32),
		stderrCh:   make(chan string, 32),
		readerDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
		log:        logger.WithComponent("process").With("server", spec.Name, "pid", cmd.Process.Pid),
	}

	go h.readLines(stdout)
	go h.readStderr(stderr)
	go h.monitorExit()

	h.log.Debug("process started", "command", spec.Command)
	return h, nil
}

// buildEnv merges extra variables over the parent environment, sorted
// for deterministic ordering. A nil result inherits the parent as-is.
func buildEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

type osHandle struct {
	cmd *exec.Cmd
	log *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	lines    chan string
	stderrCh chan string

	readerDone chan struct{}
	stderrDone chan struct{}

	// exitErr is written before done closes and read only after, so the
	// channel close is the synchronization point.
	done    chan struct{}
	exitErr error
}

var _ Handle = (*osHandle)(nil)

func (h *osHandle) WriteLine(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := h.stdin.Write(buf); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

func (h *osHandle) CloseStdin() error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.stdin.Close()
}

func (h *osHandle) Lines() <-chan string  { return h.lines }
func (h *osHandle) Stderr() <-chan string { return h.stderrCh }
func (h *osHandle) PID() int              { return h.cmd.Process.Pid }
func (h *osHandle) Done() <-chan struct{} { return h.done }
func (h *osHandle) Err() error            { return h.exitErr }

func (h *osHandle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *osHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *osHandle) readLines(r io.Reader) {
	defer close(h.readerDone)
	defer close(h.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialScanBuffer), maxScanBuffer)
	for scanner.Scan() {
		h.lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		h.log.Debug("stdout stream ended", "error", err)
	}
}

func (h *osHandle) readStderr(r io.Reader) {
	defer close(h.stderrDone)
	defer close(h.stderrCh)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialScanBuffer), maxScanBuffer)
	for scanner.Scan() {
		h.stderrCh <- scanner.Text()
	}
}

// monitorExit is the sole caller of cmd.Wait. It waits for both pipe
// readers first, since Wait closes the pipes out from under them.
func (h *osHandle) monitorExit() {
	<-h.readerDone
	<-h.stderrDone

	h.exitErr = h.cmd.Wait()
	h.log.Debug("process exited", "error", h.exitErr)
	close(h.done)
}

// Terminate shuts a child down: close stdin, ask politely with SIGTERM,
// then SIGKILL once the grace period runs out. It blocks until the
// child has been reaped.
func Terminate(h Handle, grace time.Duration) {
	h.CloseStdin()
	if err := h.Signal(syscall.SIGTERM); err != nil {
		select {
		case <-h.Done():
			return
		default:
		}
		h.Kill()
		<-h.Done()
		return
	}

	select {
	case <-h.Done():
	case <-time.After(grace):
		h.Kill()
		<-h.Done()
	}
}
