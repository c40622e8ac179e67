package process

import (
	"errors"
	"os"
	"sync"
	"syscall"
)

// FakeSpawner is a Spawner for tests. Every Spawn returns a scripted
// FakeHandle and records the spec it was given.
type FakeSpawner struct {
	mu      sync.Mutex
	specs   []Spec
	handles []*FakeHandle

	// SpawnErr, when set, makes Spawn fail without producing a handle.
	SpawnErr error
	// OnSpawn, when set, is invoked with each new handle before Spawn
	// returns. Use it to install a Respond script.
	OnSpawn func(h *FakeHandle)
}

var _ Spawner = (*FakeSpawner)(nil)

func (f *FakeSpawner) Spawn(spec Spec) (Handle, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	if f.SpawnErr != nil {
		err := f.SpawnErr
		f.mu.Unlock()
		return nil, err
	}
	h := newFakeHandle(spec, 1000+len(f.handles))
	f.handles = append(f.handles, h)
	onSpawn := f.OnSpawn
	f.mu.Unlock()

	if onSpawn != nil {
		onSpawn(h)
	}
	return h, nil
}

// SpawnCount returns how many times Spawn was called.
func (f *FakeSpawner) SpawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

// Specs returns a copy of the specs passed to Spawn, in order.
func (f *FakeSpawner) Specs() []Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Spec(nil), f.specs...)
}

// Handles returns the handles produced so far, in spawn order.
func (f *FakeSpawner) Handles() []*FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeHandle(nil), f.handles...)
}

// LastHandle returns the most recently spawned handle, or nil.
func (f *FakeSpawner) LastHandle() *FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

// FakeHandle is a scripted child process. Tests feed stdout with
// EmitLine, script replies with Respond, and end the process with Exit.
type FakeHandle struct {
	spec Spec
	pid  int

	mu         sync.Mutex
	written    []string
	signals    []os.Signal
	stdinOpen  bool
	exited     bool
	exitErr    error
	killed     bool
	writeErr   error
	ignoreTerm bool

	// Respond is called with each line written to stdin; every returned
	// string is emitted as a stdout line. Set it before the consumer
	// starts writing.
	Respond func(line string) []string

	lines    chan string
	stderrCh chan string
	done     chan struct{}
}

var _ Handle = (*FakeHandle)(nil)

func newFakeHandle(spec Spec, pid int) *FakeHandle {
	return &FakeHandle{
		spec:      spec,
		pid:       pid,
		stdinOpen: true,
		lines:     make(chan string, 64),
		stderrCh:  make(chan string, 64),
		done:      make(chan struct{}),
	}
}

// Spec returns the spec this handle was spawned with.
func (h *FakeHandle) Spec() Spec { return h.spec }

func (h *FakeHandle) WriteLine(data []byte) error {
	h.mu.Lock()
	if h.writeErr != nil {
		err := h.writeErr
		h.mu.Unlock()
		return err
	}
	if h.exited || !h.stdinOpen {
		h.mu.Unlock()
		return errors.New("write to closed stdin")
	}
	line := string(data)
	h.written = append(h.written, line)
	respond := h.Respond
	h.mu.Unlock()

	if respond != nil {
		for _, reply := range respond(line) {
			h.EmitLine(reply)
		}
	}
	return nil
}

func (h *FakeHandle) CloseStdin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stdinOpen = false
	return nil
}

func (h *FakeHandle) Lines() <-chan string  { return h.lines }
func (h *FakeHandle) Stderr() <-chan string { return h.stderrCh }
func (h *FakeHandle) PID() int              { return h.pid }
func (h *FakeHandle) Done() <-chan struct{} { return h.done }

func (h *FakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	ignore := h.ignoreTerm
	h.mu.Unlock()

	if sig == syscall.SIGTERM && !ignore {
		h.Exit(nil)
	}
	return nil
}

func (h *FakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.Exit(errors.New("signal: killed"))
	return nil
}

func (h *FakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// EmitLine delivers one stdout line to the consumer. Lines emitted
// after Exit are dropped.
func (h *FakeHandle) EmitLine(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.lines <- line
}

// EmitStderr delivers one stderr line to the consumer.
func (h *FakeHandle) EmitStderr(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.stderrCh <- line
}

// Exit simulates process exit: both stream channels close and Done is
// signalled. Safe to call more than once.
func (h *FakeHandle) Exit(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.exitErr = err
	close(h.lines)
	close(h.stderrCh)
	close(h.done)
}

// SetWriteErr makes subsequent WriteLine calls fail with err.
func (h *FakeHandle) SetWriteErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeErr = err
}

// IgnoreSIGTERM makes the fake survive SIGTERM so Kill escalation can
// be exercised.
func (h *FakeHandle) IgnoreSIGTERM() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ignoreTerm = true
}

// WrittenLines returns everything written to stdin, one line per entry.
func (h *FakeHandle) WrittenLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.written...)
}

// Signals returns the signals delivered so far.
func (h *FakeHandle) Signals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]os.Signal(nil), h.signals...)
}

// Killed reports whether Kill was called.
func (h *FakeHandle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}
