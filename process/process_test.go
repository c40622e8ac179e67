package process

import (
	"errors"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func mustSpawn(t *testing.T, spec Spec) Handle {
	t.Helper()
	h, err := NewSpawner().Spawn(spec)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	return h
}

func readLine(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		if !ok {
			t.Fatal("stream closed before line arrived")
		}
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for line")
	}
	return ""
}

func waitDone(t *testing.T, h Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process exit")
	}
}

func TestSpawn_EchoLines(t *testing.T) {
	h := mustSpawn(t, Spec{Name: "echo", Command: "cat"})

	if err := h.WriteLine([]byte("hello")); err != nil {
		t.Fatalf("WriteLine failed: %v", err)
	}
	if got := readLine(t, h.Lines()); got != "hello" {
		t.Errorf("Expected hello, got %q", got)
	}

	if err := h.WriteLine([]byte("world")); err != nil {
		t.Fatalf("WriteLine failed: %v", err)
	}
	if got := readLine(t, h.Lines()); got != "world" {
		t.Errorf("Expected world, got %q", got)
	}

	if h.PID() <= 0 {
		t.Errorf("Expected positive pid, got %d", h.PID())
	}

	if err := h.CloseStdin(); err != nil {
		t.Fatalf("CloseStdin failed: %v", err)
	}
	if _, ok := <-h.Lines(); ok {
		t.Error("Expected stdout stream to close after stdin EOF")
	}
	waitDone(t, h)
	if err := h.Err(); err != nil {
		t.Errorf("Expected clean exit, got %v", err)
	}
}

func TestSpawn_CommandNotFound(t *testing.T) {
	_, err := NewSpawner().Spawn(Spec{Name: "bad", Command: "/nonexistent/tool-server"})
	if err == nil {
		t.Fatal("Expected error for missing command")
	}
}

func TestSpawn_EmptyCommand(t *testing.T) {
	_, err := NewSpawner().Spawn(Spec{Name: "bad"})
	if err == nil {
		t.Fatal("Expected error for empty command")
	}
}

func TestSpawn_Stderr(t *testing.T) {
	h := mustSpawn(t, Spec{Name: "noisy", Command: "sh", Args: []string{"-c", "echo oops >&2"}})

	if got := readLine(t, h.Stderr()); got != "oops" {
		t.Errorf("Expected oops on stderr, got %q", got)
	}
	waitDone(t, h)
}

func TestSpawn_ExitError(t *testing.T) {
	h := mustSpawn(t, Spec{Name: "failing", Command: "sh", Args: []string{"-c", "exit 3"}})

	waitDone(t, h)
	err := h.Err()
	if err == nil {
		t.Fatal("Expected exit error")
	}
	if !strings.Contains(err.Error(), "3") {
		t.Errorf("Expected exit status 3, got %v", err)
	}
}

func TestSpawn_Env(t *testing.T) {
	h := mustSpawn(t, Spec{
		Name:    "env",
		Command: "sh",
		Args:    []string{"-c", "echo $PLURAL_TEST_VALUE"},
		Env:     map[string]string{"PLURAL_TEST_VALUE": "from-config"},
	})

	if got := readLine(t, h.Lines()); got != "from-config" {
		t.Errorf("Expected from-config, got %q", got)
	}
	waitDone(t, h)
}

func TestSpawn_Dir(t *testing.T) {
	dir := t.TempDir()
	h := mustSpawn(t, Spec{Name: "pwd", Command: "sh", Args: []string{"-c", "pwd"}, Dir: dir})

	got := readLine(t, h.Lines())
	// Resolve symlinks: on some systems TempDir sits behind one
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		want = dir
	}
	if got != want && got != dir {
		t.Errorf("Expected %q, got %q", dir, got)
	}
	waitDone(t, h)
}

func TestSpawn_LongLine(t *testing.T) {
	h := mustSpawn(t, Spec{
		Name:    "long",
		Command: "sh",
		Args:    []string{"-c", "head -c 200000 /dev/zero | tr '\\0' A; echo"},
	})

	got := readLine(t, h.Lines())
	if len(got) != 200000 {
		t.Errorf("Expected 200000 byte line, got %d bytes", len(got))
	}
	waitDone(t, h)
}

func TestSpawn_WriteAfterClose(t *testing.T) {
	h := mustSpawn(t, Spec{Name: "echo", Command: "cat"})
	if err := h.CloseStdin(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, h)

	if err := h.WriteLine([]byte("too late")); err == nil {
		t.Error("Expected error writing after stdin closed")
	}
}

func TestTerminate_Graceful(t *testing.T) {
	h := mustSpawn(t, Spec{Name: "echo", Command: "cat"})

	start := time.Now()
	Terminate(h, 5*time.Second)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Terminate took too long: %v", elapsed)
	}

	select {
	case <-h.Done():
	default:
		t.Error("Expected process to be reaped after Terminate")
	}
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	h := mustSpawn(t, Spec{
		Name:    "stubborn",
		Command: "sh",
		Args:    []string{"-c", "trap '' TERM; while :; do sleep 1; done"},
	})

	Terminate(h, 200*time.Millisecond)

	select {
	case <-h.Done():
	default:
		t.Fatal("Expected process to be reaped after kill")
	}
	if err := h.Err(); err == nil {
		t.Error("Expected exit error after SIGKILL")
	}
}

func TestFakeSpawner_RecordsSpecs(t *testing.T) {
	fake := &FakeSpawner{}

	h, err := fake.Spawn(Spec{Name: "one", Command: "srv"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if _, err := fake.Spawn(Spec{Name: "two", Command: "srv2"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if fake.SpawnCount() != 2 {
		t.Errorf("Expected 2 spawns, got %d", fake.SpawnCount())
	}
	specs := fake.Specs()
	if specs[0].Name != "one" || specs[1].Name != "two" {
		t.Errorf("Unexpected specs: %+v", specs)
	}
	if fake.LastHandle() == fake.Handles()[0] {
		t.Error("LastHandle should be the second handle")
	}
	if h.PID() != 1000 {
		t.Errorf("Expected first fake pid 1000, got %d", h.PID())
	}
}

func TestFakeSpawner_SpawnErr(t *testing.T) {
	fake := &FakeSpawner{SpawnErr: errors.New("no such command")}
	if _, err := fake.Spawn(Spec{Name: "x", Command: "y"}); err == nil {
		t.Error("Expected spawn error")
	}
	if fake.SpawnCount() != 1 {
		t.Error("Failed spawns should still be recorded")
	}
}

func TestFakeHandle_RespondScript(t *testing.T) {
	fake := &FakeSpawner{OnSpawn: func(h *FakeHandle) {
		h.Respond = func(line string) []string {
			return []string{"echo: " + line}
		}
	}}

	h, err := fake.Spawn(Spec{Name: "scripted", Command: "srv"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.WriteLine([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if got := readLine(t, h.Lines()); got != "echo: ping" {
		t.Errorf("Unexpected reply: %q", got)
	}

	written := fake.LastHandle().WrittenLines()
	if len(written) != 1 || written[0] != "ping" {
		t.Errorf("Unexpected written lines: %v", written)
	}
}

func TestFakeHandle_SIGTERMExits(t *testing.T) {
	fake := &FakeSpawner{}
	h, _ := fake.Spawn(Spec{Name: "x", Command: "y"})

	if err := h.Signal(syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected fake to exit on SIGTERM")
	}
}

func TestFakeHandle_TerminateEscalation(t *testing.T) {
	fake := &FakeSpawner{}
	h, _ := fake.Spawn(Spec{Name: "x", Command: "y"})
	fh := fake.LastHandle()
	fh.IgnoreSIGTERM()

	Terminate(h, 50*time.Millisecond)

	if !fh.Killed() {
		t.Error("Expected escalation to Kill")
	}
	select {
	case <-h.Done():
	default:
		t.Error("Expected Done after kill")
	}
}

func TestFakeHandle_EmitAfterExit(t *testing.T) {
	fake := &FakeSpawner{}
	fake.Spawn(Spec{Name: "x", Command: "y"})
	fh := fake.LastHandle()

	fh.Exit(nil)
	fh.Exit(nil) // idempotent
	fh.EmitLine("dropped")
	fh.EmitStderr("dropped")

	if _, ok := <-fh.Lines(); ok {
		t.Error("Expected lines channel closed after exit")
	}
	if err := fh.WriteLine([]byte("x")); err == nil {
		t.Error("Expected write to fail after exit")
	}
}
