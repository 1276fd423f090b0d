package filter

import (
	"io"
	"testing"
	"time"
)

func TestSpawnChildStdinStdoutRoundtrip(t *testing.T) {
	host := testHost{}
	child, err := spawnChild(Config{Command: "cat"}, &SessionContext{}, host, spawnOptions{stdin: true, stdout: true})
	if err != nil {
		t.Fatalf("spawnChild: %v", err)
	}

	go func() {
		_, _ = child.Stdin.Write([]byte("hello"))
		_ = child.Stdin.Close()
	}()

	out, err := io.ReadAll(child.Stdout)
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if string(out) != "hello" {
		t.Fatalf("stdout = %q, want %q", out, "hello")
	}

	state, err := child.Reap(2 * time.Second)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if !state.Success() {
		t.Fatalf("expected success exit, got %v", state)
	}
}

func TestSpawnChildExitCode(t *testing.T) {
	host := testHost{}
	child, err := spawnChild(Config{Command: "exit 3"}, &SessionContext{}, host, spawnOptions{})
	if err != nil {
		t.Fatalf("spawnChild: %v", err)
	}
	state, err := child.Reap(2 * time.Second)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if state.ExitCode() != 3 {
		t.Fatalf("exit code = %d, want 3", state.ExitCode())
	}
}

func TestChildTerminateKillsLongRunningProcess(t *testing.T) {
	host := testHost{}
	child, err := spawnChild(Config{Command: "sleep 120"}, &SessionContext{}, host, spawnOptions{})
	if err != nil {
		t.Fatalf("spawnChild: %v", err)
	}

	start := time.Now()
	child.Terminate(200 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("terminate took too long: %v", elapsed)
	}

	state, err := child.Reap(time.Second)
	if err != nil {
		t.Fatalf("reap after terminate: %v", err)
	}
	if state.Exited() && state.Success() {
		t.Fatalf("expected the child to have been killed, not exit cleanly")
	}
}

func TestChildReapIsIdempotent(t *testing.T) {
	host := testHost{}
	child, err := spawnChild(Config{Command: "true"}, &SessionContext{}, host, spawnOptions{})
	if err != nil {
		t.Fatalf("spawnChild: %v", err)
	}
	first, err := child.Reap(time.Second)
	if err != nil {
		t.Fatalf("first reap: %v", err)
	}
	second, err := child.Reap(time.Second)
	if err != nil {
		t.Fatalf("second reap: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached ProcessState across repeated Reap calls")
	}
}
