package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "relay.task")
		panic("upstream exploded")
	}()

	wg.Wait()

	output := buf.String()
	if !strings.Contains(output, "panic recovered") {
		t.Errorf("expected 'panic recovered' in output, got: %s", output)
	}
	if !strings.Contains(output, "relay.task") {
		t.Errorf("expected goroutine name in output, got: %s", output)
	}
	if !strings.Contains(output, "upstream exploded") {
		t.Errorf("expected panic message in output, got: %s", output)
	}
	if !strings.Contains(output, "stack=") {
		t.Errorf("expected stack trace in output, got: %s", output)
	}
}

func TestRecoverWithLog_NoopOnNoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer RecoverWithLog(logger, "quiet")
	}()

	if buf.Len() != 0 {
		t.Errorf("expected no output without panic, got: %s", buf.String())
	}
}

func TestRecoverWithLog_NilLogger(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer RecoverWithLog(nil, "nil-logger")
		panic("still contained")
	}()
	<-done
}

func TestRecoverWithCallback(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var got any
	func() {
		defer RecoverWithCallback(logger, "callback", func(r any) {
			got = r
		})
		panic(42)
	}()

	if got != 42 {
		t.Errorf("callback received %v, want 42", got)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("expected panic to be logged, got: %s", buf.String())
	}
}
