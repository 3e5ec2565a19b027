package log

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	SetSink(&buf)
	defer func() {
		SetSink(os.Stdout)
		SetLevel(Notice)
	}()

	logger := New("logtest")

	SetLevel(Notice)
	logger.Info("hidden")
	logger.Notice("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("expected info message to be filtered at notice level; got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected notice message in output; got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "[logtest]") {
		t.Fatalf("expected module name in output; got %q", buf.String())
	}

	SetLevel(Debug)
	if !Enabled(Debug) {
		t.Fatal("expected debug level to be enabled")
	}
	logger.Debugf("value %d", 42)
	if !strings.Contains(buf.String(), "value 42") {
		t.Fatalf("expected debug message in output; got %q", buf.String())
	}
}
