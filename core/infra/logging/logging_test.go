package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func capture(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)
	fn()
	return buf.String()
}

func TestInfoFormatsFields(t *testing.T) {
	out := capture(t, func() {
		Info("gateway", "message created", "project_id", "p1", "count", 3)
	})
	if !strings.Contains(out, "[GATEWAY] message created project_id=p1 count=3") {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestWarnAndErrorPrefixes(t *testing.T) {
	out := capture(t, func() {
		Warn("quota", "degraded", "user", "u1")
	})
	if !strings.Contains(out, "[QUOTA] WARN degraded user=u1") {
		t.Fatalf("unexpected warn line: %s", out)
	}
	out = capture(t, func() {
		Error("bus", "publish failed", "error", "boom")
	})
	if !strings.Contains(out, "[BUS] ERROR publish failed error=boom") {
		t.Fatalf("unexpected error line: %s", out)
	}
}

func TestOddFieldCount(t *testing.T) {
	out := capture(t, func() {
		Info("store", "write", "key")
	})
	if !strings.Contains(out, "key=(missing)") {
		t.Fatalf("expected placeholder for odd kv count: %s", out)
	}
}
