package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_Line(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "debug", "text", false)

	log.With("session_id", "s1").Warn("room.join.denied",
		"list_id", "L1",
		"room", "list:L1",
		"status_class", "4xx",
		"duration_ms", int64(12),
		"reason", "not a member",
	)

	line := buf.String()
	for _, want := range []string{
		"[WARN]",
		"room.join.denied",
		"session_id=s1",
		"list_id=L1",
		"room=list:L1",
		"class=4xx",
		"duration=12ms",
		`reason="not a member"`,
		"src=",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected color codes in %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("line not terminated: %q", line)
	}
}

func TestPrettyHandler_GroupsAndColor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, true)
	log := slog.New(h).WithGroup("http").With("method", "delete")

	log.Info("http.request", "status", 503)
	log.Debug("dropped")

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("debug record should be filtered: %q", out)
	}
	plain := stripANSI(out)
	if !strings.Contains(plain, "http.method=DELETE") || !strings.Contains(plain, "http.status=503") {
		t.Fatalf("grouped keys missing: %q", plain)
	}
	if !strings.Contains(out, ansiRed+"503"+ansiReset) {
		t.Fatalf("5xx status not colored red: %q", out)
	}
}
