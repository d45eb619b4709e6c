package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
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

func TestPrettyHandler_RequestLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	log.With("request_id", "01J").Warn("http.request",
		"method", "get",
		"path", "/v1/docs/profiles/u1",
		"status", 404,
		"status_class", "4xx",
		"duration_ms", int64(12),
		"result", "client_error",
		"note", "two words",
	)

	line := buf.String()
	for _, want := range []string{
		"WRN http.request",
		"request_id=01J",
		"method=GET",
		"path=/v1/docs/profiles/u1",
		"status=404",
		"class=4xx",
		"duration=12ms",
		"result=client_error",
		`note="two words"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("colour codes written with color disabled: %q", line)
	}
}

func TestPrettyHandler_GroupsAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, true))
	log.Debug("dropped")
	log.WithGroup("db").Info("db.ready", slog.Group("pool", "max", 10))

	out := stripANSI(buf.String())
	if strings.Contains(out, "dropped") {
		t.Fatalf("debug record should be filtered: %q", out)
	}
	if !strings.Contains(out, "db.pool.max=10") {
		t.Fatalf("group keys not flattened: %q", out)
	}
	if !strings.Contains(buf.String(), ansiBlue+"INF"+ansiReset) {
		t.Fatalf("info level should be coloured: %q", buf.String())
	}
	if !strings.Contains(buf.String(), ansiBright+"db"+ansiReset) {
		t.Fatalf("unknown component should be bright: %q", buf.String())
	}
}

func TestPrettyHandler_BoundAttrsKeepTheirGroup(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}, true))
	log.With("subject_id", "u1").WithGroup("claim").Debug("reconcile.claim",
		"seq", 3,
		"err", errors.New("revision changed"),
		"backoff", 400*time.Millisecond,
	)

	out := stripANSI(buf.String())
	for _, want := range []string{
		"DBG reconcile.claim subject_id=u1 claim.seq=3",
		`claim.err="revision changed"`,
		"claim.backoff=400ms",
		"(pretty_handler_test.go:",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if !strings.Contains(buf.String(), ansiCyan+"u1"+ansiReset) {
		t.Fatalf("subject id should be highlighted: %q", buf.String())
	}
	if !strings.Contains(buf.String(), ansiMagenta+"reconcile"+ansiReset) {
		t.Fatalf("reconcile component should be coloured: %q", buf.String())
	}
}
