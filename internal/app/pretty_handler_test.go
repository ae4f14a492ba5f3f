package app

import (
	"bytes"
	"context"
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

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false)).With("conn_id", "c1")

	log.Info("http.request",
		"method", "get",
		"status", 404,
		"status_class", "4xx",
		"duration_ms", int64(12),
		"remote", "127.0.0.1:5000 x",
	)

	got := strings.TrimSpace(buf.String())
	for _, want := range []string{
		"INFO  http.request",
		"conn_id=c1",
		"method=GET",
		"status=404",
		"class=4xx",
		"duration=12ms",
		`remote="127.0.0.1:5000 x"`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
	if strings.Contains(got, "\x1b[") {
		t.Fatalf("unexpected ANSI codes without color: %q", got)
	}
}

func TestPrettyHandler_FoldsCell(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false))

	log.Info("workspace.lock.granted", "session_id", "s1", "row_id", int64(5), "column", "status")
	log.WithGroup("db").Info("store.write", "row_id", int64(2))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "cell=5/status") || strings.Contains(lines[0], "row_id=") {
		t.Fatalf("cell not folded: %q", lines[0])
	}
	if !strings.Contains(lines[1], "db.row_id=2") {
		t.Fatalf("grouped attrs must keep their keys: %q", lines[1])
	}
}

func TestPrettyHandler_ColorAndLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, true)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info must be filtered at warn level")
	}

	rec := slog.NewRecord(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), slog.LevelError, "workspace.commit.fail", 0)
	rec.AddAttrs(slog.String("result", "failed"), slog.String("err", "boom"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, ansiRed+"ERROR"+ansiReset) {
		t.Fatalf("expected red error tag in %q", out)
	}
	plain := stripANSI(out)
	if !strings.HasPrefix(plain, "10:00:00.000 ERROR") || !strings.Contains(plain, "result=failed") || !strings.Contains(plain, "err=boom") {
		t.Fatalf("unexpected output %q", plain)
	}
}

func TestColorizers(t *testing.T) {
	t.Parallel()

	if got := colorizeStatusCode(503, false); got != "503" {
		t.Fatalf("colorizeStatusCode=%q", got)
	}
	if got := colorizeStatusCode(201, true); got != ansiGreen+"201"+ansiReset {
		t.Fatalf("colorizeStatusCode=%q", got)
	}
	if got := colorizeDurationMS(1500, true); got != ansiRed+"1500ms"+ansiReset {
		t.Fatalf("colorizeDurationMS=%q", got)
	}
	if got := colorizeResult("granted", true); got != ansiGreen+"granted"+ansiReset {
		t.Fatalf("colorizeResult=%q", got)
	}
	if got := quoteIfNeeded(""); got != `""` {
		t.Fatalf("quoteIfNeeded(empty)=%q", got)
	}
}
