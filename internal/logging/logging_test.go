package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestComponent_FollowsLaterInit(t *testing.T) {
	log := Component("pruner")

	var buf bytes.Buffer
	InitWithHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	defer Init(slog.LevelInfo, false)

	log.Info("run finished", "deleted", 3)
	out := buf.String()
	for _, want := range []string{"component=pruner", "deleted=3", "run finished"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	InitWithHandler(slog.NewTextHandler(&buf, nil))
	defer Init(slog.LevelInfo, false)

	ctx := ContextWithSensor(context.Background(), "CB:B8:33:4C:88:4F")
	ctx = ContextWithMigration(ctx, "storage-engine")
	ctx = ContextWithSyncPass(ctx, 7)
	WithContext(ctx).Info("step")

	out := buf.String()
	for _, want := range []string{"sensor=CB:B8:33:4C:88:4F", "migration=storage-engine", "sync_pass=7"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
