package logging

import (
    "os"
    "path/filepath"
    "strings"
    "testing"

    "github.com/xzhHas/botflow/types"
)

func TestNewWritesFile(t *testing.T) {
    path := filepath.Join(t.TempDir(), "bot.log")
    log, err := New(types.LogConfig{Level: "debug", Format: "console", File: path})
    if err != nil {
        t.Fatal(err)
    }
    log.Debug("hello")
    _ = log.Sync()
    b, err := os.ReadFile(path)
    if err != nil {
        t.Fatal(err)
    }
    if !strings.Contains(string(b), `"msg":"hello"`) {
        t.Fatalf("got %s", b)
    }
}

func TestNewRejectsLevel(t *testing.T) {
    if _, err := New(types.LogConfig{Level: "loud"}); err == nil {
        t.Fatal("expected error")
    }
}
