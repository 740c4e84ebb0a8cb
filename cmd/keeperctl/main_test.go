package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sorokeeper/internal/registry"
)

func ctl(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), append([]string{"-db", db}, args...), &out)
	return out.String(), err
}

func decodeTask(t *testing.T, s string) registry.Task {
	t.Helper()
	var task registry.Task
	if err := json.Unmarshal([]byte(s), &task); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return task
}

func TestRegisterFundAndCancel(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "registry.db")

	out, err := ctl(t, db, "register", "-target", "vault", "-function", "harvest", "-interval", "1m", "-fee", "50", "-whitelist", "k1, k2")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if strings.TrimSpace(out) != "1" {
		t.Fatalf("id=%q", out)
	}

	out, err = ctl(t, db, "deposit", "1", "25")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if task := decodeTask(t, out); task.FeeBalance != 75 || len(task.Whitelist) != 2 {
		t.Fatalf("task=%+v", task)
	}

	if _, err := ctl(t, db, "withdraw", "1", "100"); !errors.Is(err, registry.ErrInsufficientBalance) {
		t.Fatalf("overdraw err=%v", err)
	}

	out, err = ctl(t, db, "invocations", "1")
	if err != nil || strings.TrimSpace(out) != "0" {
		t.Fatalf("invocations=%q err=%v", out, err)
	}
	reg, err := registry.OpenSQLite(registry.SQLiteConfig{Path: db}, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if _, err := reg.Invoke(context.Background(), registry.Call{TaskID: 1, Target: "vault", Function: "harvest", Keeper: "k1"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	_ = reg.Close()
	if out, err = ctl(t, db, "invocations", "1"); err != nil || strings.TrimSpace(out) != "1" {
		t.Fatalf("invocations=%q err=%v", out, err)
	}

	out, err = ctl(t, db, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var tasks []registry.Task
	if err := json.Unmarshal([]byte(out), &tasks); err != nil || len(tasks) != 1 {
		t.Fatalf("list=%q err=%v", out, err)
	}

	out, err = ctl(t, db, "cancel", "1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if task := decodeTask(t, out); task.Status != registry.StatusCanceled {
		t.Fatalf("status=%s", task.Status)
	}
}

func TestRegisterRejectsShortInterval(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "registry.db")
	if _, err := ctl(t, db, "register", "-target", "vault", "-function", "harvest"); !errors.Is(err, registry.ErrInvalidInterval) {
		t.Fatalf("err=%v", err)
	}
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "registry.db")
	cases := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown", []string{"explode"}},
		{"bad id", []string{"show", "x"}},
		{"missing amount", []string{"deposit", "1"}},
		{"bad resolver answer", []string{"resolver", "r1", "maybe"}},
	}
	for _, tc := range cases {
		tc := tc // per-iteration copy (go < 1.22 loop semantics)
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ctl(t, db, tc.args...); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if err := run(context.Background(), nil, &bytes.Buffer{}); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("err=%v want ErrHelp", err)
	}
}

func TestConfigMustSelectSQLite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "keeper.yaml")
	if err := os.WriteFile(cfg, []byte("registry:\n  driver: memory\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := run(context.Background(), []string{"-config", cfg, "list"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "only manages sqlite") {
		t.Fatalf("err=%v", err)
	}

	db := filepath.Join(dir, "registry.db")
	if err := os.WriteFile(cfg, []byte("registry:\n  driver: sqlite\n  path: "+db+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run(context.Background(), []string{"-config", cfg, "resolver", "r1", "true"}, &bytes.Buffer{}); err != nil {
		t.Fatalf("resolver via config: %v", err)
	}
}
