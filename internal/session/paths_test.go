package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/sphere/internal/config"
)

func TestDir(t *testing.T) {
	t.Setenv("SPHERE_HOME", "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".sphere", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestBaseDirOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("SPHERE_HOME", tmpDir)
	if got := BaseDir(); got != tmpDir {
		t.Errorf("BaseDir() = %q, want %q", got, tmpDir)
	}
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "daemon.sock")) {
		t.Errorf("SocketPath(test) = %q, want suffix sessions/test/daemon.sock", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix sessions/test/LOCK", got)
	}
}

func TestLogPath(t *testing.T) {
	got := LogPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "logs", "sphered.log")) {
		t.Errorf("LogPath(test) = %q", got)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("SPHERE_HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() || info.Mode().Perm() != 0700 {
			t.Errorf("%s mode = %v, want dir 0700", d, info.Mode())
		}
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("SPHERE_HOME", t.TempDir())

	resolve := func(flag string) string {
		t.Helper()
		name, err := Resolve(flag)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", flag, err)
		}
		return name
	}

	if got := resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultSessionName)
	}

	if err := config.Save(ConfigPath(), &config.Config{DefaultSession: "work"}); err != nil {
		t.Fatal(err)
	}
	if got := resolve(""); got != "work" {
		t.Errorf("Resolve() = %q, want work from config", got)
	}
	if got := resolve("other"); got != "other" {
		t.Errorf("Resolve(other) = %q, want flag to win", got)
	}
}

func TestResolveRejectsBadSources(t *testing.T) {
	t.Setenv("SPHERE_HOME", t.TempDir())

	if _, err := Resolve("Bad Name"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Resolve(flag) err = %v, want ErrInvalidName", err)
	}

	if err := os.WriteFile(ConfigPath(), []byte("default_session = "), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Resolve(""); err == nil {
		t.Error("Resolve() with broken config.toml succeeded")
	}
	if name, err := Resolve("ops"); err != nil || name != "ops" {
		t.Errorf("Resolve(ops) = %q, %v; flag should bypass config.toml", name, err)
	}
}
