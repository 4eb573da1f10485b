package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "udplogd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `name = "collector"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LockPath != "collector.lock" {
		t.Fatalf("lockPath = %q", cfg.LockPath)
	}
	if cfg.Server.Addr == "" || cfg.UDP.Addr == "" {
		t.Fatal("address defaults missing")
	}
	if len(cfg.Server.Paths) != 2 {
		t.Fatalf("paths = %v", cfg.Server.Paths)
	}
	if cfg.Queue.FlushInterval() != time.Second {
		t.Fatalf("flushInterval = %v", cfg.Queue.FlushInterval())
	}
	if cfg.Storage.Backend != "print" {
		t.Fatalf("backend = %q", cfg.Storage.Backend)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
name = "udplogd"

[server]
addr = "0.0.0.0:9000"
paths = ["/RPC2"]
apiKey = "sekrit"
debug = true

[udp]
addr = "0.0.0.0:9514"
ratePerSec = 500.0
burst = 100

[queue]
flushSize = 256
flushInterval = "250ms"

[storage]
backend = "sqlite"
dbPath = "/var/lib/udplogd/records.db"

[logging]
level = "warn"
console = true

[emit]
url = "http://peer:9000/RPC2"
apiKey = "push-key"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.APIKey != "sekrit" || !cfg.Server.Debug {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Queue.FlushSize != 256 || cfg.Queue.FlushInterval() != 250*time.Millisecond {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.UDP.RatePerSec != 500 {
		t.Fatalf("udp = %+v", cfg.UDP)
	}
	if cfg.Emit.URL != "http://peer:9000/RPC2" {
		t.Fatalf("emit = %+v", cfg.Emit)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Run("sqlite requires dbPath", func(t *testing.T) {
		path := writeConfig(t, "[storage]\nbackend = \"sqlite\"\n")
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "dbPath") {
			t.Fatalf("expected dbPath error, got %v", err)
		}
	})

	t.Run("unknown backend", func(t *testing.T) {
		path := writeConfig(t, "[storage]\nbackend = \"redis\"\n")
		if _, err := Load(path); err == nil {
			t.Fatal("expected backend error")
		}
	})

	t.Run("negative rate", func(t *testing.T) {
		path := writeConfig(t, "[udp]\nratePerSec = -1.0\n")
		if _, err := Load(path); err == nil {
			t.Fatal("expected rate error")
		}
	})
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.toml")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Name != "udplogd" {
		t.Fatalf("name = %q", cfg.Name)
	}
}
