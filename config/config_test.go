package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestIni(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pgdriver.ini")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTestIni(t, "")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Connect.ConnectTimeout != 10 || c.Prepare.Threshold != 5 || c.Prepare.MaxPrepared != 100 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeTestIni(t, `
[connection]
dsn = host=db1 port=5433 dbname=orders
autocommit = false
connect_timeout = 3

[prepare]
threshold = 2
max_prepared = 50
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DSN != "host=db1 port=5433 dbname=orders" {
		t.Errorf("DSN = %q", c.DSN)
	}
	if c.Connect.Autocommit {
		t.Error("expected autocommit=false from file")
	}
	if c.Connect.ConnectTimeout != 3 || c.Prepare.Threshold != 2 || c.Prepare.MaxPrepared != 50 {
		t.Fatalf("unexpected overrides: %+v", c)
	}
}

func TestLoadEnvOverridesDSN(t *testing.T) {
	path := writeTestIni(t, "[connection]\ndsn = host=file-only\n")
	t.Setenv("PGDRIVER_DSN", "host=env-wins")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.DSN != "host=env-wins" {
		t.Errorf("DSN = %q, want env override", c.DSN)
	}
}
