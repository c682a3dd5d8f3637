package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(envMap(nil))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.MongoDatabase != "medlink" || cfg.RelayAddr != ":8090" || cfg.PageSize != 50 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("TokenTTL = %v", cfg.TokenTTL)
	}
	if cfg.HasSigningKey() {
		t.Fatalf("no signing key configured")
	}
}

func TestFromEnvKeys(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"JWT_KEYS":       "k1:one, k2:two",
		"JWT_ACTIVE_KID": "k2",
		"PAGE_SIZE":      "20",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if len(cfg.JWTKeys) != 2 || cfg.JWTKeys["k2"] != "two" {
		t.Fatalf("JWTKeys = %v", cfg.JWTKeys)
	}
	if cfg.PageSize != 20 || !cfg.HasSigningKey() {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	if _, err := FromEnv(envMap(map[string]string{"JWT_KEYS": "k1:one", "JWT_ACTIVE_KID": "k9"})); err == nil {
		t.Fatal("expected error for active kid missing from keys")
	}
	if _, err := FromEnv(envMap(map[string]string{"SEND_BURST": "0"})); err == nil {
		t.Fatal("expected error for non-positive burst")
	}
}

func TestParseKeys(t *testing.T) {
	if keys, err := ParseKeys(""); err != nil || keys != nil {
		t.Fatalf("ParseKeys(\"\") = %v, %v", keys, err)
	}
	if _, err := ParseKeys("nocolon"); err == nil {
		t.Fatal("expected error for entry without secret")
	}
	keys, err := ParseKeys("a:s3:cret")
	if err != nil || keys["a"] != "s3:cret" {
		t.Fatalf("secret may contain colons: %v, %v", keys, err)
	}
}

func TestDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("MONGODB_DATABASE=clinic\nLOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		t.Fatalf("godotenv.Read: %v", err)
	}
	cfg, err := FromEnv(envMap(vals))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.MongoDatabase != "clinic" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
