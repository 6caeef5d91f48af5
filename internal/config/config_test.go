package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "risk-sms.yml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
datasource:
  serverName: db.internal
  port: 5432
  serviceName: sms
  user: gateway
  password: secret
sms:
  nombre: claro
  smpp:
    host: smpp.claro.test
    port: 2775
    systemId: gw
    password: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Datasource.MaximumPoolSize != 50 {
		t.Errorf("MaximumPoolSize = %d, want 50", cfg.Datasource.MaximumPoolSize)
	}
	if cfg.HTTP.Port != 8090 {
		t.Errorf("HTTP.Port = %d, want 8090", cfg.HTTP.Port)
	}
	if len(cfg.SMS) != 1 {
		t.Fatalf("len(SMS) = %d, want 1", len(cfg.SMS))
	}
	svc := cfg.SMS[0]
	if svc.ModoEnvioLote != SendModeSequentialSpaced {
		t.Errorf("ModoEnvioLote = %q, want %q", svc.ModoEnvioLote, SendModeSequentialSpaced)
	}
	if svc.CantidadMaximaPorLote != 100 {
		t.Errorf("CantidadMaximaPorLote = %d, want 100", svc.CantidadMaximaPorLote)
	}
	if svc.SMPP.SendDelayMs != 500 {
		t.Errorf("SendDelayMs = %d, want 500", svc.SMPP.SendDelayMs)
	}
	if svc.SendDelay() != 500*time.Millisecond {
		t.Errorf("SendDelay() = %v, want 500ms", svc.SendDelay())
	}
}

func TestServiceConfigListAcceptsSequence(t *testing.T) {
	path := writeTempConfig(t, `
datasource:
  serverName: db.internal
  port: 5432
  serviceName: sms
  user: gateway
  password: secret
sms:
  - nombre: claro
    smpp: {host: a, port: 1, systemId: x, password: y}
  - nombre: movistar
    smpp: {host: b, port: 2, systemId: x, password: y}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.SMS) != 2 {
		t.Fatalf("len(SMS) = %d, want 2", len(cfg.SMS))
	}
	if cfg.SMS[0].Nombre != "claro" || cfg.SMS[1].Nombre != "movistar" {
		t.Errorf("unexpected service names: %q, %q", cfg.SMS[0].Nombre, cfg.SMS[1].Nombre)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
