// Package config loads the gateway's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SendMode is one of the four dispatch strategies, or an unrecognized value
// that Sender falls back from.
type SendMode string

const (
	SendModeParallel               SendMode = "paralelo"
	SendModeParallelSpaced         SendMode = "paralelo_espaciado"
	SendModeSequentialSpaced       SendMode = "secuencial_espaciado"
	SendModeSequentialSpacedAsync  SendMode = "secuencial_espaciado_async"
)

// Datasource holds the database connection settings.
type Datasource struct {
	ServerName        string `yaml:"serverName"`
	Port              int    `yaml:"port"`
	ServiceName       string `yaml:"serviceName"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	MaximumPoolSize   int    `yaml:"maximumPoolSize"`
	MinimumIdle       int    `yaml:"minimumIdle"`
	IdleTimeoutMs     int    `yaml:"idleTimeout"`
	ConnectionTimeout int    `yaml:"connectionTimeout"`
}

func (d *Datasource) applyDefaults() {
	if d.MaximumPoolSize == 0 {
		d.MaximumPoolSize = 50
	}
	if d.MinimumIdle == 0 {
		d.MinimumIdle = 5
	}
	if d.IdleTimeoutMs == 0 {
		d.IdleTimeoutMs = 30_000
	}
	if d.ConnectionTimeout == 0 {
		d.ConnectionTimeout = 10_000
	}
}

// JDBCURL derives the JDBC-style URL the original system used to identify
// its datasource. The gateway itself connects via pgxpool, not JDBC; this
// is retained only as a human-readable identity string for logs, per the
// literal derivation spec.md §6 specifies.
func (d Datasource) JDBCURL() string {
	return fmt.Sprintf("jdbc:oracle:thin:@//%s:%d/%s", d.ServerName, d.Port, d.ServiceName)
}

// IdleTimeout returns IdleTimeoutMs as a time.Duration.
func (d Datasource) IdleTimeout() time.Duration {
	return time.Duration(d.IdleTimeoutMs) * time.Millisecond
}

// ConnectionTimeoutDuration returns ConnectionTimeout as a time.Duration.
func (d Datasource) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(d.ConnectionTimeout) * time.Millisecond
}

// SMPPConfig holds one service's carrier connection settings.
type SMPPConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	SystemID     string `yaml:"systemId"`
	Password     string `yaml:"password"`
	SourceAdress string `yaml:"sourceAdress"` // spelling preserved for compatibility, see spec.md §6
	SendDelayMs  int    `yaml:"sendDelayMs"`
}

func (s *SMPPConfig) applyDefaults() {
	if s.SendDelayMs <= 0 {
		s.SendDelayMs = 500
	}
}

// ServiceConfig is one configured (carrier, credentials, filters) tuple.
type ServiceConfig struct {
	Nombre                  string     `yaml:"nombre"`
	Telefonia               *string    `yaml:"telefonia"`
	Clasificacion           *string    `yaml:"clasificacion"`
	CantidadMaximaPorLote   int        `yaml:"cantidadMaximaPorLote"`
	ModoEnvioLote           SendMode   `yaml:"modoEnvioLote"`
	IntervaloEntreLotesMs   int        `yaml:"intervaloEntreLotesMs"`
	MaximoIntentos          int        `yaml:"maximoIntentos"`
	SMPP                    SMPPConfig `yaml:"smpp"`
}

func (s *ServiceConfig) applyDefaults() {
	if s.CantidadMaximaPorLote <= 0 {
		s.CantidadMaximaPorLote = 100
	}
	if s.ModoEnvioLote == "" {
		s.ModoEnvioLote = SendModeSequentialSpaced
	}
	if s.IntervaloEntreLotesMs <= 0 {
		s.IntervaloEntreLotesMs = 10_000
	}
	if s.MaximoIntentos <= 0 {
		s.MaximoIntentos = 5
	}
	s.SMPP.applyDefaults()
}

// BatchInterval returns IntervaloEntreLotesMs as a time.Duration.
func (s ServiceConfig) BatchInterval() time.Duration {
	return time.Duration(s.IntervaloEntreLotesMs) * time.Millisecond
}

// SendDelay returns the service's configured inter-send delay.
func (s ServiceConfig) SendDelay() time.Duration {
	return time.Duration(s.SMPP.SendDelayMs) * time.Millisecond
}

// ServiceConfigList unmarshals `sms:` whether it is a single mapping or a
// sequence, per spec.md §6.
type ServiceConfigList []ServiceConfig

// UnmarshalYAML accepts either a single ServiceConfig mapping or a sequence
// of them.
func (l *ServiceConfigList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var services []ServiceConfig
		if err := value.Decode(&services); err != nil {
			return err
		}
		*l = services
		return nil
	case yaml.MappingNode:
		var single ServiceConfig
		if err := value.Decode(&single); err != nil {
			return err
		}
		*l = []ServiceConfig{single}
		return nil
	default:
		return fmt.Errorf("config: sms must be a mapping or sequence, got %v", value.Kind)
	}
}

// HTTPConfig holds the ambient health/metrics HTTP server settings.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

func (h *HTTPConfig) applyDefaults() {
	if h.Port == 0 {
		h.Port = 8090
	}
}

// Config is the top-level YAML document.
type Config struct {
	Datasource Datasource        `yaml:"datasource"`
	SMS        ServiceConfigList `yaml:"sms"`
	HTTP       HTTPConfig        `yaml:"http"`
}

// DefaultPath is the config file location used when no CLI argument is given.
const DefaultPath = "config/risk-sms.yml"

// Load reads and parses the YAML config at path, applying defaults to every
// service and to the datasource.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.Datasource.applyDefaults()
	cfg.HTTP.applyDefaults()
	for i := range cfg.SMS {
		cfg.SMS[i].applyDefaults()
	}

	return &cfg, nil
}
