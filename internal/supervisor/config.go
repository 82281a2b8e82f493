package supervisor

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// duration lets TOML carry Go duration strings ("1s", "500ms").
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// ServiceSpec describes one child process to keep alive.
type ServiceSpec struct {
	Name    string   `toml:"name"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Env     []string `toml:"env"`
}

// BackoffConfig spaces restarts of a crashing service.
type BackoffConfig struct {
	Initial    duration `toml:"initial"`
	Rate       float64  `toml:"rate"`
	Max        duration `toml:"max"`
	ResetAfter duration `toml:"reset_after"`
}

// Manifest is the supervisor's TOML configuration: the services to run and
// the shared restart policy.
type Manifest struct {
	// GateMaxWait mirrors the dependents' gate budget. The restart backoff
	// cap must fit inside it, so a restarting dependency's cycle completes
	// within a dependent's gating window at least once.
	GateMaxWait duration      `toml:"gate_max_wait"`
	Backoff     BackoffConfig `toml:"backoff"`
	Services    []ServiceSpec `toml:"services"`
}

// LoadManifest reads and validates a supervisor manifest.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Services) == 0 {
		return fmt.Errorf("no services defined")
	}

	seen := make(map[string]bool)
	for i, svc := range m.Services {
		if svc.Name == "" {
			return fmt.Errorf("service %d: name is required", i)
		}
		if svc.Command == "" {
			return fmt.Errorf("service %q: command is required", svc.Name)
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true
	}

	if m.Backoff.Initial <= 0 {
		m.Backoff.Initial = duration(time.Second)
	}
	if m.Backoff.Rate < 1 {
		m.Backoff.Rate = 2
	}
	if m.Backoff.Max <= 0 {
		m.Backoff.Max = duration(30 * time.Second)
	}
	if m.Backoff.ResetAfter <= 0 {
		m.Backoff.ResetAfter = duration(time.Minute)
	}

	// A dependency that restarts slower than its dependents are willing to
	// wait can never be gated on successfully.
	if m.GateMaxWait > 0 && m.Backoff.Max >= m.GateMaxWait {
		return fmt.Errorf("backoff max %v must be below gate_max_wait %v",
			time.Duration(m.Backoff.Max), time.Duration(m.GateMaxWait))
	}

	return nil
}
