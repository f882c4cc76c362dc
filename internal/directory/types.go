package directory

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"firestige.xyz/ztun/internal/core"
)

// Status is the availability of a service.
type Status int

const (
	Pending Status = iota
	Available
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for _, c := range []Status{Pending, Available, Unavailable} {
		if c.String() == name {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown service status %q", name)
}

// Service is one service as published by an identity.
type Service struct {
	Name     string `yaml:"name" json:"name"`
	Hostname string `yaml:"hostname" json:"hostname"`
	Port     uint16 `yaml:"port" json:"port"`
	// Upstream address the edge transport dials, host:port.
	Address string `yaml:"address" json:"address,omitempty"`
}

// Identity is an enrolled identity and the services it can reach.
type Identity struct {
	Name     string    `yaml:"name" json:"name"`
	Enabled  bool      `yaml:"enabled" json:"enabled"`
	Services []Service `yaml:"services" json:"services"`
}

// ServiceInfo is the runtime view of a service.
type ServiceInfo struct {
	Identity  string     `json:"identity"`
	Name      string     `json:"name"`
	Hostname  string     `json:"hostname"`
	Port      uint16     `json:"port"`
	Intercept netip.Addr `json:"intercept,omitempty"`
	Status    Status     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
}

// Target returns the backend the service's flows are proxied to.
func (s ServiceInfo) Target() core.Target {
	return core.Target{Identity: s.Identity, Service: s.Name}
}
