// Package registry maintains the soft-state directory of live MindTeam nodes:
// passports, lease renewal, label and capability queries, and TTL eviction.
package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType classifies a node's role in the team.
type NodeType string

const (
	NodeTypeOrchestrator NodeType = "orchestrator"
	NodeTypeAgent        NodeType = "agent"
	NodeTypeStorage      NodeType = "storage"
	NodeTypeGateway      NodeType = "gateway"
)

// Phase is the lifecycle phase a node reports for itself.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseRunning    Phase = "running"
	PhaseDegraded   Phase = "degraded"
	PhaseTerminated Phase = "terminated"
)

// Capability is a named unit of work a node advertises; the unit of discovery.
type Capability struct {
	Name       string         `json:"name"`
	Version    string         `json:"version,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Endpoint describes how to reach a node.
type Endpoint struct {
	Protocol string `json:"protocol"`
	Queue    string `json:"queue,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Lease tracks heartbeat-renewed liveness for a passport.
type Lease struct {
	HolderIdentity       string    `json:"holder_identity"`
	LeaseDurationSeconds int       `json:"lease_duration_seconds"`
	RenewTime            time.Time `json:"renew_time"`
}

// Condition records an observed status transition.
type Condition struct {
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	LastTransition time.Time `json:"last_transition"`
}

// PassportMeta identifies a node.
type PassportMeta struct {
	UID      string            `json:"uid"`
	Name     string            `json:"name"`
	NodeType NodeType          `json:"node_type"`
	Labels   map[string]string `json:"labels,omitempty"`
	Version  string            `json:"version,omitempty"`
}

// PassportSpec declares what a node offers and how to reach it.
type PassportSpec struct {
	Capabilities  []Capability   `json:"capabilities"`
	Endpoint      Endpoint       `json:"endpoint"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// PassportStatus carries the node's self-reported runtime state.
type PassportStatus struct {
	Phase               Phase       `json:"phase"`
	Conditions          []Condition `json:"conditions,omitempty"`
	Lease               Lease       `json:"lease"`
	CurrentTasks        int         `json:"current_tasks"`
	TotalTasksProcessed int64       `json:"total_tasks_processed"`
}

// Passport is the registry entity describing one node.
type Passport struct {
	Metadata PassportMeta   `json:"metadata"`
	Spec     PassportSpec   `json:"spec"`
	Status   PassportStatus `json:"status"`
}

// Validate checks the fields the registry depends on.
func (p *Passport) Validate() error {
	if p.Metadata.UID == "" {
		return fmt.Errorf("passport requires metadata.uid")
	}
	if p.Metadata.Name == "" {
		return fmt.Errorf("passport requires metadata.name")
	}
	if p.Metadata.NodeType == "" {
		return fmt.Errorf("passport requires metadata.node_type")
	}
	return nil
}

// HasCapability reports whether the passport advertises the named capability.
func (p *Passport) HasCapability(name string) bool {
	for _, c := range p.Spec.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// MatchesSelector reports whether every selector label is present with an
// equal value on the passport (AND semantics).
func (p *Passport) MatchesSelector(selector map[string]string) bool {
	for k, v := range selector {
		if p.Metadata.Labels[k] != v {
			return false
		}
	}
	return true
}

// ToMap converts the passport to a generic map for event payloads.
func (p *Passport) ToMap() (map[string]any, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode passport: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode passport map: %w", err)
	}
	return m, nil
}

// PassportFromMap parses a passport out of generic event data.
func PassportFromMap(m map[string]any) (*Passport, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode passport map: %w", err)
	}
	var p Passport
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode passport: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
