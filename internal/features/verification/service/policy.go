package service

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"actionpay-backend/internal/features/ledger/models"
)

// TrustMode decides what an accepted proof text turns into.
type TrustMode string

const (
	// TrustAuto accepts proof text as evidence and verifies at once.
	TrustAuto TrustMode = "auto_trust"
	// TrustManualReview records the execution as pending until an admin reviews it.
	TrustManualReview TrustMode = "manual_review"
	// TrustReject refuses proof text for the kind altogether.
	TrustReject TrustMode = "reject"
)

const DefaultMinProofLength = 4

type KindPolicy struct {
	Mode           TrustMode `yaml:"mode"`
	MinProofLength int       `yaml:"minProofLength"`
}

// Policy holds the proof handling rules per action kind.
type Policy struct {
	Actions map[models.ActionKind]KindPolicy `yaml:"actions"`
}

func DefaultPolicy() Policy {
	return Policy{Actions: map[models.ActionKind]KindPolicy{}}
}

// For returns the rule for kind with defaults filled in.
func (p Policy) For(kind models.ActionKind) KindPolicy {
	rule := p.Actions[kind]
	if rule.Mode == "" {
		rule.Mode = TrustAuto
	}
	if rule.MinProofLength <= 0 {
		rule.MinProofLength = DefaultMinProofLength
	}
	return rule
}

// LoadPolicy reads a YAML policy file. An empty path yields the default policy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read verification policy: %w", err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (Policy, error) {
	var raw struct {
		Actions map[string]KindPolicy `yaml:"actions"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Policy{}, fmt.Errorf("failed to parse verification policy: %w", err)
	}

	p := DefaultPolicy()
	for name, rule := range raw.Actions {
		kind, err := models.ParseActionKind(name)
		if err != nil {
			return Policy{}, fmt.Errorf("verification policy: %w", err)
		}
		switch rule.Mode {
		case "", TrustAuto, TrustManualReview, TrustReject:
		default:
			return Policy{}, fmt.Errorf("verification policy: unknown mode %q for %s", rule.Mode, kind)
		}
		if rule.MinProofLength < 0 {
			return Policy{}, fmt.Errorf("verification policy: negative minProofLength for %s", kind)
		}
		p.Actions[kind] = rule
	}
	return p, nil
}
