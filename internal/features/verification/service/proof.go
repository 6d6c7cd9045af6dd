package service

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Proof is the evidence a user attaches to a claim.
type Proof struct {
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	InitData string `json:"initData,omitempty"`
	Claim    bool   `json:"claim,omitempty"`
}

// ParseProof decodes the JSON proof payload. An empty payload is an empty proof.
func ParseProof(raw string) (Proof, error) {
	var p Proof
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Proof{}, fmt.Errorf("proof must be a JSON object: %w", err)
	}
	return p, nil
}

// Evidence is the manual proof text, falling back to the submitted URL.
func (p Proof) Evidence() string {
	if t := strings.TrimSpace(p.Text); t != "" {
		return t
	}
	return strings.TrimSpace(p.URL)
}
