package models

import "time"

// Tenant is one customer of the platform: a billing and configuration
// boundary. Its config is read-only to the message pipeline.
type Tenant struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Slug         string       `json:"slug"`
	ContactEmail string       `json:"contact_email,omitempty"`
	IsActive     bool         `json:"is_active"`
	Config       TenantConfig `json:"config"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TenantConfig is the per-tenant chatbot configuration bag.
type TenantConfig struct {
	SystemPrompt  string          `json:"system_prompt,omitempty"`
	DecisionTrees []DecisionTree  `json:"decision_trees,omitempty"`
	Features      map[string]bool `json:"features,omitempty"`
}
