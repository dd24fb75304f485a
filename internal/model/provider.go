package model

import "time"

// Provider describes a registered backend capable of servicing tasks whose
// required capability matches its Capability tag.
type Provider struct {
	Name       string `json:"name"`
	Capability string `json:"capability"`

	// Weight biases the availability selection strategy; higher is preferred.
	Weight int `json:"weight"`
	// Cost is the relative cost metric used by the cost selection strategy.
	Cost float64 `json:"cost"`
	// MaxConcurrency caps in-flight invocations against this provider.
	// Zero means unlimited.
	MaxConcurrency int `json:"max_concurrency"`

	APIKey  string `json:"-"`
	BaseURL string `json:"base_url,omitempty"`

	UsageCount    int        `json:"usage_count"`
	Healthy       bool       `json:"healthy"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}
