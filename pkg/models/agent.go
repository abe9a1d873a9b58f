package models

import "time"

// Agent is the decrypted configuration of one model-backed participant.
// The relational store owning agents is external; the runtime only reads
// this shape from it.
type Agent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	UserID string `json:"user_id"`

	// Provider selects the model backend ("anthropic", "openai").
	Provider string `json:"provider"`

	// Model is the backend model identifier.
	Model string `json:"model"`

	// SystemPrompt seeds every model call for this agent.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTokens bounds each model response; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session identifies one conversation. Identity and participant CRUD live
// in the external relational store; the runtime reads this projection.
type Session struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	AgentID string `json:"agent_id"`
	Title   string `json:"title,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
