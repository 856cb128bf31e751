package service

import "time"

// Event types pushed by the backend over either transport. UI code
// subscribes to these through Service.Listen.
const (
	EventPipelineUpdated = "pipeline.updated"
	EventProviderStatus  = "provider.status"
)

// Provider is a configured CI/CD provider account.
type Provider struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Pipeline is one pipeline's last known state. The transport layer treats
// the contents as opaque display data.
type Pipeline struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Name      string    `json:"name"`
	Branch    string    `json:"branch,omitempty"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
}
