package metadata

// Webhook defines an HTTP callout triggered after a record is written.
// Deliveries are attempted once.
type Webhook struct {
	ID           string            `json:"id" yaml:"id"`
	Table        string            `json:"table,omitempty" yaml:"table,omitempty"`
	TablePattern string            `json:"tablePattern,omitempty" yaml:"tablePattern,omitempty"` // regexp, used when Table is empty
	Stage        string            `json:"stage" yaml:"stage"`                                   // post-create, post-update, post-delete
	URL          string            `json:"url" yaml:"url"`
	Method       string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Condition    string            `json:"condition,omitempty" yaml:"condition,omitempty"` // expression; empty = always fire
	Async        bool              `json:"async,omitempty" yaml:"async,omitempty"`
	Active       bool              `json:"active" yaml:"active"`
}
