package models

// PatternTag represents a detector match annotation.
type PatternTag struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Severity string `json:"severity,omitempty"`
	Weight   int    `json:"weight,omitempty"`
	Source   string `json:"source,omitempty"`
}
