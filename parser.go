package nerve

// Section is one structured slice of a parsed terminal buffer.
type Section struct {
	Type    string `json:"type"` // "text", "tool_use", "status", "raw"
	Content string `json:"content"`
}

// ParsedResponse is the structured view of a terminal buffer slice.
type ParsedResponse struct {
	Sections []Section `json:"sections"`
	Raw      string    `json:"raw"`
}

// LastText returns the content of the last text section, or the raw
// buffer when no text section was found.
func (p ParsedResponse) LastText() string {
	for i := len(p.Sections) - 1; i >= 0; i-- {
		if p.Sections[i].Type == "text" {
			return p.Sections[i].Content
		}
	}
	return p.Raw
}

// Parser converts raw terminal buffer bytes into structured sections
// and a readiness signal. Implementations live in the parse package;
// the core only depends on this contract.
type Parser interface {
	// Name identifies the parser ("plain", "claude"). Terminal nodes
	// use it to pick the input submission sequence.
	Name() string
	// IsReady reports whether the buffer shows an idle prompt.
	IsReady(buffer string) bool
	// Parse converts a buffer slice into sections.
	Parse(buffer string) ParsedResponse
}
