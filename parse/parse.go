// Package parse implements the terminal buffer parsers consumed by
// terminal nodes: a plain shell-prompt parser and a parser for the
// Claude CLI's interactive screen.
package parse

import (
	"strings"

	nerve "github.com/nerveworks/nerve"
)

// Plain parses generic shell output. Readiness means the last
// non-empty line looks like an idle prompt.
type Plain struct{}

// NewPlain creates the plain parser.
func NewPlain() *Plain { return &Plain{} }

func (p *Plain) Name() string { return "plain" }

// promptSuffixes are common idle shell prompt endings.
var promptSuffixes = []string{"$", "#", "%", ">", "❯"}

// IsReady reports whether the buffer ends in an idle shell prompt.
func (p *Plain) IsReady(buffer string) bool {
	line := lastNonEmptyLine(buffer)
	if line == "" {
		return false
	}
	trimmed := strings.TrimRight(line, " ")
	for _, s := range promptSuffixes {
		if strings.HasSuffix(trimmed, s) {
			return true
		}
	}
	return false
}

// Parse returns the buffer as one raw section with the trailing prompt
// line stripped.
func (p *Plain) Parse(buffer string) nerve.ParsedResponse {
	lines := strings.Split(buffer, "\n")
	// Drop the trailing prompt so the output is the command's response.
	for len(lines) > 0 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if last == "" || p.IsReady(last) {
			lines = lines[:len(lines)-1]
			continue
		}
		break
	}
	content := strings.TrimSpace(strings.Join(lines, "\n"))
	resp := nerve.ParsedResponse{Raw: buffer}
	if content != "" {
		resp.Sections = append(resp.Sections, nerve.Section{Type: "raw", Content: content})
	}
	return resp
}

// Claude parses the Claude CLI's interactive screen. The CLI renders
// response bullets prefixed with "●", tool output continuations with
// "⎿", a boxed input prompt when idle, and "esc to interrupt" while
// a turn is in flight.
type Claude struct{}

// NewClaude creates the Claude parser.
func NewClaude() *Claude { return &Claude{} }

func (p *Claude) Name() string { return "claude" }

const (
	claudeBusyMarker = "esc to interrupt"
	claudeBullet     = "●"
	claudeToolCont   = "⎿"
)

// claudeTailLines bounds the readiness scan to the visible screen tail.
const claudeTailLines = 40

// IsReady reports whether the CLI shows an idle input prompt: no busy
// marker in the tail and a prompt box present.
func (p *Claude) IsReady(buffer string) bool {
	tail := tailLines(buffer, claudeTailLines)
	joined := strings.Join(tail, "\n")
	if strings.Contains(strings.ToLower(joined), claudeBusyMarker) {
		return false
	}
	for _, line := range tail {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "│ >") || strings.HasPrefix(t, "❯") || strings.HasPrefix(t, "> ") {
			return true
		}
	}
	return false
}

// Parse splits the buffer slice into sections: each "●" bullet opens a
// text section, "⎿" continuations become tool_use sections, and box
// drawing or status lines are dropped.
func (p *Claude) Parse(buffer string) nerve.ParsedResponse {
	resp := nerve.ParsedResponse{Raw: buffer}
	var current *nerve.Section

	flush := func() {
		if current != nil {
			current.Content = strings.TrimSpace(current.Content)
			if current.Content != "" {
				resp.Sections = append(resp.Sections, *current)
			}
			current = nil
		}
	}

	for _, line := range strings.Split(buffer, "\n") {
		t := strings.TrimSpace(line)
		switch {
		case t == "" || isBoxLine(t):
			continue
		case strings.HasPrefix(t, claudeBullet):
			flush()
			current = &nerve.Section{Type: "text", Content: strings.TrimSpace(strings.TrimPrefix(t, claudeBullet))}
		case strings.HasPrefix(t, claudeToolCont):
			flush()
			resp.Sections = append(resp.Sections, nerve.Section{
				Type:    "tool_use",
				Content: strings.TrimSpace(strings.TrimPrefix(t, claudeToolCont)),
			})
		case strings.Contains(strings.ToLower(t), claudeBusyMarker):
			flush()
			resp.Sections = append(resp.Sections, nerve.Section{Type: "status", Content: t})
		default:
			if current != nil {
				current.Content += "\n" + t
			}
		}
	}
	flush()
	return resp
}

// isBoxLine reports whether the line is prompt-box drawing.
func isBoxLine(t string) bool {
	if t == "" {
		return false
	}
	switch []rune(t)[0] {
	case '╭', '╰', '│', '├', '─':
		return true
	}
	return false
}

func lastNonEmptyLine(buffer string) string {
	lines := strings.Split(buffer, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if t := strings.TrimSpace(lines[i]); t != "" {
			return t
		}
	}
	return ""
}

func tailLines(buffer string, n int) []string {
	lines := strings.Split(buffer, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// ForName returns the parser registered under name, defaulting unknown
// names to plain.
func ForName(name string) nerve.Parser {
	if name == "claude" {
		return NewClaude()
	}
	return NewPlain()
}

var (
	_ nerve.Parser = (*Plain)(nil)
	_ nerve.Parser = (*Claude)(nil)
)
