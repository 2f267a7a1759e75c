package parse

import (
	"testing"
)

func TestPlainIsReady(t *testing.T) {
	p := NewPlain()
	ready := []string{
		"output\nuser@host:~$ ",
		"root@box:/tmp# ",
		"zsh output\n% ",
		"❯ ",
		"C:\\> ",
	}
	for _, buf := range ready {
		if !p.IsReady(buf) {
			t.Errorf("IsReady(%q) = false, want true", buf)
		}
	}
	notReady := []string{
		"",
		"\n\n",
		"still running...",
		"downloading 42%  done soon",
	}
	for _, buf := range notReady {
		if p.IsReady(buf) {
			t.Errorf("IsReady(%q) = true, want false", buf)
		}
	}
}

func TestPlainParseStripsPrompt(t *testing.T) {
	p := NewPlain()
	resp := p.Parse("file1\nfile2\nuser@host:~$ ")
	if len(resp.Sections) != 1 {
		t.Fatalf("sections = %v", resp.Sections)
	}
	if resp.Sections[0].Type != "raw" {
		t.Errorf("type = %q", resp.Sections[0].Type)
	}
	if resp.Sections[0].Content != "file1\nfile2" {
		t.Errorf("content = %q", resp.Sections[0].Content)
	}
	if resp.LastText() != resp.Raw {
		// No text section; LastText falls back to the raw buffer.
		t.Errorf("LastText = %q", resp.LastText())
	}
}

func TestPlainParseEmpty(t *testing.T) {
	resp := NewPlain().Parse("\n$ ")
	if len(resp.Sections) != 0 {
		t.Errorf("sections = %v, want none", resp.Sections)
	}
}

func TestClaudeIsReady(t *testing.T) {
	p := NewClaude()
	idle := "● Done refactoring.\n\n╭──────────────╮\n│ > \n╰──────────────╯"
	if !p.IsReady(idle) {
		t.Error("idle prompt box should be ready")
	}
	busy := "● Working on it\n  esc to interrupt\n│ > "
	if p.IsReady(busy) {
		t.Error("busy marker should defeat readiness")
	}
	if p.IsReady("just some output") {
		t.Error("no prompt box means not ready")
	}
}

func TestClaudeParseSections(t *testing.T) {
	p := NewClaude()
	buf := `╭──────────────╮
● I'll read the file first.
⎿ Read main.go (120 lines)
● The bug is in the loop bounds.
  Fixed by clamping the index.
╰──────────────╯`
	resp := p.Parse(buf)
	if len(resp.Sections) != 3 {
		t.Fatalf("sections = %+v", resp.Sections)
	}
	if resp.Sections[0].Type != "text" || resp.Sections[0].Content != "I'll read the file first." {
		t.Errorf("section 0 = %+v", resp.Sections[0])
	}
	if resp.Sections[1].Type != "tool_use" || resp.Sections[1].Content != "Read main.go (120 lines)" {
		t.Errorf("section 1 = %+v", resp.Sections[1])
	}
	if resp.Sections[2].Type != "text" {
		t.Errorf("section 2 = %+v", resp.Sections[2])
	}
	want := "The bug is in the loop bounds.\nFixed by clamping the index."
	if resp.Sections[2].Content != want {
		t.Errorf("section 2 content = %q, want %q", resp.Sections[2].Content, want)
	}
	if resp.LastText() != want {
		t.Errorf("LastText = %q, want %q", resp.LastText(), want)
	}
}

func TestClaudeParseStatus(t *testing.T) {
	resp := NewClaude().Parse("● Thinking\nesc to interrupt")
	var statuses int
	for _, s := range resp.Sections {
		if s.Type == "status" {
			statuses++
		}
	}
	if statuses != 1 {
		t.Errorf("sections = %+v, want one status", resp.Sections)
	}
}

func TestForName(t *testing.T) {
	if ForName("claude").Name() != "claude" {
		t.Error("claude should map to the claude parser")
	}
	if ForName("plain").Name() != "plain" {
		t.Error("plain should map to the plain parser")
	}
	if ForName("mystery").Name() != "plain" {
		t.Error("unknown names default to plain")
	}
}
