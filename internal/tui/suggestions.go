package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for the command bar.
type Suggestions struct {
	items        []SuggestionItem
	filtered     []SuggestionItem
	selectedIdx  int
	visible      bool
	prefix       string // "/" or "@"
	currentInput string
}

// SuggestionItem represents a single autocomplete suggestion.
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command", "execution", "script"
}

var commandSuggestions = []SuggestionItem{
	{Text: "/run", Description: "Queue a script: run <name> [key=value ...]", Type: "command"},
	{Text: "/cancel", Description: "Cancel the selected execution", Type: "command"},
	{Text: "/filter", Description: "Show one status: filter <status|all>", Type: "command"},
	{Text: "/workers", Description: "Show the worker pool", Type: "command"},
	{Text: "/quit", Description: "Leave the watch view", Type: "command"},
}

// NewSuggestions creates a new suggestions handler.
func NewSuggestions() *Suggestions {
	return &Suggestions{items: commandSuggestions}
}

// Update updates suggestions based on current input.
func (s *Suggestions) Update(input string) {
	s.currentInput = input
	if input == "" || strings.Contains(input, " ") {
		s.hide()
		return
	}

	switch input[0] {
	case '/':
		s.prefix = "/"
		s.items = commandSuggestions
	case '@':
		if s.prefix != "@" {
			s.items = nil
		}
		s.prefix = "@"
	default:
		s.hide()
		return
	}
	s.visible = true
	s.filter(strings.ToLower(input))
}

func (s *Suggestions) hide() {
	s.visible = false
	s.filtered = nil
	s.prefix = ""
}

// SetReferences replaces the "@" suggestions with execution IDs and script names.
func (s *Suggestions) SetReferences(executions []ExecutionItem) {
	if s.prefix != "@" {
		return
	}
	seen := make(map[string]bool)
	s.items = s.items[:0]
	for _, e := range executions {
		s.items = append(s.items, SuggestionItem{
			Text:        "@" + e.ID,
			Description: fmt.Sprintf("%s %s", e.Script, e.Status),
			Type:        "execution",
		})
		if !seen[e.Script] {
			seen[e.Script] = true
			s.items = append(s.items, SuggestionItem{
				Text:        "@" + e.Script,
				Description: "script",
				Type:        "script",
			})
		}
	}
	s.filter(strings.ToLower(s.currentInput))
}

func (s *Suggestions) filter(query string) {
	s.selectedIdx = 0
	if query == s.prefix {
		s.filtered = s.items
		return
	}

	s.filtered = nil
	for _, item := range s.items {
		if strings.HasPrefix(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
}

// Next moves to the next suggestion.
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion.
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion.
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.IsVisible() || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// Accept returns the input text for the selected suggestion. An "@"
// reference expands to the bare ID or name.
func (s *Suggestions) Accept() string {
	sel := s.Selected()
	if sel == nil {
		return s.currentInput
	}
	if sel.Type == "command" {
		return strings.TrimPrefix(sel.Text, "/") + " "
	}
	return strings.TrimPrefix(sel.Text, "@")
}

// IsVisible returns whether suggestions are currently visible.
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the suggestions dropdown.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(max(width-4, 20))

	selStyle := lipgloss.NewStyle().
		Background(primaryColor).
		Foreground(fgColor).
		Bold(true)

	itemStyle := lipgloss.NewStyle().Foreground(fgColor)
	descStyle := lipgloss.NewStyle().Foreground(mutedColor).Italic(true)

	header := "Commands"
	if s.prefix == "@" {
		header = "References"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	const maxVisible = 5
	for i, item := range s.filtered {
		if i >= maxVisible {
			b.WriteString(descStyle.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-maxVisible)))
			break
		}

		var line string
		if i == s.selectedIdx {
			line = selStyle.Render("▶ " + item.Text)
			if item.Description != "" {
				line += " " + selStyle.Render(item.Description)
			}
		} else {
			line = itemStyle.Render("  " + item.Text)
			if item.Description != "" {
				line += " " + descStyle.Render(item.Description)
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return boxStyle.Render(b.String())
}
