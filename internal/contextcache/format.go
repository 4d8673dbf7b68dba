package contextcache

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxFormattedHistory bounds the recent commands rendered for the active collaborator.
const maxFormattedHistory = 5

// FormatForGeneration renders s as the context block of a generation prompt.
// The output depends only on s; map keys in brand guidelines are sorted.
func FormatForGeneration(s *Snapshot) string {
	if s == nil {
		return ""
	}
	var b strings.Builder

	b.WriteString("Account Context:\n")
	fmt.Fprintf(&b, "- Name: %s\n", s.Account.Name)
	fmt.Fprintf(&b, "- Plan: %s\n", s.Account.Plan)
	fmt.Fprintf(&b, "- Total Collaborators: %d\n\n", len(s.Account.Collaborators))

	if a := s.Active; a != nil {
		b.WriteString("Active Collaborator:\n")
		fmt.Fprintf(&b, "- Name: %s\n", a.Name)
		fmt.Fprintf(&b, "- Industry: %s\n", orDefault(a.Industry, "Not specified"))
		if len(a.BrandGuidelines) > 0 {
			if raw, err := json.Marshal(a.BrandGuidelines); err == nil {
				fmt.Fprintf(&b, "- Brand Guidelines: %s\n", raw)
			}
		}
		if len(a.History) > 0 {
			b.WriteString("\nRecent Commands:\n")
			for i, h := range a.History {
				if i == maxFormattedHistory {
					break
				}
				fmt.Fprintf(&b, "- %s (%s)\n", h.Text, h.Category)
			}
		}
		b.WriteString("\n")
	}

	if len(s.Selected) > 1 {
		b.WriteString("Selected Collaborators for Bulk Operation:\n")
		for _, c := range s.Selected {
			fmt.Fprintf(&b, "- %s (%s)\n", c.Name, orDefault(c.Industry, "Unknown industry"))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
