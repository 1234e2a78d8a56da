package embed

import (
	"strings"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// BuildText assembles the embedding input from a fixed set of project
// fields, labeled so the provider sees field context, truncated to
// maxChars.
func BuildText(project pipeline.Project, maxChars int) string {
	fields := []struct {
		label string
		value string
	}{
		{"Title", project.Title},
		{"Agency", project.Agency},
		{"Summary", project.Summary},
		{"Description", project.Description},
		{"Eligibility", project.Eligibility},
		{"Support", project.SupportDetail},
		{"Region", project.Region},
		{"Category", project.Category},
	}

	var b strings.Builder
	for _, f := range fields {
		v := strings.TrimSpace(f.value)
		if v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(f.label)
		b.WriteString(": ")
		b.WriteString(v)
	}

	text := b.String()
	if maxChars > 0 && len(text) > maxChars {
		text = truncateUTF8(text, maxChars)
	}
	return text
}

// truncateUTF8 cuts at maxBytes without splitting a multi-byte rune.
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
