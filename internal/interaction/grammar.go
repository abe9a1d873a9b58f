// Package interaction detects operation blocks embedded in model output
// and cleans that output for display and for follow-up model context.
package interaction

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/strandlabs/strand/pkg/models"
)

// Grammar parses one concrete block syntax. The runtime does not assume a
// single syntax; a Grammar is injected wherever detection happens.
type Grammar interface {
	// Detect scans completed text for operation blocks. Returns nil when
	// the text contains no parseable block: malformed blocks are literal
	// text, never an error.
	Detect(text string) *models.OperationBlock

	// Strip removes every region Detect would consume, leaving the prose
	// around it.
	Strip(text string) string
}

// FencedGrammar reads operations from fenced code blocks tagged with a
// fixed label, e.g.:
//
//	```operations
//	{"mode": "sequential", "operations": [{"kind": "tool", "id": "op-1", ...}]}
//	```
type FencedGrammar struct {
	tag     string
	pattern *regexp.Regexp
}

// DefaultBlockTag labels operation fences in model output.
const DefaultBlockTag = "operations"

// NewFencedGrammar creates a grammar for fences tagged with tag. An empty
// tag falls back to DefaultBlockTag.
func NewFencedGrammar(tag string) *FencedGrammar {
	if tag == "" {
		tag = DefaultBlockTag
	}
	return &FencedGrammar{
		tag:     tag,
		pattern: regexp.MustCompile("(?s)```" + regexp.QuoteMeta(tag) + "[ \t]*\n(.*?)\n?```"),
	}
}

type blockDocument struct {
	Mode       string                       `json:"mode"`
	Operations []models.OperationDescriptor `json:"operations"`
}

// Detect parses every tagged fence in the text and merges the results.
// A model that echoes the same block twice, as happens around retried
// responses, yields each operation once: duplicates are dropped by id.
func (g *FencedGrammar) Detect(text string) *models.OperationBlock {
	matches := g.pattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	block := &models.OperationBlock{Mode: models.ModeSequential}
	seen := map[string]bool{}
	parsedAny := false

	for _, match := range matches {
		var doc blockDocument
		if err := json.Unmarshal([]byte(match[1]), &doc); err != nil {
			continue
		}
		if !parsedAny && doc.Mode == string(models.ModeParallelByKey) {
			block.Mode = models.ModeParallelByKey
		}
		parsedAny = true

		for _, op := range doc.Operations {
			if op.Kind == "" {
				continue
			}
			if op.ID != "" && seen[op.ID] {
				continue
			}
			if op.ID != "" {
				seen[op.ID] = true
			}
			block.Operations = append(block.Operations, op)
		}
	}

	if !parsedAny || len(block.Operations) == 0 {
		return nil
	}
	return block
}

// Strip removes every tagged fence, whether or not it parses, and
// collapses the paragraph echo the removal can leave behind.
func (g *FencedGrammar) Strip(text string) string {
	stripped := g.pattern.ReplaceAllString(text, "")
	return DedupeParagraphs(stripped)
}

// DedupeParagraphs collapses consecutive identical paragraphs. Models
// repeating themselves around a stripped block produce exactly this shape.
func DedupeParagraphs(text string) string {
	paragraphs := strings.Split(text, "\n\n")
	out := make([]string, 0, len(paragraphs))
	var prev string

	for _, p := range paragraphs {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		if trimmed == prev {
			continue
		}
		out = append(out, trimmed)
		prev = trimmed
	}

	return strings.Join(out, "\n\n")
}
