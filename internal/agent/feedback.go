package agent

import (
	"fmt"
	"strings"

	"github.com/strandlabs/strand/internal/frames"
	"github.com/strandlabs/strand/pkg/models"
)

// historyMessages converts compiled session state into the model's
// message list. Hidden entries are included: they carry the intermediate
// reasoning and operation results the model needs to continue a turn.
func historyMessages(state *frames.CompiledState) []CompletionMessage {
	messages := make([]CompletionMessage, 0, state.Len())
	for _, entry := range state.Entries() {
		text := entryText(entry)
		if text == "" {
			continue
		}
		role := RoleUser
		if entry.AuthorType == models.AuthorAgent {
			role = RoleAssistant
		}
		messages = append(messages, CompletionMessage{Role: role, Content: text})
	}
	return messages
}

func entryText(entry *frames.Entry) string {
	if entry.Payload == nil {
		return ""
	}
	switch entry.Type {
	case models.FrameCompact:
		if summary, ok := entry.Payload["summary"].(string); ok && summary != "" {
			return "[Conversation summary]\n" + summary
		}
		return ""
	case models.FrameResult:
		return feedbackText(entry.Payload)
	default:
		if text, ok := entry.Payload["text"].(string); ok {
			return text
		}
		if summary, ok := entry.Payload["summary"].(string); ok {
			return summary
		}
		return ""
	}
}

// FeedbackDocument formats one pipeline pass as the payload of a hidden
// result frame. The same text is appended to the model context for the
// next iteration.
func FeedbackDocument(results []*models.OperationResult) models.Document {
	var b strings.Builder
	b.WriteString("Operation results:\n")
	encoded := make([]any, 0, len(results))

	for _, r := range results {
		line := fmt.Sprintf("- %s (%s): %s", r.OperationID, r.Target, r.Status)
		if r.Error != "" {
			line += " error=" + r.Error
		}
		if r.Output != nil {
			if text, ok := r.Output["text"].(string); ok && text != "" {
				line += "\n  " + strings.ReplaceAll(text, "\n", "\n  ")
			} else {
				line += fmt.Sprintf("\n  %v", map[string]any(r.Output))
			}
		}
		b.WriteString(line)
		b.WriteString("\n")

		entry := map[string]any{
			"operation_id": r.OperationID,
			"target":       r.Target,
			"status":       string(r.Status),
		}
		if r.Output != nil {
			entry["output"] = map[string]any(r.Output)
		}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		encoded = append(encoded, entry)
	}

	return models.Document{
		"text":    strings.TrimRight(b.String(), "\n"),
		"results": encoded,
	}
}

func feedbackText(payload models.Document) string {
	if text, ok := payload["text"].(string); ok {
		return text
	}
	return ""
}
