package generate

import (
	"strings"

	"kaiwa/internal/domain"
)

// Llama-2 instruct template markers.
const (
	instOpen  = "[INST] "
	instClose = " [/INST] "
	sysOpen   = "<<SYS>>\n"
	sysClose  = "\n<</SYS>>\n\n"
	// turnSep closes a completed turn and opens the next one. The leading
	// BOS of the whole prompt is added by the server-side tokenizer.
	turnSep = "</s><s>"
)

// BuildPrompt assembles the raw completion prompt for a Llama-2 instruct
// model: the system prompt inside the first [INST] block, prior turns
// replayed in order, and the new message in the final open block.
func BuildPrompt(message string, history []domain.Turn, systemPrompt string) string {
	var b strings.Builder
	b.WriteString(instOpen)
	if systemPrompt != "" {
		b.WriteString(sysOpen)
		b.WriteString(systemPrompt)
		b.WriteString(sysClose)
	}
	for _, t := range history {
		b.WriteString(t.User)
		b.WriteString(instClose)
		b.WriteString(t.Assistant)
		b.WriteString(turnSep)
		b.WriteString(instOpen)
	}
	b.WriteString(message)
	b.WriteString(strings.TrimRight(instClose, " "))
	return b.String()
}
