package worker

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"swarmcore/internal/board"
	"swarmcore/internal/bus"
)

// encodingName is the tokenizer used for prompt budgeting. The usage
// ledger does not use it: it records the token counts the provider reports.
const encodingName = "cl100k_base"

// systemPromptSections builds the role + soul/cognition doc + skills + tools
// manifest + context-bus snapshot inputs to buildSystemPrompt, per §4.8's
// worker tick step 3.
type systemPromptSections struct {
	role       string
	soulDoc    string
	skills     []string
	toolNames  []string
	busEntries []*bus.Entry
}

func buildSystemPrompt(s systemPromptSections) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are acting as the %s agent.\n", s.role)
	if s.soulDoc != "" {
		b.WriteString(s.soulDoc)
		b.WriteString("\n")
	}
	if len(s.skills) > 0 {
		fmt.Fprintf(&b, "Skills: %s\n", strings.Join(s.skills, ", "))
	}
	if len(s.toolNames) > 0 {
		fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(s.toolNames, ", "))
	}
	if len(s.busEntries) > 0 {
		b.WriteString("Shared context:\n")
		for _, e := range s.busEntries {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Layer, e.Key, e.Value)
		}
	}
	return b.String()
}

// revisionPrompt builds the revision turn for a task in critique status:
// the previous result plus the reviewer's items.
func revisionPrompt(task *board.Task) string {
	var b strings.Builder
	b.WriteString("Your previous result received a NEEDS_WORK verdict. Revise it to address every item below.\n\n")
	b.WriteString("Previous result:\n")
	b.WriteString(task.Result)
	b.WriteString("\n\nCritique items:\n")
	if task.Critique != nil {
		for _, item := range task.Critique.Items {
			b.WriteString("- ")
			b.WriteString(item)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// tokenBudgeter truncates prompt text to a token budget using the
// encodingName tokenizer.
type tokenBudgeter struct {
	enc *tiktoken.Tiktoken
}

func newTokenBudgeter() (*tokenBudgeter, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("worker: load tokenizer: %w", err)
	}
	return &tokenBudgeter{enc: enc}, nil
}

// Truncate trims text to at most budget tokens, preferring to drop from the
// front so the most recently appended context (closest to the user turn)
// survives.
func (tb *tokenBudgeter) Truncate(text string, budget int) string {
	if budget <= 0 {
		return text
	}
	tokens := tb.enc.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	kept := tokens[len(tokens)-budget:]
	return tb.enc.Decode(kept)
}

// Count returns the token length of text.
func (tb *tokenBudgeter) Count(text string) int {
	return len(tb.enc.Encode(text, nil, nil))
}
