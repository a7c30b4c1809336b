// Package prompt assembles grounded, budget-constrained prompts from
// retrieved passages and recent conversation turns.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/docchat/internal/convcache"
	"github.com/mohammad-safakhou/docchat/internal/retrieval"
)

// ErrEmptyMessage reports input that is empty after sanitization.
var ErrEmptyMessage = errors.New("message is empty after sanitization")

// SanitizeMessage trims the message, strips angle brackets and caps its
// length. Input that sanitizes to nothing is rejected.
func SanitizeMessage(s string, maxChars int) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "<", "")
	s = strings.ReplaceAll(s, ">", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyMessage
	}
	if maxChars > 0 {
		if r := []rune(s); len(r) > maxChars {
			s = strings.TrimSpace(string(r[:maxChars]))
		}
	}
	return s, nil
}

// Assembler renders the system and user prompts for one grounded turn.
type Assembler struct {
	MaxPassages         int // top-N results included regardless of retrieval size
	HistoryTurns        int // recent turns summarized for continuity
	HistoryTurnMaxChars int
}

func NewAssembler(maxPassages, historyTurns, historyTurnMaxChars int) *Assembler {
	if maxPassages <= 0 {
		maxPassages = 8
	}
	if historyTurns <= 0 {
		historyTurns = 6
	}
	if historyTurnMaxChars <= 0 {
		historyTurnMaxChars = 400
	}
	return &Assembler{
		MaxPassages:         maxPassages,
		HistoryTurns:        historyTurns,
		HistoryTurnMaxChars: historyTurnMaxChars,
	}
}

const systemPrompt = `You are a document question-answering assistant.

RULES:
1. Answer ONLY from the numbered passages provided in the user message.
2. If the passages do not contain the answer, say so plainly.
3. Cite pages using EXACTLY the page labels shown with the passages.
4. Do not invent page numbers or content.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "answer": "your answer text",
  "citations": [{"page": "page label", "snippet": "short supporting quote"}]
}
Do not include any other text or explanation.`

// Build renders the prompts. Passages keep their page labels verbatim, so the
// prompt never introduces a label absent from the supplied results.
func (a *Assembler) Build(question string, results []retrieval.Result, turns []convcache.Turn) (string, string) {
	if len(results) > a.MaxPassages {
		results = results[:a.MaxPassages]
	}

	var b strings.Builder
	if history := a.renderHistory(turns); history != "" {
		b.WriteString("RECENT CONVERSATION:\n")
		b.WriteString(history)
		b.WriteString("\n")
	}

	if len(results) > 0 {
		b.WriteString("PASSAGES:\n")
		for i, res := range results {
			fmt.Fprintf(&b, "[%d] (Page %s) %s\n\n", i+1, res.Chunk.Page, res.Chunk.Text)
		}
	} else {
		b.WriteString("PASSAGES: none were retrieved for this question.\n\n")
	}

	fmt.Fprintf(&b, "QUESTION: %s", question)
	return systemPrompt, b.String()
}

// renderHistory condenses the tail of the conversation into role-labeled
// lines, each truncated for budget.
func (a *Assembler) renderHistory(turns []convcache.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	if len(turns) > a.HistoryTurns {
		turns = turns[len(turns)-a.HistoryTurns:]
	}
	var b strings.Builder
	for _, t := range turns {
		label := "User"
		if t.Role == convcache.RoleAssistant {
			label = "Assistant"
		}
		content := t.Content
		if r := []rune(content); len(r) > a.HistoryTurnMaxChars {
			content = string(r[:a.HistoryTurnMaxChars]) + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", label, content)
	}
	return b.String()
}
