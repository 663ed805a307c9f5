package flow

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/SchemaPipe/internal/models"
)

const (
	// shortInputRunes is the length below which input is stored as typed.
	shortInputRunes = 40
	// longInputRunes is the length above which an unchanged echo is suspicious.
	longInputRunes  = 80
	minSummaryRunes = 3
)

// errorPhrases mark model output that is a refusal or error rather than a summary.
var errorPhrases = []string{
	"mi dispiace", "non posso", "non riesco", "si è verificato un errore", "errore",
	"non ho potuto", "i'm sorry", "i cannot", "as an ai", "come modello",
}

var summaryLabel = regexp.MustCompile(`(?i)^\s*(riassunto|sintesi|risposta|output|summary)\s*:\s*`)

// verbatim trims text and strips surrounding quotes.
func verbatim(text string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(text), "\"'“”«»`"))
}

// cleanSummary collapses model output onto one line and removes labels and quotes.
func cleanSummary(out string) string {
	line := strings.Join(strings.Fields(out), " ")
	line = summaryLabel.ReplaceAllString(line, "")
	return verbatim(line)
}

// summarize condenses text for slot while keeping the user's wording. Any
// sign of a bad summary falls back to the verbatim text.
func (c *Controller) summarize(ctx context.Context, t *turn, slot models.Slot, text string) string {
	plain := verbatim(text)
	n := utf8.RuneCountInString(plain)
	if n < shortInputRunes {
		return plain
	}

	out, err := t.generate(ctx, summarizeInstruction(slot, plain), nil)
	if err != nil {
		slog.Warn("Controller.summarize: summarization failed, using verbatim text", "slot", slot, "error", err)
		return plain
	}
	summary := cleanSummary(out)
	if reason := rejectSummary(plain, summary); reason != "" {
		slog.Warn("Controller.summarize: summary rejected, using verbatim text", "slot", slot, "reason", reason)
		return plain
	}
	slog.Debug("Controller.summarize: summary accepted", "slot", slot, "input_runes", n, "summary_runes", utf8.RuneCountInString(summary))
	return summary
}

// rejectSummary returns why summary cannot replace input, or "" when it can.
func rejectSummary(input, summary string) string {
	if summary == "" {
		return "empty"
	}
	if utf8.RuneCountInString(summary) < minSummaryRunes {
		return "too short"
	}
	lower := strings.ToLower(summary)
	for _, p := range errorPhrases {
		if strings.Contains(lower, p) && !strings.Contains(strings.ToLower(input), p) {
			return "error phrase"
		}
	}
	if utf8.RuneCountInString(input) > longInputRunes && normalize(summary) == normalize(input) {
		return "identical to input"
	}
	return ""
}
