package flow

import (
	"context"
	"log/slog"
	"strings"
)

// Verdict is the classifier's label for a secondary judgment candidate.
type Verdict string

const (
	VerdictValid            Verdict = "VALID"
	VerdictNotValid         Verdict = "NOT_VALID"
	VerdictExplicitNegative Verdict = "EXPLICIT_NEGATIVE"
)

// parseVerdict reads a label from classifier output. The more specific labels
// are checked first because VALID is a substring of NOT_VALID.
func parseVerdict(out string) (Verdict, bool) {
	u := strings.ToUpper(out)
	switch {
	case strings.Contains(u, "EXPLICIT_NEGATIVE"), strings.Contains(u, "EXPLICIT NEGATIVE"):
		return VerdictExplicitNegative, true
	case strings.Contains(u, "NOT_VALID"), strings.Contains(u, "NOT VALID"):
		return VerdictNotValid, true
	case strings.Contains(u, "VALID"):
		return VerdictValid, true
	}
	return "", false
}

// validateSecondaryJudgment labels text. The second return value is false
// when the classifier could not be used, in which case the verdict is NOT_VALID.
func (c *Controller) validateSecondaryJudgment(ctx context.Context, t *turn, text string) (Verdict, bool) {
	if isExplicitNegation(text) {
		slog.Debug("Controller.validateSecondaryJudgment: lexical negation")
		return VerdictExplicitNegative, true
	}
	out, err := t.generate(ctx, classifyInstruction(text), nil)
	if err != nil {
		slog.Warn("Controller.validateSecondaryJudgment: classifier failed, treating as NOT_VALID", "error", err)
		return VerdictNotValid, false
	}
	v, ok := parseVerdict(out)
	if !ok {
		slog.Warn("Controller.validateSecondaryJudgment: unparseable classifier output, treating as NOT_VALID", "output", excerpt(out, 80))
		return VerdictNotValid, false
	}
	slog.Debug("Controller.validateSecondaryJudgment: classified", "verdict", v)
	return v, true
}
