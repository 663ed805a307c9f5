package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/SchemaPipe/internal/models"
)

var (
	errEmptyExtraction   = errors.New("empty extraction output")
	errInvalidExtraction = errors.New("extraction output is not a JSON object")
	errMissingTrigger    = errors.New("extraction output has no trigger")
)

var (
	jsonFence  = regexp.MustCompile("(?is)```json\\s*(\\{.*?\\})\\s*```")
	plainFence = regexp.MustCompile("(?s)```\\s*(\\{.*?\\})\\s*```")
)

// cleanJSONResponse isolates the JSON object in a model reply. It prefers a
// ```json fence, then a plain fence, then the outermost brace span.
func cleanJSONResponse(raw string) string {
	if m := jsonFence.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := plainFence.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return strings.TrimSpace(raw)
}

// parseBulkExtraction reads the first-part slots out of a model reply.
// Non-string values are ignored and a non-empty trigger is required.
func parseBulkExtraction(raw string) (map[models.Slot]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errEmptyExtraction
	}
	clean := cleanJSONResponse(raw)
	if !gjson.Valid(clean) {
		return nil, fmt.Errorf("%w: %q", errInvalidExtraction, excerpt(clean, 80))
	}
	doc := gjson.Parse(clean)
	if !doc.IsObject() {
		return nil, errInvalidExtraction
	}

	out := make(map[models.Slot]string, len(models.FirstPartSlots))
	for _, slot := range models.FirstPartSlots {
		v := doc.Get(string(slot))
		if v.Type != gjson.String {
			continue
		}
		if text := strings.TrimSpace(v.String()); text != "" {
			out[slot] = text
		}
	}
	if out[models.SlotTrigger] == "" {
		return nil, errMissingTrigger
	}
	return out, nil
}

// extractNarrative fills the first-part slots from one narrative. Whenever the
// model output cannot be trusted the narrative is kept verbatim as the
// trigger, so no user text is lost.
func (c *Controller) extractNarrative(ctx context.Context, t *turn, narrative string) {
	s := t.state.Schema
	out, err := t.generate(ctx, bulkExtractionInstruction(narrative), nil)
	var values map[models.Slot]string
	if err == nil {
		values, err = parseBulkExtraction(out)
	}
	if err != nil {
		slog.Warn("Controller.extractNarrative: bulk extraction failed, keeping narrative verbatim", "error", err, "narrative_length", len(narrative))
		s.Set(models.SlotTrigger, narrative)
		s.Clear(models.SlotIntrusiveThought)
		s.Clear(models.SlotResponseAction)
		return
	}
	for slot, v := range values {
		s.Set(slot, v)
	}
	slog.Debug("Controller.extractNarrative: bulk extraction succeeded", "slots", len(values))
}

// nextFirstPartPhase returns the GET phase of the first unresolved first-part
// slot, or CONFIRM_FIRST_PART when all three are resolved.
func nextFirstPartPhase(s *models.Schema) models.Phase {
	for _, slot := range models.FirstPartSlots {
		if !s.Resolved(slot) {
			return getPhaseFor(slot)
		}
	}
	return models.PhaseConfirmFirstPart
}

// nextLatePhase returns the GET phase of the first unresolved late slot, or
// CONFIRM_FULL_SCHEMA when both are resolved.
func nextLatePhase(s *models.Schema) models.Phase {
	for _, slot := range models.SlotOrder[len(models.FirstPartSlots):] {
		if !s.Resolved(slot) {
			return getPhaseFor(slot)
		}
	}
	return models.PhaseConfirmFullSchema
}

func getPhaseFor(slot models.Slot) models.Phase {
	switch slot {
	case models.SlotTrigger:
		return models.PhaseGetTrigger
	case models.SlotIntrusiveThought:
		return models.PhaseGetIntrusiveThought
	case models.SlotResponseAction:
		return models.PhaseGetResponseAction
	case models.SlotSecondaryJudgment:
		return models.PhaseGetSecondaryJudgment
	case models.SlotFutureStrategy:
		return models.PhaseGetFutureStrategy
	}
	return ""
}
