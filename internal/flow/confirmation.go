package flow

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/SchemaPipe/internal/models"
)

// Scope selects which slots a summary covers.
type Scope string

const (
	ScopeFirstPart Scope = "first_part"
	ScopeFull      Scope = "full"
)

// notIdentified is rendered for slots that are unset or explicitly negated.
const notIdentified = "Non identificato"

// ReplyKind classifies a free-text answer at a confirmation checkpoint.
type ReplyKind string

const (
	ReplyConfirm ReplyKind = "CONFIRM"
	ReplyModify  ReplyKind = "MODIFY"
	ReplyUnclear ReplyKind = "UNCLEAR"
)

// RenderSummary formats the schema for review. The output depends only on
// the schema and the scope.
func RenderSummary(s *models.Schema, scope Scope) string {
	slots := models.SlotOrder
	question := "Questa sequenza ti sembra descrivere bene l'esperienza? (Puoi dire 'sì' o indicare cosa modificare)"
	if scope == ScopeFirstPart {
		slots = models.FirstPartSlots
		question = "Questi primi elementi ti sembrano corretti? (Puoi dire 'sì' o indicare cosa modificare)"
	}

	var b strings.Builder
	b.WriteString("Ricapitolando questo ciclo che abbiamo ricostruito:\n\n")
	for _, slot := range slots {
		value := notIdentified
		if v, ok := s.Get(slot); ok {
			value = v
		}
		fmt.Fprintf(&b, "* **%s:** %s\n", slotLabels[slot], value)
	}
	b.WriteString("\n")
	b.WriteString(question)
	return b.String()
}

// scopeFor returns the summary scope shown at a checkpoint.
func scopeFor(checkpoint models.Phase) Scope {
	if checkpoint == models.PhaseConfirmFirstPart {
		return ScopeFirstPart
	}
	return ScopeFull
}

// ClassifyReply decides whether text confirms the summary, asks for a change,
// or neither. A modification keyword always beats an affirmation.
func ClassifyReply(text string) ReplyKind {
	if isModification(text) {
		return ReplyModify
	}
	if isAffirmation(text) {
		return ReplyConfirm
	}
	return ReplyUnclear
}

// AllowedEditSlots returns the slots that may be edited from a checkpoint.
// Only the first three slots exist at CONFIRM_FIRST_PART.
func AllowedEditSlots(origin models.Phase) []models.Slot {
	if origin == models.PhaseConfirmFirstPart {
		return models.FirstPartSlots
	}
	return models.SlotOrder
}

// ResolveEditTarget maps text onto one of the allowed slots.
func ResolveEditTarget(text string, allowed []models.Slot) (models.Slot, bool) {
	slot, ok := matchEditTarget(text)
	if !ok {
		return "", false
	}
	for _, a := range allowed {
		if a == slot {
			return slot, true
		}
	}
	slog.Debug("ResolveEditTarget: slot recognised but not allowed", "slot", slot)
	return "", false
}

// matchEditTarget finds the slot named in text, regardless of eligibility.
// The longest matching synonym wins.
func matchEditTarget(text string) (models.Slot, bool) {
	norm := normalize(text)
	var best models.Slot
	bestLen := 0
	for _, slot := range models.SlotOrder {
		for _, syn := range editSynonyms[slot] {
			if len(syn) > bestLen && containsPhrase(norm, syn) {
				best, bestLen = slot, len(syn)
			}
		}
	}
	return best, bestLen > 0
}

// inferOrigin picks a checkpoint when AWAIT_EDIT_TARGET lost its origin.
func inferOrigin(s *models.Schema) models.Phase {
	if s.Resolved(models.SlotSecondaryJudgment) || s.Resolved(models.SlotFutureStrategy) {
		return models.PhaseConfirmFullSchema
	}
	return models.PhaseConfirmFirstPart
}

func isCheckpoint(p models.Phase) bool {
	return p == models.PhaseConfirmFirstPart || p == models.PhaseConfirmFullSchema
}
