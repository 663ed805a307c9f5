package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/SchemaPipe/internal/models"
)

// The downstream macro-stages are placeholders: they report where the user
// is and, when the index has something relevant, quote the workbook.

var stageNames = map[models.Phase]string{
	models.PhaseRestructuringIntro: "Ristrutturazione Cognitiva",
	models.PhaseERPIntro:           "Esposizione e Prevenzione della Risposta (ERP)",
	models.PhaseDisgustIntro:       "Intervento Anti-Disgusto",
	models.PhaseACTIntro:           "Accettazione e Valori (ACT)",
	models.PhaseRelapseIntro:       "Gestione della Vulnerabilità e Ricadute",
}

// advancePhrases move the user on to the next macro-stage.
var advancePhrases = []string{"avanti", "prossima fase", "fase successiva", "continuiamo", "andiamo avanti"}

const stageExcerptRunes = 300

func (c *Controller) handleStage(ctx context.Context, t *turn) error {
	if wantsNextStage(t.input) {
		if next := nextStage(t.state.Phase); next != "" {
			t.state.Phase = next
		}
	}
	t.reply = c.stageReply(ctx, t.state.Phase, t.input)
	return nil
}

func (c *Controller) stageReply(ctx context.Context, phase models.Phase, input string) string {
	name := stageNames[phase]
	var b strings.Builder
	fmt.Fprintf(&b, "Siamo nella fase di %s ('%s'), ma questa parte non è ancora stata sviluppata nel dettaglio.", name, phase)

	if hits := c.retriever.Search(ctx, name+" "+input, TopicFor(phase), 1); len(hits) > 0 {
		fmt.Fprintf(&b, "\n\nDal materiale di supporto: %s", excerpt(hits[0].Content, stageExcerptRunes))
	}
	if nextStage(phase) != "" {
		b.WriteString("\n\nCosa vorresti fare? Puoi scrivere 'avanti' per passare alla fase successiva.")
	} else {
		b.WriteString("\n\nCosa vorresti fare?")
	}
	return b.String()
}

func wantsNextStage(text string) bool {
	norm := normalize(text)
	for _, p := range advancePhrases {
		if containsPhrase(norm, p) {
			return true
		}
	}
	return false
}

// nextStage returns the macro-stage after p, or "" for the last one.
func nextStage(p models.Phase) models.Phase {
	for i, s := range stageOrder {
		if s == p && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return ""
}
