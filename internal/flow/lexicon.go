package flow

import (
	"strings"
	"unicode"

	"github.com/BTreeMap/SchemaPipe/internal/models"
)

// affirmations are the phrases accepted as a plain "yes".
var affirmations = []string{
	"sì", "si", "ok", "va bene", "certo", "yes", "yep", "volentieri", "procediamo",
	"iniziamo", "sono pronto", "sono pronta", "pronto", "pronta", "d'accordo",
	"esatto", "giusto", "confermo",
}

// modificationStems signal a change request wherever they appear in a word.
var modificationStems = []string{
	"modifi", "cambi", "aggiust", "corregg", "rivedere", "rivedi",
	"sbagliat", "errat", "non è", "non era", "non e'",
}

// modificationWords signal a change request only as whole words.
var modificationWords = []string{
	"no", "aspetta", "sbagliato", "errato", "diverso", "diversa", "cambia", "modifica",
	"precisare",
}

// explicitNegations close a slot when they make up the whole reply.
var explicitNegations = map[string]bool{
	"niente": true, "nulla": true, "nessuna": true, "nessuno": true, "none": true,
	"no": true, "non lo so": true, "boh": true, "nothing": true, "n/a": true, "-": true,
}

// hesitations are replies to the intro that carry no narrative.
var hesitations = map[string]bool{
	"no": true, "non": true, "non sono sicuro": true, "non sono sicura": true,
	"aspetta": true, "non ho capito": true, "perché": true, "non lo so": true,
	"non ricordo": true, "non credo": true, "boh": true,
}

// cancelPhrases abandon a pending edit.
var cancelPhrases = []string{"annulla", "lascia stare", "niente", "nessuno", "va bene così"}

// editSynonyms lists the words a user may use to name each slot.
var editSynonyms = map[models.Slot][]string{
	models.SlotTrigger: {
		"evento critico", "evento", "critico", "situazione", "trigger", "ec", "fattore scatenante",
	},
	models.SlotIntrusiveThought: {
		"ossessione", "pensiero intrusivo", "prima valutazione", "pv1", "pensiero", "dubbio",
	},
	models.SlotResponseAction: {
		"compulsione", "ts1", "reazione", "azione", "rituale", "risposta",
	},
	models.SlotSecondaryJudgment: {
		"seconda valutazione", "sv2", "giudizio", "valutazione secondaria",
	},
	models.SlotFutureStrategy: {
		"tentativo soluzione 2", "ts2", "soluzione 2", "evitamento ciclo", "strategia", "tentativo",
	},
}

// normalize lowercases text, keeps letters, digits and apostrophes, and
// collapses everything else into single spaces.
func normalize(text string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case r == '\'' || r == '’':
			b.WriteRune('\'')
			space = false
		default:
			if !space {
				b.WriteRune(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// containsPhrase reports whether phrase occurs in norm on word boundaries.
// Both arguments must already be normalized.
func containsPhrase(norm, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+norm+" ", " "+phrase+" ")
}

func isAffirmation(text string) bool {
	norm := normalize(text)
	for _, a := range affirmations {
		if containsPhrase(norm, normalize(a)) {
			return true
		}
	}
	return false
}

func isModification(text string) bool {
	norm := normalize(text)
	for _, stem := range modificationStems {
		if strings.Contains(norm, stem) {
			return true
		}
	}
	for _, w := range modificationWords {
		if containsPhrase(norm, w) {
			return true
		}
	}
	return false
}

// isExplicitNegation reports whether the whole reply states "nothing".
func isExplicitNegation(text string) bool {
	raw := strings.ToLower(strings.Trim(strings.TrimSpace(text), ".!?\"' "))
	return explicitNegations[raw] || explicitNegations[normalize(text)]
}

func isHesitation(text string) bool {
	return hesitations[normalize(text)] || isExplicitNegation(text)
}

func isCancel(text string) bool {
	norm := normalize(text)
	for _, p := range cancelPhrases {
		if containsPhrase(norm, normalize(p)) {
			return true
		}
	}
	return false
}

func wordCount(text string) int {
	return len(strings.Fields(normalize(text)))
}
