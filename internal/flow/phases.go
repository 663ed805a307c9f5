package flow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BTreeMap/SchemaPipe/internal/models"
)

// ErrIncompleteRegistry is returned when the handler table does not cover the phase registry.
var ErrIncompleteRegistry = errors.New("incomplete phase registry")

// Family groups phases by the kind of work they do.
type Family string

const (
	FamilyAssessment   Family = "assessment"
	FamilyConfirmation Family = "confirmation"
	FamilyEdit         Family = "edit"
	FamilyStage        Family = "stage"
	FamilyTerminal     Family = "terminal"
)

// Workbook chapter keys used to ground replies.
const (
	TopicSchema        = "step_2_schema_funzionamento_doc"
	TopicRestructuring = "step_3_intervento_secondo_processo_ricorsivo"
	TopicERP           = "step_5_esposizione_ERP"
	TopicDisgust       = "step_6_anti_disgusto"
	TopicACT           = "step_7_ACT"
	TopicRelapse       = "step_9_prevenire_ricadute"
)

// PhaseInfo describes a phase of the interview.
type PhaseInfo struct {
	Family Family
	// Slot is the schema slot collected or edited in this phase, if any.
	Slot  models.Slot
	Topic string
	// Next lists the phases reachable in one step. Staying put is always allowed.
	Next []models.Phase
}

// Allows reports whether one dispatch step may move from one phase to another.
func (i PhaseInfo) Allows(from, to models.Phase) bool {
	if from == to {
		return true
	}
	for _, n := range i.Next {
		if n == to {
			return true
		}
	}
	return false
}

var checkpoints = []models.Phase{models.PhaseConfirmFirstPart, models.PhaseConfirmFullSchema}

var phaseRegistry = map[models.Phase]PhaseInfo{
	models.PhaseStart: {
		Family: FamilyAssessment, Topic: TopicSchema,
		Next: []models.Phase{models.PhaseIntro},
	},
	models.PhaseIntro: {
		Family: FamilyAssessment, Topic: TopicSchema,
		Next: []models.Phase{models.PhaseGetNarrative},
	},
	models.PhaseGetNarrative: {
		Family: FamilyAssessment, Topic: TopicSchema,
		Next: []models.Phase{
			models.PhaseGetTrigger, models.PhaseGetIntrusiveThought,
			models.PhaseGetResponseAction, models.PhaseConfirmFirstPart,
		},
	},
	models.PhaseGetTrigger: {
		Family: FamilyAssessment, Slot: models.SlotTrigger, Topic: TopicSchema,
		Next: []models.Phase{
			models.PhaseGetIntrusiveThought, models.PhaseGetResponseAction, models.PhaseConfirmFirstPart,
		},
	},
	models.PhaseGetIntrusiveThought: {
		Family: FamilyAssessment, Slot: models.SlotIntrusiveThought, Topic: TopicSchema,
		Next: []models.Phase{models.PhaseGetResponseAction, models.PhaseConfirmFirstPart},
	},
	models.PhaseGetResponseAction: {
		Family: FamilyAssessment, Slot: models.SlotResponseAction, Topic: TopicSchema,
		Next: []models.Phase{models.PhaseConfirmFirstPart},
	},
	models.PhaseConfirmFirstPart: {
		Family: FamilyConfirmation, Topic: TopicSchema,
		Next: []models.Phase{
			models.PhaseGetSecondaryJudgment, models.PhaseGetFutureStrategy,
			models.PhaseConfirmFullSchema, models.PhaseAwaitEditTarget,
		},
	},
	models.PhaseGetSecondaryJudgment: {
		Family: FamilyAssessment, Slot: models.SlotSecondaryJudgment, Topic: TopicSchema,
		Next: []models.Phase{models.PhaseGetFutureStrategy, models.PhaseConfirmFullSchema},
	},
	models.PhaseGetFutureStrategy: {
		Family: FamilyAssessment, Slot: models.SlotFutureStrategy, Topic: TopicSchema,
		Next: []models.Phase{models.PhaseConfirmFullSchema},
	},
	models.PhaseConfirmFullSchema: {
		Family: FamilyConfirmation, Topic: TopicSchema,
		Next: []models.Phase{models.PhaseRestructuringIntro, models.PhaseAwaitEditTarget},
	},
	models.PhaseAwaitEditTarget: {
		Family: FamilyEdit, Topic: TopicSchema,
		Next: append([]models.Phase{
			models.PhaseEditTrigger, models.PhaseEditIntrusiveThought, models.PhaseEditResponseAction,
			models.PhaseEditSecondaryJudgment, models.PhaseEditFutureStrategy,
		}, checkpoints...),
	},
	models.PhaseEditTrigger:           editInfo(models.SlotTrigger),
	models.PhaseEditIntrusiveThought:  editInfo(models.SlotIntrusiveThought),
	models.PhaseEditResponseAction:    editInfo(models.SlotResponseAction),
	models.PhaseEditSecondaryJudgment: editInfo(models.SlotSecondaryJudgment),
	models.PhaseEditFutureStrategy:    editInfo(models.SlotFutureStrategy),

	models.PhaseRestructuringIntro: stageInfo(TopicRestructuring, models.PhaseERPIntro),
	models.PhaseERPIntro:           stageInfo(TopicERP, models.PhaseDisgustIntro),
	models.PhaseDisgustIntro:       stageInfo(TopicDisgust, models.PhaseACTIntro),
	models.PhaseACTIntro:           stageInfo(TopicACT, models.PhaseRelapseIntro),
	models.PhaseRelapseIntro:       stageInfo(TopicRelapse, ""),

	models.PhaseError: {Family: FamilyTerminal},
}

func editInfo(slot models.Slot) PhaseInfo {
	return PhaseInfo{Family: FamilyEdit, Slot: slot, Topic: TopicSchema, Next: checkpoints}
}

func stageInfo(topic string, next models.Phase) PhaseInfo {
	info := PhaseInfo{Family: FamilyStage, Topic: topic}
	if next != "" {
		info.Next = []models.Phase{next}
	}
	return info
}

// stageOrder is the order in which the downstream macro-stages are proposed.
var stageOrder = []models.Phase{
	models.PhaseRestructuringIntro,
	models.PhaseERPIntro,
	models.PhaseDisgustIntro,
	models.PhaseACTIntro,
	models.PhaseRelapseIntro,
}

// Describe returns the descriptor of a registered phase.
func Describe(p models.Phase) (PhaseInfo, bool) {
	info, ok := phaseRegistry[p]
	return info, ok
}

// Phases returns every registered phase in lexical order.
func Phases() []models.Phase {
	return sortedPhases(phaseRegistry)
}

// TopicFor returns the workbook chapter key of p, or "" when it has none.
func TopicFor(p models.Phase) string {
	return phaseRegistry[p].Topic
}

// checkRegistry verifies that every registered phase has a handler, that no
// handler is registered for an unknown phase and that every transition
// target is itself registered.
func checkRegistry[H any](registry map[models.Phase]PhaseInfo, handlers map[models.Phase]H) error {
	for _, p := range sortedPhases(registry) {
		if _, ok := handlers[p]; !ok {
			return fmt.Errorf("%w: no handler for phase %s", ErrIncompleteRegistry, p)
		}
		for _, next := range registry[p].Next {
			if _, ok := registry[next]; !ok {
				return fmt.Errorf("%w: phase %s lists unknown transition target %s", ErrIncompleteRegistry, p, next)
			}
		}
	}
	for p := range handlers {
		if _, ok := registry[p]; !ok {
			return fmt.Errorf("%w: handler registered for unknown phase %s", ErrIncompleteRegistry, p)
		}
	}
	return nil
}

func sortedPhases(registry map[models.Phase]PhaseInfo) []models.Phase {
	out := make([]models.Phase, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
