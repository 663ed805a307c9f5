package models

import "time"

// Phase identifies a state of the interview state machine.
type Phase string

const (
	PhaseStart                Phase = "START"
	PhaseIntro                Phase = "INTRO"
	PhaseGetNarrative         Phase = "GET_NARRATIVE"
	PhaseGetTrigger           Phase = "GET_TRIGGER"
	PhaseGetIntrusiveThought  Phase = "GET_INTRUSIVE_THOUGHT"
	PhaseGetResponseAction    Phase = "GET_RESPONSE_ACTION"
	PhaseConfirmFirstPart     Phase = "CONFIRM_FIRST_PART"
	PhaseGetSecondaryJudgment Phase = "GET_SECONDARY_JUDGMENT"
	PhaseGetFutureStrategy    Phase = "GET_FUTURE_STRATEGY"
	PhaseConfirmFullSchema    Phase = "CONFIRM_FULL_SCHEMA"
	PhaseAwaitEditTarget      Phase = "AWAIT_EDIT_TARGET"

	PhaseEditTrigger           Phase = "EDIT_TRIGGER"
	PhaseEditIntrusiveThought  Phase = "EDIT_INTRUSIVE_THOUGHT"
	PhaseEditResponseAction    Phase = "EDIT_RESPONSE_ACTION"
	PhaseEditSecondaryJudgment Phase = "EDIT_SECONDARY_JUDGMENT"
	PhaseEditFutureStrategy    Phase = "EDIT_FUTURE_STRATEGY"

	// Downstream macro-stages. Only their entry phases exist for now.
	PhaseRestructuringIntro Phase = "RESTRUCTURING_INTRO"
	PhaseERPIntro           Phase = "ERP_INTRO"
	PhaseACTIntro           Phase = "ACT_INTRO"
	PhaseDisgustIntro       Phase = "DISGUST_INTRO"
	PhaseRelapseIntro       Phase = "RELAPSE_INTRO"

	// PhaseError is entered only when the state cannot be repaired.
	PhaseError Phase = "ERROR"
)

// EditTarget records a pending edit: which slot is being rewritten and
// which confirmation checkpoint to return to afterwards.
type EditTarget struct {
	Slot     Slot  `json:"slot"`
	ReturnTo Phase `json:"return_to"`
}

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one entry of the conversation history.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// MaxHistoryMessages bounds the history kept in a ConversationState.
const MaxHistoryMessages = 30

// ConversationState is the unit of persistence across turns of one session.
type ConversationState struct {
	Phase         Phase         `json:"phase"`
	Schema        *Schema       `json:"schema"`
	EditingTarget *EditTarget   `json:"editing_target,omitempty"`
	OriginPhase   Phase         `json:"origin_phase,omitempty"`
	History       []ChatMessage `json:"history,omitempty"`
	Turn          int           `json:"turn"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewConversationState returns a fresh state at START with every slot unset.
func NewConversationState() *ConversationState {
	return &ConversationState{
		Phase:     PhaseStart,
		Schema:    NewSchema(),
		UpdatedAt: time.Now(),
	}
}

// Clone returns a deep copy of the state.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	c := *s
	c.Schema = s.Schema.Clone()
	if s.EditingTarget != nil {
		t := *s.EditingTarget
		c.EditingTarget = &t
	}
	if s.History != nil {
		c.History = append([]ChatMessage(nil), s.History...)
	}
	return &c
}

// IsEditFamily reports whether p belongs to the edit sub-flow.
func IsEditFamily(p Phase) bool {
	if p == PhaseAwaitEditTarget {
		return true
	}
	_, ok := EditPhaseSlot(p)
	return ok
}

// EditPhaseFor returns the EDIT_<slot> phase for slot.
func EditPhaseFor(slot Slot) Phase {
	switch slot {
	case SlotTrigger:
		return PhaseEditTrigger
	case SlotIntrusiveThought:
		return PhaseEditIntrusiveThought
	case SlotResponseAction:
		return PhaseEditResponseAction
	case SlotSecondaryJudgment:
		return PhaseEditSecondaryJudgment
	case SlotFutureStrategy:
		return PhaseEditFutureStrategy
	}
	return ""
}

// EditPhaseSlot returns the slot edited by an EDIT_<slot> phase.
func EditPhaseSlot(p Phase) (Slot, bool) {
	for _, slot := range SlotOrder {
		if EditPhaseFor(slot) == p {
			return slot, true
		}
	}
	return "", false
}

// Purge drops edit bookkeeping that does not belong to the current phase.
func (s *ConversationState) Purge() {
	if !IsEditFamily(s.Phase) {
		s.EditingTarget = nil
	}
	if s.Phase != PhaseAwaitEditTarget {
		s.OriginPhase = ""
	}
}

// AppendHistory records one exchange, keeping at most MaxHistoryMessages entries.
func (s *ConversationState) AppendHistory(user, assistant string) {
	if user != "" {
		s.History = append(s.History, ChatMessage{Role: ChatRoleUser, Content: user})
	}
	if assistant != "" {
		s.History = append(s.History, ChatMessage{Role: ChatRoleAssistant, Content: assistant})
	}
	if over := len(s.History) - MaxHistoryMessages; over > 0 {
		s.History = append([]ChatMessage(nil), s.History[over:]...)
	}
}
