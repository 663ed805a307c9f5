package models

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Slot names one field of the functioning schema collected during the interview.
type Slot string

const (
	// SlotTrigger is the critical event that started the cycle.
	SlotTrigger Slot = "trigger"
	// SlotIntrusiveThought is the first appraisal: the thought, doubt or image raised by the trigger.
	SlotIntrusiveThought Slot = "intrusive_thought"
	// SlotResponseAction is the first coping attempt (the compulsion).
	SlotResponseAction Slot = "response_action"
	// SlotSecondaryJudgment is the second appraisal about the cycle itself or its consequences.
	SlotSecondaryJudgment Slot = "secondary_judgment"
	// SlotFutureStrategy is the second coping attempt: a plan to avoid or alter the cycle.
	SlotFutureStrategy Slot = "future_strategy"
)

// SlotOrder is the fixed priority order used by FirstMissing.
var SlotOrder = []Slot{
	SlotTrigger,
	SlotIntrusiveThought,
	SlotResponseAction,
	SlotSecondaryJudgment,
	SlotFutureStrategy,
}

// FirstPartSlots are the slots reviewed at the first confirmation checkpoint.
var FirstPartSlots = SlotOrder[:3]

// slotAliases maps the workbook codes onto slot names.
var slotAliases = map[string]Slot{
	"ec":  SlotTrigger,
	"pv1": SlotIntrusiveThought,
	"ts1": SlotResponseAction,
	"sv2": SlotSecondaryJudgment,
	"ts2": SlotFutureStrategy,
}

// IsValid reports whether s is one of the five schema slots.
func (s Slot) IsValid() bool {
	for _, known := range SlotOrder {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSlot resolves a slot name or workbook code (e.g. "pv1").
func ParseSlot(name string) (Slot, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if s := Slot(key); s.IsValid() {
		return s, nil
	}
	if s, ok := slotAliases[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown schema slot %q", name)
}

// SlotStatus distinguishes an unset slot from a filled or explicitly negated one.
type SlotStatus string

const (
	SlotUnset   SlotStatus = ""
	SlotFilled  SlotStatus = "filled"
	SlotNegated SlotStatus = "negated"
)

// SlotValue holds the content of a single slot.
type SlotValue struct {
	Text   string     `json:"text,omitempty"`
	Status SlotStatus `json:"status,omitempty"`
}

// Schema is the structured record assembled from the user's narrative.
// An unset slot may still be asked for; a negated slot is closed for the current cycle.
type Schema struct {
	slots map[Slot]SlotValue
}

// NewSchema returns a schema with every slot unset.
func NewSchema() *Schema {
	return &Schema{slots: make(map[Slot]SlotValue, len(SlotOrder))}
}

// Get returns the text stored in slot. Unset and negated slots both report ok=false.
func (s *Schema) Get(slot Slot) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.slots[slot]
	if !ok || v.Status != SlotFilled {
		return "", false
	}
	return v.Text, true
}

// Set stores value in slot. Blank values are recorded as explicit negatives.
func (s *Schema) Set(slot Slot, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		s.Negate(slot)
		return
	}
	s.ensure()
	s.slots[slot] = SlotValue{Text: value, Status: SlotFilled}
}

// Negate records that the user stated the slot has no content.
func (s *Schema) Negate(slot Slot) {
	s.ensure()
	s.slots[slot] = SlotValue{Status: SlotNegated}
}

// Clear returns slot to the unset state so it can be asked for again.
func (s *Schema) Clear(slot Slot) {
	if s == nil || s.slots == nil {
		return
	}
	delete(s.slots, slot)
}

// Status reports whether slot is unset, filled or negated.
func (s *Schema) Status(slot Slot) SlotStatus {
	if s == nil {
		return SlotUnset
	}
	return s.slots[slot].Status
}

// Resolved reports whether slot is filled or explicitly negated.
func (s *Schema) Resolved(slot Slot) bool {
	return s.Status(slot) != SlotUnset
}

// Clone returns an independent copy of the schema.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	c := NewSchema()
	for k, v := range s.slots {
		c.slots[k] = v
	}
	return c
}

func (s *Schema) ensure() {
	if s.slots == nil {
		s.slots = make(map[Slot]SlotValue, len(SlotOrder))
	}
}

// FirstMissing returns the first unresolved slot in priority order.
// A nil schema is treated as missing its trigger.
func FirstMissing(s *Schema) (Slot, bool) {
	if s == nil {
		slog.Warn("Schema.FirstMissing: schema missing, treating trigger as missing")
		return SlotTrigger, true
	}
	for _, slot := range SlotOrder {
		if !s.Resolved(slot) {
			return slot, true
		}
	}
	return "", false
}

// MarshalJSON encodes the schema as an object keyed by slot name.
func (s *Schema) MarshalJSON() ([]byte, error) {
	out := make(map[Slot]SlotValue, len(SlotOrder))
	if s != nil {
		for _, slot := range SlotOrder {
			if v, ok := s.slots[slot]; ok && v.Status != SlotUnset {
				out[slot] = v
			}
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a schema, accepting workbook codes as keys.
// Unknown keys are dropped with a warning. A schema of the wrong shape
// decodes as all-unset so the state that carries it stays loadable.
func (s *Schema) UnmarshalJSON(data []byte) error {
	s.slots = make(map[Slot]SlotValue, len(SlotOrder))
	var raw map[string]SlotValue
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("Schema.UnmarshalJSON: malformed schema, resetting to all-unset", "error", err)
		return nil
	}
	for key, v := range raw {
		slot, err := ParseSlot(key)
		if err != nil {
			slog.Warn("Schema.UnmarshalJSON: dropping unknown slot", "key", key)
			continue
		}
		switch v.Status {
		case SlotFilled:
			if strings.TrimSpace(v.Text) == "" {
				continue
			}
		case SlotNegated:
			v.Text = ""
		default:
			continue
		}
		s.slots[slot] = v
	}
	return nil
}
