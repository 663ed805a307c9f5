package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/BTreeMap/SchemaPipe/internal/retrieval"
)

func TestCheckRegistryDetectsGaps(t *testing.T) {
	c := newTestController(t, newFakeGen())

	partial := make(map[models.Phase]handler, len(c.handlers))
	for p, h := range c.handlers {
		partial[p] = h
	}
	delete(partial, models.PhaseEditFutureStrategy)
	if err := checkRegistry(phaseRegistry, partial); !errors.Is(err, ErrIncompleteRegistry) {
		t.Errorf("missing handler: expected ErrIncompleteRegistry, got %v", err)
	}

	extra := map[models.Phase]bool{"ASSESSMENT_COMPLETE": true}
	for p := range phaseRegistry {
		extra[p] = true
	}
	if err := checkRegistry(phaseRegistry, extra); !errors.Is(err, ErrIncompleteRegistry) {
		t.Errorf("unknown handler: expected ErrIncompleteRegistry, got %v", err)
	}

	dangling := map[models.Phase]PhaseInfo{
		models.PhaseStart: {Next: []models.Phase{models.PhaseIntro}},
	}
	handlers := map[models.Phase]bool{models.PhaseStart: true}
	if err := checkRegistry(dangling, handlers); !errors.Is(err, ErrIncompleteRegistry) {
		t.Errorf("dangling target: expected ErrIncompleteRegistry, got %v", err)
	}
}

func TestRegistryCoversEveryPhase(t *testing.T) {
	phases := Phases()
	if len(phases) != 22 {
		t.Errorf("expected 22 registered phases, got %d", len(phases))
	}
	for _, p := range phases {
		info, _ := Describe(p)
		if info.Family == FamilyEdit && p != models.PhaseAwaitEditTarget {
			if slot, ok := models.EditPhaseSlot(p); !ok || slot != info.Slot {
				t.Errorf("%s: edit slot mismatch", p)
			}
		}
	}
	if _, ok := Describe("NOPE"); ok {
		t.Error("unknown phase must not be described")
	}
}

func TestAllows(t *testing.T) {
	info, _ := Describe(models.PhaseConfirmFullSchema)
	if !info.Allows(models.PhaseConfirmFullSchema, models.PhaseConfirmFullSchema) {
		t.Error("staying put must be allowed")
	}
	if !info.Allows(models.PhaseConfirmFullSchema, models.PhaseAwaitEditTarget) {
		t.Error("full schema must reach AWAIT_EDIT_TARGET")
	}
	if info.Allows(models.PhaseConfirmFullSchema, models.PhaseGetTrigger) {
		t.Error("full schema must not jump back to GET_TRIGGER")
	}
}

func TestStageChain(t *testing.T) {
	r := &fakeRetriever{passages: []retrieval.Passage{{Content: "L'esposizione graduale riduce l'ansia nel tempo."}}}
	c := newTestController(t, newFakeGen(), WithRetriever(r))
	ctx := context.Background()

	reply, s := c.Process(ctx, "ok, ci sto", stateAt(models.PhaseRestructuringIntro, fullSchema()))
	if s.Phase != models.PhaseRestructuringIntro {
		t.Fatalf("expected to stay in RESTRUCTURING_INTRO, got %s", s.Phase)
	}
	if !strings.Contains(reply, "Ristrutturazione Cognitiva") || !strings.Contains(reply, "'avanti'") {
		t.Errorf("unexpected stage reply %q", reply)
	}
	if !strings.Contains(reply, "esposizione graduale") {
		t.Errorf("stage reply should quote the retrieved passage, got %q", reply)
	}

	want := []models.Phase{models.PhaseERPIntro, models.PhaseDisgustIntro, models.PhaseACTIntro, models.PhaseRelapseIntro, models.PhaseRelapseIntro}
	for _, phase := range want {
		reply, s = c.Process(ctx, "andiamo avanti", s)
		if s.Phase != phase {
			t.Fatalf("expected %s, got %s", phase, s.Phase)
		}
	}
	if strings.Contains(reply, "'avanti'") {
		t.Error("the last stage must not offer to move on")
	}
	if r.topics[len(r.topics)-1] != TopicRelapse {
		t.Errorf("expected search on %s, got %v", TopicRelapse, r.topics)
	}
}
