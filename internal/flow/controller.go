// Package flow implements the phase-driven interview that reconstructs a
// functioning schema from the user's narrative.
//
// Controller.Process is the entry point: given the user's message and the
// current ConversationState it returns the reply and the next state, without
// mutating its input. Sessions serializes turns per session and persists
// state between them.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/BTreeMap/SchemaPipe/internal/genai"
	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/BTreeMap/SchemaPipe/internal/retrieval"
)

const (
	// DefaultCallBudget is the number of adapter calls allowed in one turn.
	DefaultCallBudget = 2
	// maxChainSteps bounds how many handlers may run in one turn.
	maxChainSteps = 3
	// maxAffirmationWords is the longest intro reply still read as a bare "yes".
	maxAffirmationWords = 4
)

var errCallBudgetExhausted = errors.New("adapter call budget exhausted")

// Opts holds configuration options for the Controller.
type Opts struct {
	Retriever             retrieval.Retriever
	ConversationalReplies bool
	CallBudget            int
}

// Option defines a configuration option for the Controller.
type Option func(*Opts)

// WithRetriever sets the passage retriever used to ground replies.
func WithRetriever(r retrieval.Retriever) Option {
	return func(o *Opts) { o.Retriever = r }
}

// WithConversationalReplies lets the model phrase questions using the history.
func WithConversationalReplies(enabled bool) Option {
	return func(o *Opts) { o.ConversationalReplies = enabled }
}

// WithCallBudget overrides the number of adapter calls allowed per turn.
func WithCallBudget(n int) Option {
	return func(o *Opts) { o.CallBudget = n }
}

type handler func(ctx context.Context, t *turn) error

// Controller is the dialogue state machine.
type Controller struct {
	gen            genai.ClientInterface
	retriever      retrieval.Retriever
	conversational bool
	callBudget     int
	handlers       map[models.Phase]handler
	now            func() time.Time
}

// NewController builds the handler table and verifies it covers every phase.
func NewController(gen genai.ClientInterface, opts ...Option) (*Controller, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator cannot be nil")
	}
	cfg := Opts{CallBudget: DefaultCallBudget}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Retriever == nil {
		cfg.Retriever = retrieval.NoopRetriever{}
	}
	if cfg.CallBudget <= 0 {
		cfg.CallBudget = DefaultCallBudget
	}

	c := &Controller{
		gen:            gen,
		retriever:      cfg.Retriever,
		conversational: cfg.ConversationalReplies,
		callBudget:     cfg.CallBudget,
		now:            time.Now,
	}
	c.handlers = map[models.Phase]handler{
		models.PhaseStart:                 c.handleStart,
		models.PhaseIntro:                 c.handleIntro,
		models.PhaseGetNarrative:          c.handleNarrative,
		models.PhaseGetTrigger:            c.handleCollect,
		models.PhaseGetIntrusiveThought:   c.handleCollect,
		models.PhaseGetResponseAction:     c.handleCollect,
		models.PhaseConfirmFirstPart:      c.handleCheckpoint,
		models.PhaseGetSecondaryJudgment:  c.handleSecondaryJudgment,
		models.PhaseGetFutureStrategy:     c.handleFutureStrategy,
		models.PhaseConfirmFullSchema:     c.handleCheckpoint,
		models.PhaseAwaitEditTarget:       c.handleAwaitEditTarget,
		models.PhaseEditTrigger:           c.handleEdit,
		models.PhaseEditIntrusiveThought:  c.handleEdit,
		models.PhaseEditResponseAction:    c.handleEdit,
		models.PhaseEditSecondaryJudgment: c.handleEdit,
		models.PhaseEditFutureStrategy:    c.handleEdit,
		models.PhaseError:                 c.handleError,
	}
	for _, p := range stageOrder {
		c.handlers[p] = c.handleStage
	}
	if err := checkRegistry(phaseRegistry, c.handlers); err != nil {
		return nil, err
	}
	slog.Debug("NewController: handler table verified", "phases", len(c.handlers), "conversational", c.conversational, "call_budget", c.callBudget)
	return c, nil
}

// turn carries the working state of one Process call.
type turn struct {
	state  *models.ConversationState
	input  string
	reply  string
	chain  bool
	calls  int
	budget int
	gen    genai.ClientInterface
}

func (t *turn) budgetLeft() bool {
	return t.calls < t.budget
}

// generate calls the adapter, refusing once the turn's budget is spent.
func (t *turn) generate(ctx context.Context, instruction string, history []models.ChatMessage) (string, error) {
	if !t.budgetLeft() {
		return "", errCallBudgetExhausted
	}
	t.calls++
	return t.gen.Generate(ctx, instruction, history)
}

// Process runs one turn. The input state is never mutated; on internal
// failure the original state is returned together with an apology.
func (c *Controller) Process(ctx context.Context, userMessage string, state *models.ConversationState) (reply string, next *models.ConversationState) {
	if state == nil {
		slog.Warn("Controller.Process: nil state, starting a new conversation")
		state = models.NewConversationState()
	}
	original := state
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Controller.Process: recovered from panic", "panic", r, "phase", original.Phase, "stack", string(debug.Stack()))
			reply, next = apologyReply, original
		}
	}()

	t := &turn{
		state:  state.Clone(),
		input:  strings.TrimSpace(userMessage),
		budget: c.callBudget,
		gen:    c.gen,
	}
	before := t.state.Phase
	slog.Debug("Controller.Process: dispatching", "phase", before, "turn", t.state.Turn, "input_length", len(t.input))

	if err := c.run(ctx, t); err != nil {
		slog.Error("Controller.Process: turn failed, keeping previous state", "error", err, "phase", before)
		return apologyReply, original
	}

	t.state.Purge()
	t.state.AppendHistory(t.input, t.reply)
	t.state.Turn++
	t.state.UpdatedAt = c.now()
	slog.Debug("Controller.Process: turn complete", "from", before, "to", t.state.Phase, "calls", t.calls)
	return t.reply, t.state
}

// run repairs the working state and dispatches through the handler table,
// following chained phases and validating every step.
func (c *Controller) run(ctx context.Context, t *turn) error {
	if t.state.Schema == nil {
		slog.Warn("Controller.run: schema missing, reinitializing", "phase", t.state.Phase)
		t.state.Schema = models.NewSchema()
		if needsTrigger(t.state.Phase) {
			t.state.Phase = models.PhaseGetTrigger
			t.state.EditingTarget = nil
			t.state.OriginPhase = ""
			t.reply = schemaLostReply + slotPrompt(models.SlotTrigger, t.state.Schema)
			return nil
		}
	}

	if _, ok := phaseRegistry[t.state.Phase]; !ok {
		slog.Warn("Controller.run: unknown phase", "phase", t.state.Phase)
		t.state.Phase = models.PhaseError
		t.reply = errorPhaseReply
		return nil
	}

	for step := 0; step < maxChainSteps; step++ {
		from := t.state.Phase
		h, ok := c.handlers[from]
		if !ok {
			return fmt.Errorf("no handler for phase %s", from)
		}
		t.chain = false
		if err := h(ctx, t); err != nil {
			return fmt.Errorf("failed to handle phase %s: %w", from, err)
		}
		to := t.state.Phase
		if !phaseRegistry[from].Allows(from, to) {
			return fmt.Errorf("disallowed transition %s -> %s", from, to)
		}
		slog.Debug("Controller.run: transition", "from", from, "to", to, "chained", t.chain)
		if !t.chain {
			return nil
		}
	}
	return fmt.Errorf("phase chain exceeded %d steps", maxChainSteps)
}

// needsTrigger reports whether a phase cannot continue once the schema is lost.
func needsTrigger(p models.Phase) bool {
	info, ok := phaseRegistry[p]
	if !ok {
		return false
	}
	switch info.Family {
	case FamilyConfirmation, FamilyEdit:
		return true
	case FamilyAssessment:
		return info.Slot != "" && info.Slot != models.SlotTrigger
	}
	return false
}

// ask sets the reply to task, phrased by the model when enabled.
func (c *Controller) ask(ctx context.Context, t *turn, task string) error {
	reply, err := c.phrase(ctx, t, task)
	if err != nil {
		return err
	}
	t.reply = reply
	return nil
}

// phrase rewrites a templated question conversationally. It is skipped when
// disabled or when the turn has no calls left; an empty result keeps the template.
func (c *Controller) phrase(ctx context.Context, t *turn, task string) (string, error) {
	if !c.conversational || !t.budgetLeft() {
		return task, nil
	}
	out, err := t.generate(ctx, phraseInstruction(t.state.Phase, t.state.Schema, task), t.state.History)
	if err != nil {
		return "", fmt.Errorf("failed to phrase reply: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		slog.Warn("Controller.phrase: empty phrasing, using template", "phase", t.state.Phase)
		return task, nil
	}
	return strings.TrimSpace(out), nil
}

func (c *Controller) handleStart(ctx context.Context, t *turn) error {
	t.state.Phase = models.PhaseIntro
	t.reply = startReply
	return nil
}

func (c *Controller) handleIntro(ctx context.Context, t *turn) error {
	t.state.Phase = models.PhaseGetNarrative
	switch {
	case t.input == "", isHesitation(t.input):
		return c.ask(ctx, t, openNarrativePrompt)
	case ClassifyReply(t.input) == ReplyConfirm && wordCount(t.input) <= maxAffirmationWords:
		return c.ask(ctx, t, openNarrativePrompt)
	default:
		// The user is already telling the story.
		t.chain = true
		return nil
	}
}

func (c *Controller) handleNarrative(ctx context.Context, t *turn) error {
	if t.input == "" {
		t.reply = emptyInputReply + openNarrativePrompt
		return nil
	}
	c.extractNarrative(ctx, t, t.input)
	return c.advanceFirstPart(ctx, t)
}

// handleCollect stores one first-part slot asked on its own.
func (c *Controller) handleCollect(ctx context.Context, t *turn) error {
	s := t.state.Schema
	slot := phaseRegistry[t.state.Phase].Slot
	if t.input == "" {
		t.reply = emptyInputReply + slotPrompt(slot, s)
		return nil
	}
	s.Set(slot, c.summarize(ctx, t, slot, t.input))
	return c.advanceFirstPart(ctx, t)
}

func (c *Controller) advanceFirstPart(ctx context.Context, t *turn) error {
	s := t.state.Schema
	next := nextFirstPartPhase(s)
	t.state.Phase = next
	if next == models.PhaseConfirmFirstPart {
		t.reply = RenderSummary(s, ScopeFirstPart)
		return nil
	}
	return c.ask(ctx, t, slotPrompt(phaseRegistry[next].Slot, s))
}

func (c *Controller) advanceLate(ctx context.Context, t *turn) error {
	s := t.state.Schema
	next := nextLatePhase(s)
	t.state.Phase = next
	if next == models.PhaseConfirmFullSchema {
		t.reply = RenderSummary(s, ScopeFull)
		return nil
	}
	return c.ask(ctx, t, slotPrompt(phaseRegistry[next].Slot, s))
}

func (c *Controller) handleSecondaryJudgment(ctx context.Context, t *turn) error {
	s := t.state.Schema
	slot := models.SlotSecondaryJudgment
	if t.input == "" {
		t.reply = emptyInputReply + slotPrompt(slot, s)
		return nil
	}

	verdict, classified := c.validateSecondaryJudgment(ctx, t, t.input)
	switch verdict {
	case VerdictExplicitNegative:
		s.Negate(slot)
		return c.advanceLate(ctx, t)
	case VerdictValid:
		s.Set(slot, c.summarize(ctx, t, slot, t.input))
		return c.advanceLate(ctx, t)
	}

	if !classified {
		t.reply = secondaryJudgmentClarification
		return nil
	}
	return c.clarify(ctx, t)
}

// clarify asks again for a secondary judgment, grounded on workbook passages.
func (c *Controller) clarify(ctx context.Context, t *turn) error {
	query := "seconda valutazione giudizio emozione " + t.input
	passages := c.retriever.Search(ctx, query, TopicFor(t.state.Phase), retrieval.DefaultTopK)
	if !t.budgetLeft() {
		t.reply = secondaryJudgmentClarification
		return nil
	}
	out, err := t.generate(ctx, clarifyInstruction(t.input, passages), nil)
	if err != nil {
		return fmt.Errorf("failed to generate clarification: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		slog.Warn("Controller.clarify: empty clarification, using template")
		t.reply = secondaryJudgmentClarification
		return nil
	}
	slog.Debug("Controller.clarify: grounded clarification generated", "passages", len(passages))
	t.reply = strings.TrimSpace(out)
	return nil
}

func (c *Controller) handleFutureStrategy(ctx context.Context, t *turn) error {
	s := t.state.Schema
	slot := models.SlotFutureStrategy
	if t.input == "" {
		t.reply = emptyInputReply + slotPrompt(slot, s)
		return nil
	}
	if isExplicitNegation(t.input) {
		s.Negate(slot)
	} else {
		s.Set(slot, c.summarize(ctx, t, slot, t.input))
	}
	t.state.Phase = models.PhaseConfirmFullSchema
	t.reply = RenderSummary(s, ScopeFull)
	return nil
}

// handleCheckpoint serves both confirmation checkpoints. An unclear reply
// redisplays the same summary and never re-runs extraction.
func (c *Controller) handleCheckpoint(ctx context.Context, t *turn) error {
	s := t.state.Schema
	checkpoint := t.state.Phase
	kind := ClassifyReply(t.input)
	slog.Debug("Controller.handleCheckpoint: reply classified", "checkpoint", checkpoint, "kind", kind)

	switch kind {
	case ReplyConfirm:
		if checkpoint == models.PhaseConfirmFirstPart {
			return c.advanceLate(ctx, t)
		}
		t.state.Phase = models.PhaseRestructuringIntro
		t.reply = restructuringProposal
	case ReplyModify:
		t.state.Phase = models.PhaseAwaitEditTarget
		t.state.OriginPhase = checkpoint
		t.reply = fmt.Sprintf(awaitEditTargetReply, quoteList(AllowedEditSlots(checkpoint)))
	default:
		t.reply = fmt.Sprintf(unclearConfirmationReply, RenderSummary(s, scopeFor(checkpoint)))
	}
	return nil
}

func (c *Controller) handleAwaitEditTarget(ctx context.Context, t *turn) error {
	s := t.state.Schema
	origin := t.state.OriginPhase
	if !isCheckpoint(origin) {
		origin = inferOrigin(s)
		slog.Warn("Controller.handleAwaitEditTarget: origin phase missing, inferred", "origin", origin)
		t.state.OriginPhase = origin
	}
	allowed := AllowedEditSlots(origin)

	if named, ok := matchEditTarget(t.input); ok {
		slot, ok := ResolveEditTarget(t.input, allowed)
		if !ok {
			t.reply = fmt.Sprintf(editTargetNotYetReply, slotNames[named], quoteList(allowed))
			return nil
		}
		t.state.EditingTarget = &models.EditTarget{Slot: slot, ReturnTo: origin}
		t.state.Phase = models.EditPhaseFor(slot)
		return c.ask(ctx, t, editPrompt(slot, s))
	}
	if isCancel(t.input) {
		t.state.Phase = origin
		t.reply = RenderSummary(s, scopeFor(origin))
		return nil
	}
	t.reply = fmt.Sprintf(unknownEditTargetReply, quoteList(allowed))
	return nil
}

// handleEdit stores the new value of the slot being edited and returns to
// the checkpoint that asked for the edit.
func (c *Controller) handleEdit(ctx context.Context, t *turn) error {
	s := t.state.Schema
	slot, _ := models.EditPhaseSlot(t.state.Phase)
	target := t.state.EditingTarget
	if target == nil || target.Slot != slot || !isCheckpoint(target.ReturnTo) {
		checkpoint := inferOrigin(s)
		if target != nil && isCheckpoint(target.ReturnTo) {
			checkpoint = target.ReturnTo
		}
		slog.Warn("Controller.handleEdit: inconsistent edit target, restoring checkpoint", "phase", t.state.Phase, "target", target, "checkpoint", checkpoint)
		t.state.Phase = checkpoint
		t.reply = editInconsistencyReply + RenderSummary(s, scopeFor(checkpoint))
		return nil
	}
	if t.input == "" {
		t.reply = emptyInputReply + editPrompt(slot, s)
		return nil
	}

	optional := slot == models.SlotSecondaryJudgment || slot == models.SlotFutureStrategy
	if optional && isExplicitNegation(t.input) {
		s.Negate(slot)
	} else {
		s.Set(slot, c.summarize(ctx, t, slot, t.input))
	}
	t.state.Phase = target.ReturnTo
	t.reply = RenderSummary(s, scopeFor(target.ReturnTo))
	slog.Debug("Controller.handleEdit: slot updated", "slot", slot, "return_to", target.ReturnTo)
	return nil
}

func (c *Controller) handleError(ctx context.Context, t *turn) error {
	t.reply = errorPhaseReply
	return nil
}
