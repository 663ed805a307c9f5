package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	"github.com/BTreeMap/SchemaPipe/internal/retrieval"
)

// IntroMessage is shown when a session is created or reset.
const IntroMessage = `Ciao! Sono un assistente conversazionale per supportarti nella gestione del Disturbo Ossessivo-Compulsivo (DOC), basandomi su principi e tecniche di terapia cognitivo-comportamentale (TCC).

Il nostro percorso insieme si strutturerà indicativamente così:
1.  **Valutazione:** Inizieremo con un esempio concreto per capire meglio come funziona il DOC per te e ricostruiremo insieme lo schema di funzionamento (Evento Critico, Ossessione, Compulsione, Valutazioni).
2.  **Ristrutturazione Cognitiva:** Esploreremo i pensieri e le valutazioni che alimentano il ciclo del DOC.
3.  **Esposizione e Prevenzione della Risposta (ERP):** Impareremo tecniche pratiche per affrontare le paure e ridurre le compulsioni.
4.  **Accettazione e Valori (ACT):** Vedremo come gestire i pensieri difficili e vivere secondo ciò che più conta per te.
5.  **Gestione della Vulnerabilità e Ricadute:** Impareremo a riconoscere e gestire i momenti di difficoltà.

**Nota Importante:** Questo strumento è un supporto psicoeducativo e NON sostituisce un terapeuta umano qualificato.

Sei pronto/a per iniziare questo percorso insieme? (Puoi rispondere 'sì', 'ok' o iniziare a raccontare un esempio)`

// User-facing texts.
const (
	startReply = "Ottimo, iniziamo! Per capire meglio come aiutarti, vorrei guidarti nella costruzione del tuo 'Schema di Funzionamento' personale. " +
		"Analizzeremo insieme una situazione specifica per vedere come si attiva il ciclo del DOC. Sei d'accordo se ti chiedo di raccontarmi un esempio?"

	openNarrativePrompt = "Perfetto. Allora, prova a raccontarmi una situazione concreta e recente in cui hai provato ansia, disagio o hai avuto pensieri " +
		"che ti preoccupavano legati al DOC. Descrivi semplicemente cosa è successo e cosa hai pensato o fatto."

	emptyInputReply = "Non ho ricevuto nessun testo. "

	apologyReply = "Mi dispiace, si è verificato un problema tecnico. Prova a riformulare il messaggio oppure scrivi /reset per ricominciare."

	errorPhaseReply = "Mi dispiace, la conversazione si trova in uno stato che non riesco a gestire. Scrivi /reset per ricominciare da capo."

	schemaLostReply = "Scusa, ho perso traccia dello schema che stavamo costruendo. Ripartiamo dall'inizio del ciclo: "

	editInconsistencyReply = "Scusa, si è verificato un problema tecnico durante la modifica. Rivediamo lo schema com'era prima:\n\n"

	unclearConfirmationReply = "Scusa, non ho capito bene. Ricontrolliamo lo schema:\n\n%s\n\nVa bene così com'è? Dimmi 'sì' se è corretto, oppure indica quale parte vuoi cambiare."

	restructuringProposal = "Ottimo, grazie per la conferma! Avere chiaro questo schema è un passo importante.\n\n" +
		"Ora che abbiamo definito un esempio del ciclo, possiamo iniziare ad approfondire le valutazioni e i pensieri che lo mantengono. " +
		"Ti andrebbe di passare alla fase successiva, chiamata **Ristrutturazione Cognitiva**?"

	unknownEditTargetReply = "Non ho capito bene quale punto vuoi modificare. Puoi ripeterlo usando uno di questi termini: %s?"

	editTargetNotYetReply = "Il punto '%s' non è ancora stato raccolto, quindi non si può modificare adesso. Puoi scegliere tra: %s."

	awaitEditTargetReply = "Certamente. Quale parte specifica dello schema vuoi modificare o precisare? (Puoi indicare %s)."

	secondaryJudgmentClarification = "Capisco. Quello che descrivi sembra più un'emozione o un'azione. Mi interessa invece cosa hai **pensato** o **giudicato** " +
		"riguardo a quello che stava succedendo, all'ossessione o alla compulsione (per esempio: \"non riuscirò mai a smettere\" oppure \"sono responsabile se succede qualcosa\"). " +
		"Se non c'è stato nessun giudizio di questo tipo, puoi rispondere 'niente'."
)

var slotNames = map[models.Slot]string{
	models.SlotTrigger:           "Evento Critico",
	models.SlotIntrusiveThought:  "Ossessione",
	models.SlotResponseAction:    "Compulsione",
	models.SlotSecondaryJudgment: "Seconda Valutazione",
	models.SlotFutureStrategy:    "Tentativo Soluzione 2",
}

var slotLabels = map[models.Slot]string{
	models.SlotTrigger:           "Evento Critico (EC)",
	models.SlotIntrusiveThought:  "Ossessione (PV1)",
	models.SlotResponseAction:    "Compulsione (TS1)",
	models.SlotSecondaryJudgment: "Seconda Valutazione (SV2)",
	models.SlotFutureStrategy:    "Tentativo Soluzione 2 (TS2 - Evitamento Ciclo)",
}

// quoteList renders slot names as 'A', 'B' o 'C'.
func quoteList(slots []models.Slot) string {
	parts := make([]string, len(slots))
	for i, s := range slots {
		parts[i] = "'" + slotNames[s] + "'"
	}
	if len(parts) <= 1 {
		return strings.Join(parts, "")
	}
	return strings.Join(parts[:len(parts)-1], ", ") + " o " + parts[len(parts)-1]
}

// excerpt shortens text to at most n runes, marking the cut.
func excerpt(text string, n int) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= n {
		return string(r)
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}

// slotPrompt is the question asking for slot, given what was collected so far.
func slotPrompt(slot models.Slot, s *models.Schema) string {
	get := func(sl models.Slot, n int) string {
		v, _ := s.Get(sl)
		return excerpt(v, n)
	}
	switch slot {
	case models.SlotTrigger:
		return "Raccontami la situazione specifica che ha dato inizio al ciclo: qual è stato l'**Evento Critico**? (es. uscire di casa, toccare una maniglia, vedere una certa immagine)"
	case models.SlotIntrusiveThought:
		return fmt.Sprintf("Grazie. L'Evento Critico sembra essere '%s'. Ora, potresti descrivere specificamente qual è stato il primo **pensiero, immagine, dubbio o paura (l'Ossessione)** che hai avuto in *quel momento*?", get(models.SlotTrigger, 100))
	case models.SlotResponseAction:
		return fmt.Sprintf("Capito. Dopo l'Evento Critico ('%s') hai avuto l'Ossessione '%s'. Cosa hai fatto, pensato o sentito *subito dopo* **per rispondere a questa ossessione e cercare di gestirla (la Compulsione)?** (es: azione fisica, pensiero specifico, rituale mentale, rassicurazione, evitamento).",
			get(models.SlotTrigger, 80), get(models.SlotIntrusiveThought, 100))
	case models.SlotSecondaryJudgment:
		return fmt.Sprintf("Bene. Subito **dopo** l'Ossessione ('%s') o la Compulsione ('%s'), cosa hai **PENSATO** o **GIUDICATO** riguardo a quello che stava succedendo, all'ossessione stessa o alla compulsione? Cerchiamo la **Seconda Valutazione**, non solo l'emozione.",
			get(models.SlotIntrusiveThought, 80), get(models.SlotResponseAction, 80))
	case models.SlotFutureStrategy:
		lead := "Capito (Seconda Valutazione non significativa)."
		if v, ok := s.Get(models.SlotSecondaryJudgment); ok {
			lead = fmt.Sprintf("Capito (Seconda Valutazione: '%s').", excerpt(v, 80))
		}
		return lead + " Ora l'ultimo punto per questo esempio: il **Tentativo di Soluzione 2**. C'è stata qualche strategia o intenzione futura per **evitare situazioni simili**, **prevenire l'ossessione**, o **gestire diversamente la compulsione**?"
	}
	return ""
}

func editPrompt(slot models.Slot, s *models.Schema) string {
	current := notIdentified
	if v, ok := s.Get(slot); ok {
		current = v
	}
	return fmt.Sprintf("Ok, vuoi modificare '%s'. Il valore attuale è: \"%s\". Per favore, fornisci la nuova descrizione completa per questo punto.", slotNames[slot], current)
}

// Task markers open every instruction so that each call kind is recognisable in logs.
const (
	taskBulkExtraction = "COMPITO: ESTRAZIONE_SCHEMA"
	taskSummarize      = "COMPITO: SINTESI"
	taskClassify       = "COMPITO: CLASSIFICAZIONE_SV2"
	taskClarify        = "COMPITO: CHIARIMENTO"
	taskPhrase         = "COMPITO: FORMULAZIONE"
)

func bulkExtractionInstruction(narrative string) string {
	return taskBulkExtraction + `
Analizza attentamente il seguente messaggio dell'utente, che descrive (potenzialmente in parte) un'esperienza legata al DOC:
"""
` + narrative + `
"""
Identifica e separa i seguenti componenti dello schema, SOLO se sono chiaramente presenti nel testo:
1. trigger (Evento Critico): la situazione specifica che ha innescato il ciclo (es. "uscire di casa", "toccare una maniglia").
2. intrusive_thought (Ossessione): il primo pensiero intrusivo, dubbio, immagine o paura sorta in risposta all'evento (es. "potrei contaminarmi").
3. response_action (Compulsione): la reazione comportamentale o mentale messa in atto in risposta diretta all'ossessione per gestirla.

Restituisci ESATTAMENTE un oggetto JSON con questa forma:
{"trigger": "...", "intrusive_thought": "...", "response_action": "..."}

Se un componente non è chiaramente identificabile, usa una stringa vuota. Sii conciso e usa le parole dell'utente. Non inventare informazioni non presenti.`
}

func summarizeInstruction(slot models.Slot, text string) string {
	return taskSummarize + `
Riassumi in modo conciso il seguente testo dell'utente, che descrive la sua ` + slotNames[slot] + `.
Regole:
- Conserva il più possibile le parole esatte dell'utente.
- Non aggiungere interpretazioni cliniche né termini che non compaiono nel testo.
- Rispondi solo con il riassunto, su una riga, senza etichette e senza virgolette.
Testo:
"""
` + text + `
"""`
}

func classifyInstruction(text string) string {
	return taskClassify + `
Valuta se il seguente testo descrive una SECONDA VALUTAZIONE: un pensiero, giudizio o valutazione (anche metacognitiva) sul ciclo, sull'ossessione, sulla compulsione o su sé stessi (es. "questo pensiero è terribile", "non riuscirò a smettere", "sono responsabile se...").
Rispondi con UNA sola etichetta:
- VALID se il testo è un giudizio o una valutazione;
- NOT_VALID se è solo un'emozione (es. "ansia", "paura") o la descrizione di un'azione;
- EXPLICIT_NEGATIVE se l'utente dice che non c'è stato nessun giudizio.
Testo:
"""
` + text + `
"""`
}

func clarifyInstruction(text string, passages []retrieval.Passage) string {
	var b strings.Builder
	b.WriteString(taskClarify + "\n")
	b.WriteString("Sei un assistente empatico per il supporto al DOC (TCC). Rispondi in ITALIANO, con tono empatico, chiaro e CONCISO.\n")
	b.WriteString("L'utente doveva descrivere la sua Seconda Valutazione (un giudizio o pensiero sul ciclo, NON solo un'emozione o un'azione) e ha risposto:\n")
	b.WriteString("\"" + text + "\"\n")
	if len(passages) > 0 {
		b.WriteString("\nCONTESTO DAL MATERIALE DI SUPPORTO:\n")
		for i, p := range passages {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, p.Content)
		}
	}
	b.WriteString("\nSpiega brevemente la differenza tra emozione e giudizio e fai UNA sola domanda per aiutarlo a individuare il giudizio. Ricorda che può rispondere 'niente' se non c'è stato.")
	return b.String()
}

func phraseInstruction(phase models.Phase, s *models.Schema, task string) string {
	return fmt.Sprintf(`%s
Sei un assistente empatico per il supporto al DOC (TCC).
FASE CONVERSAZIONE: %s. SCHEMA UTENTE PARZIALE:
%s
ISTRUZIONI: Rispondi in ITALIANO. Tono empatico, chiaro, CONCISO. Fai UNA domanda alla volta. Non usare sigle (EC, PV1 ecc.), usa i nomi completi. Non chiedere informazioni già presenti nello schema.
OBIETTIVO SPECIFICO: %s`, taskPhrase, phase, compactSchema(s), task)
}

// compactSchema lists the filled slots one per line for instructions.
func compactSchema(s *models.Schema) string {
	var b strings.Builder
	for _, slot := range models.SlotOrder {
		switch s.Status(slot) {
		case models.SlotFilled:
			v, _ := s.Get(slot)
			fmt.Fprintf(&b, "- %s: %s\n", slotNames[slot], v)
		case models.SlotNegated:
			fmt.Fprintf(&b, "- %s: %s\n", slotNames[slot], notIdentified)
		}
	}
	if b.Len() == 0 {
		return "(vuoto)"
	}
	return strings.TrimRight(b.String(), "\n")
}
