package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/models"
	"github.com/dineflow/chat-commerce-backend/pkg/llm"
)

// classificationSchemaName labels the structured-output schema on the wire.
const classificationSchemaName = "classification"

// classificationSchema constrains the model to the exact Classification
// shape. Strict mode requires every property listed and declared required.
var classificationSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "sub_intent": {
      "type": "string",
      "enum": ["browse_menu", "discover_items", "manage_cart", "validate_order", "execute_checkout"]
    },
    "confidence": {"type": "number"},
    "entities": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "action": {"type": "string"},
        "item_name": {"type": "string"},
        "quantity": {"type": "integer"},
        "order_type": {"type": "string"},
        "query": {"type": "string"}
      },
      "required": ["action", "item_name", "quantity", "order_type", "query"]
    },
    "missing_entities": {"type": "array", "items": {"type": "string"}},
    "reasoning": {"type": "string"}
  },
  "required": ["sub_intent", "confidence", "entities", "missing_entities", "reasoning"]
}`)

const classifierSystemPrompt = `You classify one user message from a restaurant ordering conversation into exactly one sub-intent:
- browse_menu: the user wants to see the menu, categories or listings
- discover_items: the user is searching or filtering (dietary, spice, availability)
- manage_cart: the user adds, removes or changes items (fill entities.action, entities.item_name, entities.quantity)
- validate_order: the user wants their order summarized, priced or checked
- execute_checkout: the user confirms a validated order and wants to pay

Use the conversation state to resolve short replies. If entity_collection_step is active, the message is the value being collected for the current manage flow, never a new intent. List any entities the flow still needs in missing_entities.`

// StructuredInvoker is the slice of the LLM scheduler the classifier needs.
type StructuredInvoker interface {
	InvokeStructured(ctx context.Context, messages []llm.Message, tier llm.Tier, schemaName string, schema json.RawMessage, out any) error
}

// IntentClassifierService turns one user message plus a conversation snapshot
// into a Classification. The primary path is schema-constrained model output;
// a deterministic keyword fallback guarantees an answer when the model path
// times out, fails to parse, or violates the schema.
type IntentClassifierService struct {
	invoker StructuredInvoker
	tier    llm.Tier
	logger  *logrus.Logger
}

// NewIntentClassifierService creates the classifier. Classification rides the
// mini tier; the primary tier stream is reserved for response generation.
func NewIntentClassifierService(invoker StructuredInvoker, logger *logrus.Logger) *IntentClassifierService {
	return &IntentClassifierService{
		invoker: invoker,
		tier:    llm.TierMini,
		logger:  logger,
	}
}

// Classify returns a verdict for the message. It never returns an error to
// the caller: every failure mode degrades to the deterministic fallback.
func (s *IntentClassifierService) Classify(ctx context.Context, message string, state models.ConversationState) models.Classification {
	// Collection takes priority over everything: a parsable reply is the
	// value being collected, in the model path and the fallback alike.
	if state.EntityCollectionStep.Collecting() {
		if cls, ok := s.classifyCollectedValue(message, state); ok {
			return cls
		}
	}

	cls, err := s.classifyWithModel(ctx, message, state)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"error": err.Error(),
			"step":  string(state.EntityCollectionStep),
		}).Warn("Structured classification failed; using keyword fallback")
		return s.classifyWithRules(message, state)
	}
	return cls
}

// ============================================================================
// PRIORITY: ACTIVE ENTITY COLLECTION
// ============================================================================

// classifyCollectedValue interprets the message as a value for the active
// collection step. Returns false when the message doesn't parse as one, in
// which case the normal paths run but still preserve the active sub-intent.
func (s *IntentClassifierService) classifyCollectedValue(message string, state models.ConversationState) (models.Classification, bool) {
	switch state.EntityCollectionStep {
	case models.CollectStepQuantity:
		qty, ok := parseQuantity(message)
		if !ok {
			return models.Classification{}, false
		}
		entities := state.PendingEntities.Merge(models.ClassifiedEntities{
			Action:   models.CartActionAdd,
			Quantity: qty,
		})
		return models.Classification{
			SubIntent:       models.SubIntentManageCart,
			Confidence:      0.9,
			Entities:        entities,
			MissingEntities: missingForCartAdd(entities),
			Reasoning:       "quantity supplied for the item being collected",
			Source:          models.ClassificationSourcePriority,
		}, true

	case models.CollectStepItemName:
		cleaned := cleanItemName(message)
		if cleaned == "" {
			return models.Classification{}, false
		}
		entities := state.PendingEntities.Merge(models.ClassifiedEntities{
			Action:   models.CartActionAdd,
			ItemName: cleaned,
		})
		return models.Classification{
			SubIntent:       models.SubIntentManageCart,
			Confidence:      0.9,
			Entities:        entities,
			MissingEntities: missingForCartAdd(entities),
			Reasoning:       "item name supplied for the line being collected",
			Source:          models.ClassificationSourcePriority,
		}, true

	case models.CollectStepOrderType:
		orderType, ok := parseOrderType(message)
		if !ok {
			return models.Classification{}, false
		}
		entities := state.PendingEntities.Merge(models.ClassifiedEntities{OrderType: orderType})
		return models.Classification{
			SubIntent:       models.SubIntentValidateOrder,
			Confidence:      0.9,
			Entities:        entities,
			MissingEntities: []string{},
			Reasoning:       "order type supplied for the order being validated",
			Source:          models.ClassificationSourcePriority,
		}, true
	}
	return models.Classification{}, false
}

// preservedSubIntent maps an active collection step to the sub-intent that
// owns it.
func preservedSubIntent(step models.CollectionStep) models.SubIntent {
	if step == models.CollectStepOrderType {
		return models.SubIntentValidateOrder
	}
	return models.SubIntentManageCart
}

// ============================================================================
// PRIMARY: STRUCTURED MODEL OUTPUT
// ============================================================================

func (s *IntentClassifierService) classifyWithModel(ctx context.Context, message string, state models.ConversationState) (models.Classification, error) {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return models.Classification{}, fmt.Errorf("encode state snapshot: %w", err)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: classifierSystemPrompt},
		{Role: llm.RoleSystem, Content: "Conversation state: " + string(snapshot)},
		{Role: llm.RoleUser, Content: message},
	}

	var cls models.Classification
	if err := s.invoker.InvokeStructured(ctx, messages, s.tier, classificationSchemaName, classificationSchema, &cls); err != nil {
		return models.Classification{}, err
	}

	if !models.ValidSubIntent(cls.SubIntent) {
		return models.Classification{}, fmt.Errorf("schema violation: unrecognized sub_intent %q", cls.SubIntent)
	}
	if cls.Confidence < 0 {
		cls.Confidence = 0
	}
	if cls.Confidence > 1 {
		cls.Confidence = 1
	}
	if cls.MissingEntities == nil {
		cls.MissingEntities = []string{}
	}

	// The model must not wander off an active collection flow.
	if state.EntityCollectionStep.Collecting() {
		if preserved := preservedSubIntent(state.EntityCollectionStep); cls.SubIntent != preserved {
			cls.SubIntent = preserved
			cls.Entities = state.PendingEntities.Merge(cls.Entities)
		}
	}

	cls.Source = models.ClassificationSourceLLM
	return cls, nil
}

// ============================================================================
// FALLBACK: KEYWORD RULES
// ============================================================================

var (
	checkoutPhrases  = []string{"checkout", "place order", "ready to order"}
	orderingVerbs    = []string{"i want", "i need", "give me", "get me", "i'll have", "i'll take", "order"}
	genericPhrases   = []string{"something", "anything", "food", "stuff", "items"}
	browseVerbs      = []string{"menu", "categories", "show", "list"}
	discoverySignals = []string{"vegetarian", "vegan", "search", "find", "spicy", "what is", "tell me", "show me", "available", "options"}

	cartVerbActions = []struct {
		verb   string
		action string
	}{
		{"add", models.CartActionAdd},
		{"remove", models.CartActionRemove},
		{"delete", models.CartActionRemove},
		{"update", models.CartActionUpdate},
		{"change", models.CartActionUpdate},
		{"cart", ""},
	}
)

// classifyWithRules applies the fixed keyword rules. Rule order is load
// bearing; confidence stays at or below 0.7 except for the collected-quantity
// rule.
func (s *IntentClassifierService) classifyWithRules(message string, state models.ConversationState) models.Classification {
	msg := normalizeMessage(message)

	// Rule 1: bare value while collecting quantity.
	if state.EntityCollectionStep == models.CollectStepQuantity {
		if qty, ok := parseQuantity(message); ok {
			entities := state.PendingEntities.Merge(models.ClassifiedEntities{
				Action:   models.CartActionAdd,
				Quantity: qty,
			})
			return fallbackClassification(models.SubIntentManageCart, 0.9, entities,
				missingForCartAdd(entities), "collected quantity value")
		}
	}

	// Rule 2: checkout phrasing routes on validation state.
	if containsAnyPhrase(msg, checkoutPhrases) {
		if state.CartValidated {
			return fallbackClassification(models.SubIntentExecuteCheckout, 0.7,
				models.ClassifiedEntities{}, []string{}, "checkout phrase with validated cart")
		}
		return fallbackClassification(models.SubIntentValidateOrder, 0.7,
			models.ClassifiedEntities{}, []string{}, "checkout phrase without validated cart")
	}

	// Rule 3: ordering verbs with a concrete object.
	if verb, rest, ok := matchOrderingVerb(msg); ok && !containsAnyPhrase(rest, genericPhrases) {
		qty, itemName := splitQuantityPrefix(rest)
		entities := models.ClassifiedEntities{Action: models.CartActionAdd, ItemName: itemName, Quantity: qty}
		return fallbackClassification(models.SubIntentManageCart, 0.7, entities,
			missingForCartAdd(entities), "ordering verb: "+verb)
	}

	// Rule 4: explicit cart verbs.
	for _, cv := range cartVerbActions {
		if containsPhrase(msg, cv.verb) {
			entities := models.ClassifiedEntities{Action: cv.action}
			missing := []string{}
			if cv.action == models.CartActionAdd {
				missing = missingForCartAdd(entities)
			}
			return fallbackClassification(models.SubIntentManageCart, 0.65, entities,
				missing, "cart verb: "+cv.verb)
		}
	}

	// Rule 5: browse verbs.
	if containsAnyPhrase(msg, browseVerbs) {
		return fallbackClassification(models.SubIntentBrowseMenu, 0.6,
			models.ClassifiedEntities{}, []string{}, "browse verb")
	}

	// Rule 6: discovery signals.
	if containsAnyPhrase(msg, discoverySignals) {
		return fallbackClassification(models.SubIntentDiscoverItems, 0.6,
			models.ClassifiedEntities{Query: strings.TrimSpace(message)}, []string{}, "discovery signal")
	}

	// Rule 7: short free text is probably an item name.
	if words := strings.Fields(msg); len(words) > 0 && len(words) <= 5 {
		entities := models.ClassifiedEntities{
			Action:   models.CartActionAdd,
			ItemName: cleanItemName(message),
		}
		return fallbackClassification(models.SubIntentManageCart, 0.5, entities,
			[]string{"quantity"}, "short message treated as item name")
	}

	// Rule 8: default.
	return fallbackClassification(models.SubIntentBrowseMenu, 0.4,
		models.ClassifiedEntities{}, []string{}, "no rule matched")
}

func fallbackClassification(
	subIntent models.SubIntent,
	confidence float64,
	entities models.ClassifiedEntities,
	missing []string,
	reasoning string,
) models.Classification {
	return models.Classification{
		SubIntent:       subIntent,
		Confidence:      confidence,
		Entities:        entities,
		MissingEntities: missing,
		Reasoning:       reasoning,
		Source:          models.ClassificationSourceFallback,
	}
}

// ============================================================================
// PARSING HELPERS
// ============================================================================

var wordNumbers = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// parseQuantity accepts a bare digit string or word number in [1,10].
func parseQuantity(message string) (int, bool) {
	token := strings.TrimSpace(strings.ToLower(message))
	if n, ok := wordNumbers[token]; ok {
		return n, true
	}
	n, err := strconv.Atoi(token)
	if err != nil || n < 1 || n > 10 {
		return 0, false
	}
	return n, true
}

func parseOrderType(message string) (string, bool) {
	msg := normalizeMessage(message)
	switch {
	case containsPhrase(msg, "dine in") || containsPhrase(msg, "dine-in") || containsPhrase(msg, "here"):
		return models.OrderTypeDineIn, true
	case containsPhrase(msg, "takeout") || containsPhrase(msg, "take out") ||
		containsPhrase(msg, "takeaway") || containsPhrase(msg, "parcel") || containsPhrase(msg, "pickup"):
		return models.OrderTypeTakeout, true
	}
	return "", false
}

// normalizeMessage lowercases and strips punctuation other than apostrophes
// and hyphens so phrase matching sees clean word boundaries.
func normalizeMessage(message string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(message) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// containsPhrase matches phrase on word boundaries within an already
// normalized message.
func containsPhrase(msg, phrase string) bool {
	return strings.Contains(" "+msg+" ", " "+phrase+" ")
}

func containsAnyPhrase(msg string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(msg, p) {
			return true
		}
	}
	return false
}

// matchOrderingVerb finds the first ordering verb and returns the text after
// it.
func matchOrderingVerb(msg string) (verb, rest string, ok bool) {
	padded := " " + msg + " "
	for _, v := range orderingVerbs {
		marker := " " + v + " "
		if idx := strings.Index(padded, marker); idx >= 0 {
			return v, strings.TrimSpace(padded[idx+len(marker):]), true
		}
		if strings.HasSuffix(padded, " "+v+" ") {
			return v, "", true
		}
	}
	return "", "", false
}

// splitQuantityPrefix peels a leading quantity off an item phrase:
// "2 chicken biryani" → (2, "chicken biryani").
func splitQuantityPrefix(phrase string) (int, string) {
	words := strings.Fields(phrase)
	if len(words) == 0 {
		return 0, ""
	}
	if qty, ok := parseQuantity(words[0]); ok {
		return qty, cleanItemName(strings.Join(words[1:], " "))
	}
	return 0, cleanItemName(phrase)
}

// cleanItemName strips filler words around a candidate item name.
func cleanItemName(message string) string {
	words := strings.Fields(normalizeMessage(message))
	for len(words) > 0 && isLeadingFiller(words[0]) {
		words = words[1:]
	}
	for len(words) > 0 && words[len(words)-1] == "please" {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

func isLeadingFiller(word string) bool {
	switch word {
	case "a", "an", "the", "some", "me":
		return true
	}
	return false
}

// missingForCartAdd lists the slots a cart add still needs.
func missingForCartAdd(entities models.ClassifiedEntities) []string {
	missing := []string{}
	if entities.ItemName == "" {
		missing = append(missing, "item_name")
	}
	if entities.Quantity == 0 {
		missing = append(missing, "quantity")
	}
	return missing
}
