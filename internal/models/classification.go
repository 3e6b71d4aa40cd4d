package models

// ============================================================================
// SUB-INTENTS
// ============================================================================

// SubIntent is the closed set of actions the ordering core can take.
type SubIntent string

const (
	SubIntentBrowseMenu      SubIntent = "browse_menu"
	SubIntentDiscoverItems   SubIntent = "discover_items"
	SubIntentManageCart      SubIntent = "manage_cart"
	SubIntentValidateOrder   SubIntent = "validate_order"
	SubIntentExecuteCheckout SubIntent = "execute_checkout"
)

// ValidSubIntent reports whether s is a recognized sub-intent. Model output
// that fails this check is treated as a schema violation.
func ValidSubIntent(s SubIntent) bool {
	switch s {
	case SubIntentBrowseMenu, SubIntentDiscoverItems, SubIntentManageCart,
		SubIntentValidateOrder, SubIntentExecuteCheckout:
		return true
	}
	return false
}

// ============================================================================
// CART ACTIONS
// ============================================================================

// Cart actions carried in classification entities.
const (
	CartActionAdd    = "add"
	CartActionRemove = "remove"
	CartActionUpdate = "update"
	CartActionClear  = "clear"
)

// ============================================================================
// ENTITY COLLECTION
// ============================================================================

// CollectionStep marks which entity the conversation is currently gathering.
// While a step is active, incoming messages are values for that step, never
// new intents.
type CollectionStep string

const (
	CollectStepNone      CollectionStep = "none"
	CollectStepQuantity  CollectionStep = "quantity"
	CollectStepItemName  CollectionStep = "item_name"
	CollectStepOrderType CollectionStep = "order_type"
)

// Collecting reports whether an entity-collection step is active.
func (s CollectionStep) Collecting() bool {
	return s != "" && s != CollectStepNone
}

// ============================================================================
// CLASSIFICATION MODELS
// ============================================================================

// ClassifiedEntities holds the structured slots a classification can fill.
// Fixed keys keep the output schema strict; a zero value means "not provided".
type ClassifiedEntities struct {
	Action    string `json:"action,omitempty"`
	ItemName  string `json:"item_name,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
	OrderType string `json:"order_type,omitempty"`
	Query     string `json:"query,omitempty"`
}

// Merge overlays non-zero fields of other onto a copy of e.
func (e ClassifiedEntities) Merge(other ClassifiedEntities) ClassifiedEntities {
	out := e
	if other.Action != "" {
		out.Action = other.Action
	}
	if other.ItemName != "" {
		out.ItemName = other.ItemName
	}
	if other.Quantity != 0 {
		out.Quantity = other.Quantity
	}
	if other.OrderType != "" {
		out.OrderType = other.OrderType
	}
	if other.Query != "" {
		out.Query = other.Query
	}
	return out
}

// Classification sources.
const (
	ClassificationSourceLLM      = "llm"
	ClassificationSourceFallback = "fallback"
	ClassificationSourcePriority = "priority"
)

// Classification is the classifier's verdict for one user message.
type Classification struct {
	SubIntent       SubIntent          `json:"sub_intent"`
	Confidence      float64            `json:"confidence"`
	Entities        ClassifiedEntities `json:"entities"`
	MissingEntities []string           `json:"missing_entities"`
	Reasoning       string             `json:"reasoning,omitempty"`

	// Source records which path produced the verdict. Logged, never sent to
	// clients.
	Source string `json:"-"`
}

// ConversationState is the compact snapshot the classifier sees. It carries
// just enough context to preserve an active collection step and to route
// checkout phrasing correctly.
type ConversationState struct {
	CartItems            []CartItem         `json:"cart_items"`
	CartValidated        bool               `json:"cart_validated"`
	HasDraftOrder        bool               `json:"has_draft_order"`
	Authenticated        bool               `json:"authenticated"`
	OrderType            string             `json:"order_type,omitempty"`
	EntityCollectionStep CollectionStep     `json:"entity_collection_step"`
	PendingEntities      ClassifiedEntities `json:"pending_entities"`
}
