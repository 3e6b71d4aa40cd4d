package services

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dineflow/chat-commerce-backend/internal/models"
	"github.com/dineflow/chat-commerce-backend/pkg/llm"
)

// ============================================================================
// TEST SETUP
// ============================================================================

type stubStructuredInvoker struct {
	result *models.Classification
	err    error
	calls  int
	tier   llm.Tier
}

func (s *stubStructuredInvoker) InvokeStructured(
	ctx context.Context,
	messages []llm.Message,
	tier llm.Tier,
	schemaName string,
	schema json.RawMessage,
	out any,
) error {
	s.calls++
	s.tier = tier
	if s.err != nil {
		return s.err
	}
	if s.result != nil {
		*(out.(*models.Classification)) = *s.result
	}
	return nil
}

func setupClassifierTest(t *testing.T, invoker StructuredInvoker) *IntentClassifierService {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewIntentClassifierService(invoker, logger)
}

func collectingQuantityState() models.ConversationState {
	return models.ConversationState{
		EntityCollectionStep: models.CollectStepQuantity,
		PendingEntities:      models.ClassifiedEntities{ItemName: "biryani"},
	}
}

// ============================================================================
// PRIORITY RULE
// ============================================================================

func TestClassifier_BareNumberWhileCollectingQuantity(t *testing.T) {
	invoker := &stubStructuredInvoker{}
	svc := setupClassifierTest(t, invoker)

	cls := svc.Classify(context.Background(), "2", collectingQuantityState())

	assert.Equal(t, models.SubIntentManageCart, cls.SubIntent)
	assert.Equal(t, models.CartActionAdd, cls.Entities.Action)
	assert.Equal(t, 2, cls.Entities.Quantity)
	assert.Equal(t, "biryani", cls.Entities.ItemName)
	assert.Empty(t, cls.MissingEntities)
	assert.Equal(t, 0.9, cls.Confidence)
	assert.Zero(t, invoker.calls, "a collected value must not spend model capacity")
}

func TestClassifier_CollectedQuantityIdenticalUnderModelOutage(t *testing.T) {
	// The same message classifies identically whether the model path would
	// have succeeded or times out.
	healthy := &stubStructuredInvoker{result: &models.Classification{
		SubIntent: models.SubIntentBrowseMenu, Confidence: 0.95,
	}}
	broken := &stubStructuredInvoker{err: llm.ErrTimeout}

	state := models.ConversationState{
		EntityCollectionStep: models.CollectStepQuantity,
		PendingEntities:      models.ClassifiedEntities{ItemName: "biryani"},
	}

	fromHealthy := setupClassifierTest(t, healthy).Classify(context.Background(), "3", state)
	fromBroken := setupClassifierTest(t, broken).Classify(context.Background(), "3", state)

	for _, cls := range []models.Classification{fromHealthy, fromBroken} {
		assert.Equal(t, models.SubIntentManageCart, cls.SubIntent)
		assert.Equal(t, models.CartActionAdd, cls.Entities.Action)
		assert.Equal(t, 3, cls.Entities.Quantity)
		assert.Equal(t, "biryani", cls.Entities.ItemName)
		assert.Empty(t, cls.MissingEntities)
		assert.Equal(t, 0.9, cls.Confidence)
	}
}

func TestClassifier_WordNumberWhileCollectingQuantity(t *testing.T) {
	svc := setupClassifierTest(t, &stubStructuredInvoker{})

	cls := svc.Classify(context.Background(), "three", collectingQuantityState())
	assert.Equal(t, 3, cls.Entities.Quantity)
	assert.Equal(t, models.SubIntentManageCart, cls.SubIntent)
}

func TestClassifier_ModelCannotHijackActiveCollection(t *testing.T) {
	// A non-numeric reply during quantity collection goes to the model, but
	// the active sub-intent is preserved no matter what comes back.
	invoker := &stubStructuredInvoker{result: &models.Classification{
		SubIntent:  models.SubIntentBrowseMenu,
		Confidence: 0.8,
		Entities:   models.ClassifiedEntities{Quantity: 4},
	}}
	svc := setupClassifierTest(t, invoker)

	cls := svc.Classify(context.Background(), "make it four", collectingQuantityState())

	assert.Equal(t, 1, invoker.calls)
	assert.Equal(t, models.SubIntentManageCart, cls.SubIntent)
	assert.Equal(t, 4, cls.Entities.Quantity)
	assert.Equal(t, "biryani", cls.Entities.ItemName, "pending entities survive the override")
}

func TestClassifier_OrderTypeCollection(t *testing.T) {
	svc := setupClassifierTest(t, &stubStructuredInvoker{})

	state := models.ConversationState{EntityCollectionStep: models.CollectStepOrderType}
	cls := svc.Classify(context.Background(), "takeout please", state)

	assert.Equal(t, models.SubIntentValidateOrder, cls.SubIntent)
	assert.Equal(t, models.OrderTypeTakeout, cls.Entities.OrderType)
}

// ============================================================================
// PRIMARY PATH
// ============================================================================

func TestClassifier_PrimaryPathPassesThrough(t *testing.T) {
	invoker := &stubStructuredInvoker{result: &models.Classification{
		SubIntent:  models.SubIntentDiscoverItems,
		Confidence: 0.92,
		Entities:   models.ClassifiedEntities{Query: "spicy starters"},
	}}
	svc := setupClassifierTest(t, invoker)

	cls := svc.Classify(context.Background(), "got anything spicy to start with?", models.ConversationState{})

	assert.Equal(t, models.SubIntentDiscoverItems, cls.SubIntent)
	assert.Equal(t, 0.92, cls.Confidence)
	assert.Equal(t, models.ClassificationSourceLLM, cls.Source)
	assert.Equal(t, llm.TierMini, invoker.tier, "classification rides the mini tier")
}

func TestClassifier_PrimaryClampsConfidence(t *testing.T) {
	invoker := &stubStructuredInvoker{result: &models.Classification{
		SubIntent:  models.SubIntentBrowseMenu,
		Confidence: 1.7,
	}}
	svc := setupClassifierTest(t, invoker)

	cls := svc.Classify(context.Background(), "menu please", models.ConversationState{})
	assert.Equal(t, 1.0, cls.Confidence)
}

func TestClassifier_UnrecognizedSubIntentFallsBack(t *testing.T) {
	invoker := &stubStructuredInvoker{result: &models.Classification{
		SubIntent:  "make_pizza",
		Confidence: 0.99,
	}}
	svc := setupClassifierTest(t, invoker)

	cls := svc.Classify(context.Background(), "show me the menu", models.ConversationState{})

	assert.Equal(t, models.SubIntentBrowseMenu, cls.SubIntent)
	assert.Equal(t, models.ClassificationSourceFallback, cls.Source)
	assert.True(t, models.ValidSubIntent(cls.SubIntent))
}

func TestClassifier_TimeoutFallsBack(t *testing.T) {
	invoker := &stubStructuredInvoker{err: llm.ErrTimeout}
	svc := setupClassifierTest(t, invoker)

	cls := svc.Classify(context.Background(), "checkout", models.ConversationState{CartValidated: true})

	assert.Equal(t, models.SubIntentExecuteCheckout, cls.SubIntent)
	assert.Equal(t, models.ClassificationSourceFallback, cls.Source)
}

// ============================================================================
// FALLBACK RULES
// ============================================================================

func fallbackOnly(t *testing.T) *IntentClassifierService {
	t.Helper()
	return setupClassifierTest(t, &stubStructuredInvoker{err: llm.ErrTimeout})
}

func TestClassifier_FallbackCheckoutRouting(t *testing.T) {
	svc := fallbackOnly(t)
	ctx := context.Background()

	cls := svc.Classify(ctx, "ready to order", models.ConversationState{CartValidated: true})
	assert.Equal(t, models.SubIntentExecuteCheckout, cls.SubIntent)

	cls = svc.Classify(ctx, "I want to place order now", models.ConversationState{})
	assert.Equal(t, models.SubIntentValidateOrder, cls.SubIntent,
		"checkout phrasing outranks the ordering verb")
}

func TestClassifier_FallbackOrderingVerbExtractsLine(t *testing.T) {
	svc := fallbackOnly(t)

	cls := svc.Classify(context.Background(), "I'll have 2 chicken biryani please", models.ConversationState{})

	assert.Equal(t, models.SubIntentManageCart, cls.SubIntent)
	assert.Equal(t, models.CartActionAdd, cls.Entities.Action)
	assert.Equal(t, 2, cls.Entities.Quantity)
	assert.Equal(t, "chicken biryani", cls.Entities.ItemName)
	assert.Empty(t, cls.MissingEntities)
}

func TestClassifier_FallbackOrderingVerbWithoutQuantity(t *testing.T) {
	svc := fallbackOnly(t)

	cls := svc.Classify(context.Background(), "i want paneer tikka", models.ConversationState{})

	assert.Equal(t, models.SubIntentManageCart, cls.SubIntent)
	assert.Equal(t, "paneer tikka", cls.Entities.ItemName)
	assert.Contains(t, cls.MissingEntities, "quantity")
}

func TestClassifier_FallbackCartVerbs(t *testing.T) {
	svc := fallbackOnly(t)
	ctx := context.Background()

	cls := svc.Classify(ctx, "remove the biryani from my bill", models.ConversationState{})
	assert.Equal(t, models.SubIntentManageCart, cls.SubIntent)
	assert.Equal(t, models.CartActionRemove, cls.Entities.Action)

	cls = svc.Classify(ctx, "delete that last one", models.ConversationState{})
	assert.Equal(t, models.CartActionRemove, cls.Entities.Action)

	cls = svc.Classify(ctx, "change my biryani", models.ConversationState{})
	assert.Equal(t, models.CartActionUpdate, cls.Entities.Action)
}

func TestClassifier_FallbackBrowseBeatsDiscovery(t *testing.T) {
	svc := fallbackOnly(t)

	// "show" fires the browse rule before "show me" can reach discovery.
	cls := svc.Classify(context.Background(), "show me the specials", models.ConversationState{})
	assert.Equal(t, models.SubIntentBrowseMenu, cls.SubIntent)
}

func TestClassifier_FallbackDiscoverySignals(t *testing.T) {
	svc := fallbackOnly(t)
	ctx := context.Background()

	cls := svc.Classify(ctx, "vegetarian options", models.ConversationState{})
	assert.Equal(t, models.SubIntentDiscoverItems, cls.SubIntent)
	assert.Equal(t, "vegetarian options", cls.Entities.Query)

	cls = svc.Classify(ctx, "what is a dosa", models.ConversationState{})
	assert.Equal(t, models.SubIntentDiscoverItems, cls.SubIntent)
}

func TestClassifier_FallbackShortMessageIsItemName(t *testing.T) {
	svc := fallbackOnly(t)

	cls := svc.Classify(context.Background(), "paneer tikka", models.ConversationState{})

	assert.Equal(t, models.SubIntentManageCart, cls.SubIntent)
	assert.Equal(t, models.CartActionAdd, cls.Entities.Action)
	assert.Equal(t, "paneer tikka", cls.Entities.ItemName)
	assert.Equal(t, []string{"quantity"}, cls.MissingEntities)
}

func TestClassifier_FallbackDefaultIsBrowse(t *testing.T) {
	svc := fallbackOnly(t)

	cls := svc.Classify(context.Background(),
		"the weather is lovely today is it not my friend", models.ConversationState{})

	assert.Equal(t, models.SubIntentBrowseMenu, cls.SubIntent)
	assert.LessOrEqual(t, cls.Confidence, 0.4)
}

func TestClassifier_FallbackConfidenceCapped(t *testing.T) {
	svc := fallbackOnly(t)
	ctx := context.Background()

	messages := []string{
		"checkout",
		"i want dosa",
		"add",
		"menu",
		"vegan",
		"paneer",
		"a very long unmatched sentence that has many words in it",
	}
	for _, msg := range messages {
		cls := svc.Classify(ctx, msg, models.ConversationState{})
		assert.LessOrEqual(t, cls.Confidence, 0.7, "message %q", msg)
		assert.True(t, models.ValidSubIntent(cls.SubIntent), "message %q", msg)
	}
}

// ============================================================================
// PARSING
// ============================================================================

func TestParseQuantityBounds(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"1", 1, true},
		{"10", 10, true},
		{"0", 0, false},
		{"11", 0, false},
		{"-2", 0, false},
		{"ten", 10, true},
		{"eleven", 0, false},
		{" 2 ", 2, true},
		{"two biryani", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseQuantity(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, "input %q", tt.in)
		}
	}
}

func TestCleanItemName(t *testing.T) {
	assert.Equal(t, "chicken biryani", cleanItemName("a Chicken Biryani please"))
	assert.Equal(t, "masala dosa", cleanItemName("the masala dosa"))
	assert.Equal(t, "", cleanItemName("please"))
}

func TestNormalizeMessageStripsPunctuation(t *testing.T) {
	assert.Equal(t, "i'll have 2 dosas", normalizeMessage("I'll have 2 dosas!!"))
	assert.Equal(t, "what is this", normalizeMessage("What, is... THIS?"))
}

func TestClassifier_FallbackPathNeverErrors(t *testing.T) {
	svc := fallbackOnly(t)

	// Whatever the message, the classifier must yield a recognized verdict.
	for _, msg := range []string{"", "???", "42", "🍕", "order order order"} {
		cls := svc.Classify(context.Background(), msg, models.ConversationState{})
		require.True(t, models.ValidSubIntent(cls.SubIntent), "message %q", msg)
	}
}
