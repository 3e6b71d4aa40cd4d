package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/middleware"
	"github.com/dineflow/chat-commerce-backend/internal/models"
	"github.com/dineflow/chat-commerce-backend/internal/services"
)

// ChatHandler classifies customer messages. The conversation itself lives
// client-side; this endpoint turns one utterance plus the session's current
// shape into a sub-intent verdict the flow engine can act on.
type ChatHandler struct {
	classifier      *services.IntentClassifierService
	cartService     *services.CartService
	userDataService *services.UserDataService
	logger          *logrus.Logger
}

// NewChatHandler creates a new chat handler
func NewChatHandler(
	classifier *services.IntentClassifierService,
	cartService *services.CartService,
	userDataService *services.UserDataService,
	logger *logrus.Logger,
) *ChatHandler {
	return &ChatHandler{
		classifier:      classifier,
		cartService:     cartService,
		userDataService: userDataService,
		logger:          logger,
	}
}

// ClassifyRequest represents one customer utterance. The collection fields
// echo back what a previous turn asked the customer for, so a bare "2" can
// resolve as the quantity the flow was waiting on.
type ClassifyRequest struct {
	Message              string                    `json:"message" binding:"required"`
	EntityCollectionStep models.CollectionStep     `json:"entity_collection_step"`
	PendingEntities      models.ClassifiedEntities `json:"pending_entities"`
}

// Classify handles POST /api/v1/chat/classify
func (h *ChatHandler) Classify(c *gin.Context) {
	session := middleware.MustGetSession(c)

	var req ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Message is required",
		})
		return
	}

	switch req.EntityCollectionStep {
	case "", models.CollectStepNone, models.CollectStepQuantity, models.CollectStepItemName, models.CollectStepOrderType:
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_collection_step",
			Message: "Unknown entity collection step",
		})
		return
	}

	state := models.ConversationState{
		Authenticated:        session.Authenticated(),
		EntityCollectionStep: req.EntityCollectionStep,
		PendingEntities:      req.PendingEntities,
	}

	// Classification context is best-effort: a cold cache must not block a
	// verdict, it just removes the cart-aware overrides.
	if cart, err := h.cartService.Get(c.Request.Context(), session.SessionID); err == nil && cart != nil {
		state.CartItems = cart.Items
		state.CartValidated = cart.Validated
		state.OrderType = cart.OrderType
	}
	if data, err := h.userDataService.Data(c.Request.Context(), session.SessionID); err == nil && data != nil {
		state.HasDraftOrder = data.HasDraftOrder
	}

	classification := h.classifier.Classify(c.Request.Context(), req.Message, state)

	c.JSON(http.StatusOK, classification)
}
