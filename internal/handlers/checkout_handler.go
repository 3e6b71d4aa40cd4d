package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/middleware"
	"github.com/dineflow/chat-commerce-backend/internal/services"
)

// CheckoutHandler handles the two-step checkout: validate prices the cart
// and pins stock, execute turns the draft into a placed order with a
// payment link.
type CheckoutHandler struct {
	checkoutService *services.CheckoutService
	logger          *logrus.Logger
}

// NewCheckoutHandler creates a new checkout handler
func NewCheckoutHandler(checkoutService *services.CheckoutService, logger *logrus.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		checkoutService: checkoutService,
		logger:          logger,
	}
}

// ValidateOrder handles POST /api/v1/checkout/validate
func (h *CheckoutHandler) ValidateOrder(c *gin.Context) {
	session := middleware.MustGetSession(c)

	draft, err := h.checkoutService.ValidateOrder(c.Request.Context(), session)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyCart):
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "empty_cart",
				Message: "Add something to the cart before checking out",
				Code:    "EMPTY_CART",
			})
		case errors.Is(err, services.ErrOrderTypeRequired):
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "order_type_required",
				Message: "Choose dine-in or takeout before checking out",
				Code:    "ORDER_TYPE_REQUIRED",
			})
		default:
			if uncovered, ok := services.AsUncoveredCart(err); ok {
				c.JSON(http.StatusConflict, gin.H{
					"error":       "items_unavailable",
					"message":     "Some cart lines are no longer covered by stock",
					"code":        "ITEMS_UNAVAILABLE",
					"unavailable": uncovered.Unavailable,
				})
				return
			}
			h.logger.WithFields(logrus.Fields{
				"session_id": session.SessionID,
				"error":      err.Error(),
			}).Error("Order validation failed")
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "validation_failed",
				Message: "Failed to validate the order",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Order validated",
		"draft":   draft,
	})
}

// ExecuteCheckout handles POST /api/v1/checkout/execute
func (h *CheckoutHandler) ExecuteCheckout(c *gin.Context) {
	session := middleware.MustGetSession(c)

	result, err := h.checkoutService.ExecuteCheckout(c.Request.Context(), session)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNoDraftOrder):
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "no_draft_order",
				Message: "Validate the order first; any cart change after validation requires re-validating",
				Code:    "NO_DRAFT_ORDER",
			})
		case errors.Is(err, services.ErrPaymentLink):
			// Holds survive a gateway rejection; the customer can retry.
			c.JSON(http.StatusBadGateway, ErrorResponse{
				Error:   "payment_link_failed",
				Message: "Could not create a payment link. Nothing was charged; please retry.",
				Code:    "PAYMENT_LINK_FAILED",
			})
		default:
			h.logger.WithFields(logrus.Fields{
				"session_id": session.SessionID,
				"error":      err.Error(),
			}).Error("Checkout execution failed")
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "checkout_failed",
				Message: "Failed to execute checkout",
			})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// PaymentStatus handles GET /api/v1/checkout/payment-status/:linkID
func (h *CheckoutHandler) PaymentStatus(c *gin.Context) {
	linkID := c.Param("linkID")

	status := h.checkoutService.PaymentStatus(linkID)
	if status.Failed() {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "link_not_found",
			"message": "No such payment link",
			"link_id": linkID,
			"reason":  status.Reason,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"link_id": status.LinkID,
		"url":     status.URL,
		"status":  status.Status,
	})
}
