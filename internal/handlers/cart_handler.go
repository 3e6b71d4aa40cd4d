package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/middleware"
	"github.com/dineflow/chat-commerce-backend/internal/models"
	"github.com/dineflow/chat-commerce-backend/internal/services"
)

// CartHandler handles cart-related HTTP requests. Every route keys the cart
// off the resolved session, so an anonymous caller gets the same surface as
// an authenticated one.
type CartHandler struct {
	cartService     *services.CartService
	userDataService *services.UserDataService
	logger          *logrus.Logger
}

// NewCartHandler creates a new cart handler
func NewCartHandler(
	cartService *services.CartService,
	userDataService *services.UserDataService,
	logger *logrus.Logger,
) *CartHandler {
	return &CartHandler{
		cartService:     cartService,
		userDataService: userDataService,
		logger:          logger,
	}
}

// GetCart handles GET /api/v1/cart
func (h *CartHandler) GetCart(c *gin.Context) {
	session := middleware.MustGetSession(c)

	cart, totalQuantity, err := h.cartService.CheckExisting(c.Request.Context(), session.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "cart_retrieval_failed",
			Message: "Failed to load cart",
		})
		return
	}

	if cart == nil {
		c.JSON(http.StatusOK, gin.H{
			"cart":           nil,
			"total_quantity": 0,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cart":           cart,
		"total_quantity": totalQuantity,
		"subtotal_paise": cart.SubtotalPaise(),
	})
}

// AddItemRequest represents the request to add an item to the cart. Item
// accepts an exact id or a customer-typed name; the menu cache resolves it.
type AddItemRequest struct {
	Item     string `json:"item" binding:"required"`
	Quantity int    `json:"quantity" binding:"required,min=1"`
}

// AddItem handles POST /api/v1/cart/items
func (h *CartHandler) AddItem(c *gin.Context) {
	session := middleware.MustGetSession(c)

	var req AddItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Item and a positive quantity are required",
		})
		return
	}

	result, err := h.cartService.Add(c.Request.Context(), session.SessionID, session.ReservationOwner(), req.Item, req.Quantity)
	if err != nil {
		h.respondCartError(c, err, "add_item_failed", "Failed to add item to cart")
		return
	}

	h.respondAddResult(c, result)
}

// UpdateItemRequest represents the request to change a line's quantity
type UpdateItemRequest struct {
	Quantity int `json:"quantity" binding:"required,min=1"`
}

// UpdateItem handles PUT /api/v1/cart/items/:itemID
func (h *CartHandler) UpdateItem(c *gin.Context) {
	session := middleware.MustGetSession(c)
	itemRef := c.Param("itemID")

	var req UpdateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "A positive quantity is required; use DELETE to remove a line",
		})
		return
	}

	result, err := h.cartService.UpdateQuantity(c.Request.Context(), session.SessionID, session.ReservationOwner(), itemRef, req.Quantity)
	if err != nil {
		h.respondCartError(c, err, "update_item_failed", "Failed to update cart item")
		return
	}

	h.respondAddResult(c, result)
}

// RemoveItem handles DELETE /api/v1/cart/items/:itemID
func (h *CartHandler) RemoveItem(c *gin.Context) {
	session := middleware.MustGetSession(c)
	itemRef := c.Param("itemID")

	cart, err := h.cartService.Remove(c.Request.Context(), session.SessionID, session.ReservationOwner(), itemRef)
	if err != nil {
		h.respondCartError(c, err, "remove_item_failed", "Failed to remove cart item")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Item removed",
		"cart":    cart,
	})
}

// ClearCart handles DELETE /api/v1/cart
func (h *CartHandler) ClearCart(c *gin.Context) {
	session := middleware.MustGetSession(c)

	if err := h.cartService.Clear(c.Request.Context(), session.SessionID, session.ReservationOwner()); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "clear_cart_failed",
			Message: "Failed to clear cart",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Cart cleared",
	})
}

// SetOrderTypeRequest represents the request to choose dine-in or takeout
type SetOrderTypeRequest struct {
	OrderType string `json:"order_type" binding:"required"`
}

// SetOrderType handles PUT /api/v1/cart/order-type
func (h *CartHandler) SetOrderType(c *gin.Context) {
	session := middleware.MustGetSession(c)

	var req SetOrderTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Order type is required",
		})
		return
	}

	if !models.ValidOrderType(req.OrderType) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_order_type",
			Message: "Order type must be dine_in or takeout",
		})
		return
	}

	cart, err := h.cartService.SetOrderType(c.Request.Context(), session.SessionID, req.OrderType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "order_type_failed",
			Message: "Failed to set order type",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Order type set",
		"cart":    cart,
	})
}

// CheckAvailability handles GET /api/v1/cart/availability
func (h *CartHandler) CheckAvailability(c *gin.Context) {
	session := middleware.MustGetSession(c)

	availability, err := h.cartService.CheckAvailability(c.Request.Context(), session.SessionID, session.ReservationOwner())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "availability_check_failed",
			Message: "Failed to check cart availability",
		})
		return
	}

	c.JSON(http.StatusOK, availability)
}

// RestoreCartRequest identifies the abandoned cart being reclaimed
type RestoreCartRequest struct {
	AbandonedCartID string `json:"abandoned_cart_id" binding:"required"`
}

// RestoreCart handles POST /api/v1/cart/restore (authenticated only)
func (h *CartHandler) RestoreCart(c *gin.Context) {
	session := middleware.MustGetSession(c)

	var req RestoreCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "abandoned_cart_id is required",
		})
		return
	}

	cartID, err := uuid.Parse(req.AbandonedCartID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "abandoned_cart_id must be a UUID",
		})
		return
	}

	result, err := h.userDataService.RestoreCart(c.Request.Context(), session, cartID)
	if err != nil {
		h.respondRestoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ResumeBookingRequest identifies the parked draft order being resumed
type ResumeBookingRequest struct {
	AbandonedBookingID string `json:"abandoned_booking_id" binding:"required"`
}

// ResumeBooking handles POST /api/v1/cart/resume-booking (authenticated only)
func (h *CartHandler) ResumeBooking(c *gin.Context) {
	session := middleware.MustGetSession(c)

	var req ResumeBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "abandoned_booking_id is required",
		})
		return
	}

	bookingID, err := uuid.Parse(req.AbandonedBookingID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "abandoned_booking_id must be a UUID",
		})
		return
	}

	result, err := h.userDataService.ResumeBooking(c.Request.Context(), session, bookingID)
	if err != nil {
		h.respondRestoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// respondAddResult maps a cart write outcome to HTTP. A stock refusal is a
// conflict, not an error: the body carries what is left and what else the
// customer might want instead.
func (h *CartHandler) respondAddResult(c *gin.Context, result *models.CartAddResult) {
	if result.Status == models.CartAddOutOfStock {
		c.JSON(http.StatusConflict, gin.H{
			"error":              "out_of_stock",
			"message":            "Not enough stock to cover the requested quantity",
			"available_quantity": result.AvailableQuantity,
			"alternatives":       result.Alternatives,
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *CartHandler) respondCartError(c *gin.Context, err error, code, message string) {
	if errors.Is(err, services.ErrUnknownItem) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "item_not_found",
			Message: "No menu item matches that reference",
		})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"error": err.Error(),
	}).Error("Cart operation failed")
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   code,
		Message: message,
	})
}

func (h *CartHandler) respondRestoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNoAbandonedCart), errors.Is(err, services.ErrNoAbandonedBooking):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "No such saved cart or order",
			Code:    "RESTORE_NOT_FOUND",
		})
	case errors.Is(err, services.ErrRestoreForbidden):
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "forbidden",
			Message: "This saved cart belongs to another account",
			Code:    "RESTORE_FORBIDDEN",
		})
	case errors.Is(err, services.ErrAlreadyRestored):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "already_restored",
			Message: "This saved cart has already been restored",
			Code:    "ALREADY_RESTORED",
		})
	case errors.Is(err, services.ErrRestoreExpired):
		c.JSON(http.StatusGone, ErrorResponse{
			Error:   "restore_expired",
			Message: "This saved cart has expired",
			Code:    "RESTORE_EXPIRED",
		})
	default:
		h.logger.WithFields(logrus.Fields{
			"error": err.Error(),
		}).Error("Restore operation failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "restore_failed",
			Message: "Failed to restore saved state",
		})
	}
}
