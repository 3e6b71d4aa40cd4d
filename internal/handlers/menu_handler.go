package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/models"
	"github.com/dineflow/chat-commerce-backend/internal/services"
)

// MenuHandler handles menu browsing requests. Everything reads from the
// in-memory cache; no request here ever touches the database.
type MenuHandler struct {
	menuService *services.MenuCacheService
	logger      *logrus.Logger
}

// NewMenuHandler creates a new menu handler
func NewMenuHandler(menuService *services.MenuCacheService, logger *logrus.Logger) *MenuHandler {
	return &MenuHandler{
		menuService: menuService,
		logger:      logger,
	}
}

// GetMenu handles GET /api/v1/menu
func (h *MenuHandler) GetMenu(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"categories":  h.menuService.Categories(),
		"items":       h.menuService.AllItems(),
		"meal_period": h.menuService.CurrentMealPeriod(),
		"loaded_at":   h.menuService.LoadedAt(),
	})
}

// GetCategories handles GET /api/v1/menu/categories
func (h *MenuHandler) GetCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"categories": h.menuService.Categories(),
	})
}

// GetCategoryItems handles GET /api/v1/menu/categories/:categoryID/items
func (h *MenuHandler) GetCategoryItems(c *gin.Context) {
	categoryID := c.Param("categoryID")

	category, ok := h.menuService.GetCategory(categoryID)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "category_not_found",
			Message: "No such menu category",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"category": category,
		"items":    h.menuService.ItemsByCategory(categoryID),
	})
}

// GetItem handles GET /api/v1/menu/items/:itemID. The path accepts an id or
// a typed name; find_item semantics resolve either.
func (h *MenuHandler) GetItem(c *gin.Context) {
	itemRef := c.Param("itemID")

	item, ok := h.menuService.GetItem(itemRef)
	if !ok {
		item, ok = h.menuService.FindItem(itemRef)
	}
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "item_not_found",
			Message: "No menu item matches that reference",
		})
		return
	}

	c.JSON(http.StatusOK, item)
}

// GetSimilarItems handles GET /api/v1/menu/items/:itemID/similar
func (h *MenuHandler) GetSimilarItems(c *gin.Context) {
	itemRef := c.Param("itemID")

	item, ok := h.menuService.GetItem(itemRef)
	if !ok {
		item, ok = h.menuService.FindItem(itemRef)
	}
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "item_not_found",
			Message: "No menu item matches that reference",
		})
		return
	}

	limit := 5
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 20 {
			limit = parsed
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"item":    item,
		"similar": h.menuService.SimilarItems(c.Request.Context(), item.Name, item.ItemID, limit),
	})
}

// SearchMenu handles GET /api/v1/menu/search?q=...&period=...&strict=true
func (h *MenuHandler) SearchMenu(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Query parameter q is required",
		})
		return
	}

	period := models.MealPeriod(c.Query("period"))
	switch period {
	case "", models.MealPeriodBreakfast, models.MealPeriodLunch, models.MealPeriodDinner, models.MealPeriodAllDay:
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_period",
			Message: "Period must be breakfast, lunch, dinner or all_day",
		})
		return
	}

	strict := c.Query("strict") == "true"

	c.JSON(http.StatusOK, gin.H{
		"query":   query,
		"period":  period,
		"strict":  strict,
		"results": h.menuService.Search(query, period, strict),
	})
}
