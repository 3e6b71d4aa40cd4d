package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/dineflow/chat-commerce-backend/internal/models"
)

// MenuRepository loads the canonical menu for the cache and keeps the
// canonical stock column honest after confirmed checkouts. The cache, not
// this repository, answers read traffic.
type MenuRepository struct {
	db *sqlx.DB
}

// NewMenuRepository creates a new MenuRepository
func NewMenuRepository(db *sqlx.DB) *MenuRepository {
	return &MenuRepository{db: db}
}

// LoadMenuItems returns every menu item joined with its category name,
// including unavailable and unpriced rows; filtering is the cache's policy.
func (r *MenuRepository) LoadMenuItems(ctx context.Context) ([]models.MenuItem, error) {
	var items []models.MenuItem

	query := `
		SELECT i.item_id, i.name, i.description, i.price_paise,
		       i.category_id, c.name AS category_name,
		       i.is_available, i.is_popular, i.spice_level,
		       i.calories, i.prep_minutes, i.availability_periods,
		       i.available_quantity
		FROM menu_items i
		JOIN menu_categories c ON c.category_id = i.category_id
		ORDER BY c.sort_order, i.name
	`

	err := r.db.SelectContext(ctx, &items, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load menu items: %w", err)
	}

	return items, nil
}

// LoadCategories returns every menu category in display order.
func (r *MenuRepository) LoadCategories(ctx context.Context) ([]models.MenuCategory, error) {
	var categories []models.MenuCategory

	query := `
		SELECT category_id, name, description, sort_order
		FROM menu_categories
		ORDER BY sort_order, name
	`

	err := r.db.SelectContext(ctx, &categories, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load menu categories: %w", err)
	}

	return categories, nil
}

// GetStock reads the canonical available_quantity for one item.
func (r *MenuRepository) GetStock(ctx context.Context, itemID string) (int, error) {
	var qty int

	query := `SELECT available_quantity FROM menu_items WHERE item_id = $1`

	err := r.db.GetContext(ctx, &qty, query, itemID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("menu item %s not found", itemID)
		}
		return 0, fmt.Errorf("failed to get stock: %w", err)
	}

	return qty, nil
}

// DecrementStock reduces canonical stock after a checkout confirms its
// reservations. The floor guard keeps a double decrement from driving the
// column negative; the next cache refresh re-syncs the live counters.
func (r *MenuRepository) DecrementStock(ctx context.Context, itemID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("decrement quantity must be positive, got %d", qty)
	}

	query := `
		UPDATE menu_items
		SET available_quantity = GREATEST(available_quantity - $1, 0),
		    updated_at = NOW()
		WHERE item_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, qty, itemID)
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("menu item %s not found", itemID)
	}

	return nil
}
