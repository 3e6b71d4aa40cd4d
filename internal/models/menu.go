package models

import (
	"strings"
	"time"

	"github.com/lib/pq"
)

// ============================================================================
// MEAL PERIODS
// ============================================================================

// MealPeriod is a serving window derived from local time.
type MealPeriod string

const (
	MealPeriodBreakfast MealPeriod = "breakfast"
	MealPeriodLunch     MealPeriod = "lunch"
	MealPeriodDinner    MealPeriod = "dinner"
	MealPeriodAllDay    MealPeriod = "all_day"
)

// MealPeriodAt derives the serving window for a local timestamp:
// 05:00–11:00 breakfast, 11:00–16:00 lunch, 16:00–22:00 dinner,
// everything else all-day.
func MealPeriodAt(t time.Time) MealPeriod {
	switch hour := t.Hour(); {
	case hour >= 5 && hour < 11:
		return MealPeriodBreakfast
	case hour >= 11 && hour < 16:
		return MealPeriodLunch
	case hour >= 16 && hour < 22:
		return MealPeriodDinner
	default:
		return MealPeriodAllDay
	}
}

// ============================================================================
// MENU MODELS
// ============================================================================

// MenuItem is one sellable item. The same struct serves as the canonical
// database row and as the immutable cache snapshot entry; prices are integer
// paise. Carts copy the fields they need rather than holding references, so
// cache refreshes never invalidate a cart.
type MenuItem struct {
	ItemID              string         `json:"item_id" db:"item_id"`
	Name                string         `json:"name" db:"name"`
	Description         NullString     `json:"description,omitempty" db:"description"`
	PricePaise          int64          `json:"price_paise" db:"price_paise"`
	CategoryID          string         `json:"category_id" db:"category_id"`
	CategoryName        string         `json:"category_name" db:"category_name"`
	IsAvailable         bool           `json:"is_available" db:"is_available"`
	IsPopular           bool           `json:"is_popular" db:"is_popular"`
	SpiceLevel          NullString     `json:"spice_level,omitempty" db:"spice_level"`
	Calories            NullInt64      `json:"calories,omitempty" db:"calories"`
	PrepMinutes         NullInt64      `json:"prep_minutes,omitempty" db:"prep_minutes"`
	AvailabilityPeriods pq.StringArray `json:"availability_periods" db:"availability_periods"`
	AvailableQuantity   int            `json:"available_quantity" db:"available_quantity"`
	CachedAt            time.Time      `json:"cached_at" db:"-"`
}

// Searchable reports whether the item may appear in search and find paths.
// Items priced at or below zero are placeholders and never surface.
func (m *MenuItem) Searchable() bool {
	return m.PricePaise > 0
}

// ServedDuring reports whether the item passes a meal-period filter. Items
// with no explicit periods, or tagged all_day, pass every filter.
func (m *MenuItem) ServedDuring(period MealPeriod) bool {
	if len(m.AvailabilityPeriods) == 0 || period == MealPeriodAllDay {
		return true
	}
	for _, p := range m.AvailabilityPeriods {
		if p == string(MealPeriodAllDay) || strings.EqualFold(p, string(period)) {
			return true
		}
	}
	return false
}

// MenuCategory is one menu section.
type MenuCategory struct {
	CategoryID  string     `json:"category_id" db:"category_id"`
	Name        string     `json:"name" db:"name"`
	Description NullString `json:"description,omitempty" db:"description"`
	SortOrder   int        `json:"sort_order" db:"sort_order"`
}
