package database

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMenuRepoTest(t *testing.T) (*MenuRepository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	repo := NewMenuRepository(sqlxDB)

	cleanup := func() {
		db.Close()
	}

	return repo, mock, cleanup
}

func menuItemColumns() []string {
	return []string{
		"item_id", "name", "description", "price_paise",
		"category_id", "category_name",
		"is_available", "is_popular", "spice_level",
		"calories", "prep_minutes", "availability_periods",
		"available_quantity",
	}
}

func TestLoadMenuItems(t *testing.T) {
	repo, mock, cleanup := setupMenuRepoTest(t)
	defer cleanup()

	t.Run("Success", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM menu_items i`).
			WillReturnRows(sqlmock.NewRows(menuItemColumns()).
				AddRow(
					"masala-dosa", "Masala Dosa", "Crisp dosa with potato filling", int64(12000),
					"south-indian", "South Indian",
					true, true, "medium",
					int64(450), int64(15), []byte(`{breakfast,lunch}`),
					20,
				).
				AddRow(
					"filter-coffee", "Filter Coffee", nil, int64(4000),
					"beverages", "Beverages",
					true, false, nil,
					nil, nil, []byte(`{}`),
					100,
				))

		items, err := repo.LoadMenuItems(context.Background())
		require.NoError(t, err)
		require.Len(t, items, 2)

		dosa := items[0]
		assert.Equal(t, "masala-dosa", dosa.ItemID)
		assert.Equal(t, "South Indian", dosa.CategoryName)
		assert.Equal(t, int64(12000), dosa.PricePaise)
		assert.Equal(t, []string{"breakfast", "lunch"}, []string(dosa.AvailabilityPeriods))
		assert.Equal(t, 20, dosa.AvailableQuantity)
		assert.Equal(t, "medium", dosa.SpiceLevel.String)

		coffee := items[1]
		assert.False(t, coffee.Description.Valid)
		assert.Empty(t, []string(coffee.AvailabilityPeriods))

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Query Error", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM menu_items i`).
			WillReturnError(fmt.Errorf("connection refused"))

		items, err := repo.LoadMenuItems(context.Background())
		assert.Error(t, err)
		assert.Nil(t, items)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLoadCategories(t *testing.T) {
	repo, mock, cleanup := setupMenuRepoTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT (.+) FROM menu_categories`).
		WillReturnRows(sqlmock.NewRows([]string{"category_id", "name", "description", "sort_order"}).
			AddRow("south-indian", "South Indian", "Dosas and idlis", 1).
			AddRow("beverages", "Beverages", nil, 2))

	categories, err := repo.LoadCategories(context.Background())
	require.NoError(t, err)
	require.Len(t, categories, 2)
	assert.Equal(t, "south-indian", categories[0].CategoryID)
	assert.Equal(t, 1, categories[0].SortOrder)
	assert.False(t, categories[1].Description.Valid)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStock(t *testing.T) {
	repo, mock, cleanup := setupMenuRepoTest(t)
	defer cleanup()

	t.Run("Success", func(t *testing.T) {
		mock.ExpectQuery(`SELECT available_quantity FROM menu_items`).
			WithArgs("masala-dosa").
			WillReturnRows(sqlmock.NewRows([]string{"available_quantity"}).AddRow(7))

		qty, err := repo.GetStock(context.Background(), "masala-dosa")
		require.NoError(t, err)
		assert.Equal(t, 7, qty)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Not Found", func(t *testing.T) {
		mock.ExpectQuery(`SELECT available_quantity FROM menu_items`).
			WithArgs("ghost-item").
			WillReturnRows(sqlmock.NewRows([]string{"available_quantity"}))

		_, err := repo.GetStock(context.Background(), "ghost-item")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not found")

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDecrementStock(t *testing.T) {
	repo, mock, cleanup := setupMenuRepoTest(t)
	defer cleanup()

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(`UPDATE menu_items`).
			WithArgs(3, "masala-dosa").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.DecrementStock(context.Background(), "masala-dosa", 3)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Unknown Item", func(t *testing.T) {
		mock.ExpectExec(`UPDATE menu_items`).
			WithArgs(1, "ghost-item").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.DecrementStock(context.Background(), "ghost-item", 1)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Rejects Non-Positive Quantity", func(t *testing.T) {
		err := repo.DecrementStock(context.Background(), "masala-dosa", 0)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must be positive")
	})
}
