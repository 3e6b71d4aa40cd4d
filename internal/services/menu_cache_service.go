package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/models"
)

// fuzzyMatchThreshold is the minimum similarity ratio for the last stage of
// FindItem.
const fuzzyMatchThreshold = 0.75

// MenuLoader supplies the canonical menu. Implemented by the menu repository.
type MenuLoader interface {
	LoadMenuItems(ctx context.Context) ([]models.MenuItem, error)
	LoadCategories(ctx context.Context) ([]models.MenuCategory, error)
}

// SimilarityIndex is an optional external vector index used for semantic
// similar-item lookups. Results are item IDs, best first.
type SimilarityIndex interface {
	Similar(ctx context.Context, query string, limit int) ([]string, error)
}

// menuSnapshot is one immutable cache generation. Queries operate on the
// snapshot they grabbed; the refresh loop swaps the pointer wholesale so a
// reader never sees a half-loaded menu.
type menuSnapshot struct {
	items      map[string]*models.MenuItem
	byName     map[string]*models.MenuItem
	categories map[string]*models.MenuCategory
	byCategory map[string][]*models.MenuItem
	ordered    []*models.MenuItem
	loadedAt   time.Time
}

// MenuCacheService keeps the full menu in memory, mirrors it to Redis, and
// re-seeds the reservation engine on every load. Lookup paths never touch the
// database.
type MenuCacheService struct {
	loader    MenuLoader
	inventory Inventory
	index     SimilarityIndex
	redis     *redis.Client
	logger    *logrus.Logger

	interval time.Duration
	stopCh   chan struct{}
	clock    func() time.Time

	mu       sync.RWMutex
	snapshot *menuSnapshot
}

// NewMenuCacheService creates the menu cache. index may be nil when no vector
// search backend is configured; similar-item lookups then fall back to
// category and popularity heuristics.
func NewMenuCacheService(
	loader MenuLoader,
	inventory Inventory,
	index SimilarityIndex,
	redisClient *redis.Client,
	refreshInterval time.Duration,
	logger *logrus.Logger,
) *MenuCacheService {
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}
	return &MenuCacheService{
		loader:    loader,
		inventory: inventory,
		index:     index,
		redis:     redisClient,
		logger:    logger,
		interval:  refreshInterval,
		stopCh:    make(chan struct{}),
		clock:     time.Now,
	}
}

// ============================================================================
// LOAD & REFRESH
// ============================================================================

// Load pulls the full menu from the canonical store, swaps the snapshot,
// re-seeds inventory and rewrites the Redis mirror. Called at startup and by
// the refresh loop; safe to call on demand.
func (s *MenuCacheService) Load(ctx context.Context) error {
	items, err := s.loader.LoadMenuItems(ctx)
	if err != nil {
		return fmt.Errorf("load menu items: %w", err)
	}
	categories, err := s.loader.LoadCategories(ctx)
	if err != nil {
		return fmt.Errorf("load menu categories: %w", err)
	}

	snap := buildSnapshot(items, categories, s.clock())

	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()

	if err := s.inventory.SyncFromCanonical(ctx, items); err != nil {
		s.logger.WithError(err).Error("Failed to seed inventory from menu load")
	}
	if err := s.mirrorToRedis(ctx, snap); err != nil {
		s.logger.WithError(err).Error("Failed to mirror menu cache to Redis")
	}

	s.logger.WithFields(logrus.Fields{
		"items":      len(items),
		"categories": len(categories),
	}).Info("Menu cache loaded")
	return nil
}

func buildSnapshot(items []models.MenuItem, categories []models.MenuCategory, now time.Time) *menuSnapshot {
	snap := &menuSnapshot{
		items:      make(map[string]*models.MenuItem, len(items)),
		byName:     make(map[string]*models.MenuItem, len(items)),
		categories: make(map[string]*models.MenuCategory, len(categories)),
		byCategory: make(map[string][]*models.MenuItem),
		ordered:    make([]*models.MenuItem, 0, len(items)),
		loadedAt:   now,
	}

	for i := range categories {
		cat := categories[i]
		snap.categories[cat.CategoryID] = &cat
	}
	for i := range items {
		item := items[i]
		item.CachedAt = now
		snap.items[item.ItemID] = &item
		snap.byName[normalizeName(item.Name)] = &item
		snap.byCategory[item.CategoryID] = append(snap.byCategory[item.CategoryID], &item)
		snap.ordered = append(snap.ordered, &item)
	}
	return snap
}

// mirrorToRedis rewrites the shared menu keys in one pipeline so other
// processes (and the ops tooling) see the same generation we serve.
func (s *MenuCacheService) mirrorToRedis(ctx context.Context, snap *menuSnapshot) error {
	if s.redis == nil {
		return nil
	}
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, "menu:items:all", "menu:categories:all")
		for id, item := range snap.items {
			payload, err := json.Marshal(item)
			if err != nil {
				return err
			}
			pipe.Set(ctx, "menu:item:"+id, payload, 0)
			pipe.SAdd(ctx, "menu:items:all", id)
		}
		for id, cat := range snap.categories {
			payload, err := json.Marshal(cat)
			if err != nil {
				return err
			}
			pipe.Set(ctx, "menu:category:"+id, payload, 0)
			pipe.SAdd(ctx, "menu:categories:all", id)
		}
		for catID, items := range snap.byCategory {
			key := "menu:category:" + catID + ":items"
			pipe.Del(ctx, key)
			for _, item := range items {
				pipe.SAdd(ctx, key, item.ItemID)
			}
		}
		return nil
	})
	return err
}

// Start launches the background refresh loop.
func (s *MenuCacheService) Start() {
	s.logger.WithField("interval", s.interval.String()).Info("🍽️ Starting Menu Cache Service")
	go s.run()
}

// Stop halts the refresh loop.
func (s *MenuCacheService) Stop() {
	s.logger.Info("🛑 Stopping Menu Cache Service")
	close(s.stopCh)
}

func (s *MenuCacheService) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce()
		case <-s.stopCh:
			s.logger.Info("Menu Cache Service stopped")
			return
		}
	}
}

// RunOnce performs a single refresh cycle (useful for testing or manual trigger).
func (s *MenuCacheService) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Load(ctx); err != nil {
		s.logger.WithError(err).Error("Menu refresh failed; serving previous snapshot")
	}
}

func (s *MenuCacheService) current() *menuSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// LoadedAt reports when the serving snapshot was built.
func (s *MenuCacheService) LoadedAt() time.Time {
	if snap := s.current(); snap != nil {
		return snap.loadedAt
	}
	return time.Time{}
}

// ============================================================================
// LOOKUPS
// ============================================================================

// GetItem returns the cached item by id.
func (s *MenuCacheService) GetItem(itemID string) (*models.MenuItem, bool) {
	snap := s.current()
	if snap == nil {
		return nil, false
	}
	item, ok := snap.items[itemID]
	return item, ok
}

// GetCategory returns the cached category by id.
func (s *MenuCacheService) GetCategory(categoryID string) (*models.MenuCategory, bool) {
	snap := s.current()
	if snap == nil {
		return nil, false
	}
	cat, ok := snap.categories[categoryID]
	return cat, ok
}

// Categories returns all categories in sort order.
func (s *MenuCacheService) Categories() []models.MenuCategory {
	snap := s.current()
	if snap == nil {
		return nil
	}
	out := make([]models.MenuCategory, 0, len(snap.categories))
	for _, cat := range snap.categories {
		out = append(out, *cat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ItemsByCategory returns the sellable items in one category.
func (s *MenuCacheService) ItemsByCategory(categoryID string) []models.MenuItem {
	snap := s.current()
	if snap == nil {
		return nil
	}
	var out []models.MenuItem
	for _, item := range snap.byCategory[categoryID] {
		if item.Searchable() {
			out = append(out, *item)
		}
	}
	return out
}

// AllItems returns every sellable item in the serving snapshot.
func (s *MenuCacheService) AllItems() []models.MenuItem {
	snap := s.current()
	if snap == nil {
		return nil
	}
	out := make([]models.MenuItem, 0, len(snap.ordered))
	for _, item := range snap.ordered {
		if item.Searchable() {
			out = append(out, *item)
		}
	}
	return out
}

// CurrentMealPeriod derives the serving window from the wall clock.
func (s *MenuCacheService) CurrentMealPeriod() models.MealPeriod {
	return models.MealPeriodAt(s.clock())
}

// Search matches query tokens against item names, descriptions and category
// names. strict requires every token to hit; otherwise any token suffices.
// period filters by serving window; pass an empty period to skip the filter.
func (s *MenuCacheService) Search(query string, period models.MealPeriod, strict bool) []models.MenuItem {
	snap := s.current()
	if snap == nil {
		return nil
	}

	tokens := strings.Fields(normalizeName(query))
	var out []models.MenuItem
	for _, item := range snap.ordered {
		if !item.Searchable() || !item.IsAvailable {
			continue
		}
		if period != "" && !item.ServedDuring(period) {
			continue
		}
		if len(tokens) == 0 || matchesTokens(item, tokens, strict) {
			out = append(out, *item)
		}
	}
	return out
}

func matchesTokens(item *models.MenuItem, tokens []string, strict bool) bool {
	haystack := normalizeName(item.Name + " " + item.Description.String + " " + item.CategoryName)
	for _, tok := range tokens {
		hit := strings.Contains(haystack, tok)
		if strict && !hit {
			return false
		}
		if !strict && hit {
			return true
		}
	}
	return strict
}

// FindItem resolves a user-typed name to a single item in three stages:
// exact normalized match, then substring containment preferring the longest
// item name, then fuzzy matching above the similarity threshold.
func (s *MenuCacheService) FindItem(name string) (*models.MenuItem, bool) {
	snap := s.current()
	if snap == nil {
		return nil, false
	}
	query := normalizeName(name)
	if query == "" {
		return nil, false
	}

	// Stage 1: exact.
	if item, ok := snap.byName[query]; ok && item.Searchable() {
		return item, true
	}

	// Stage 2: substring containment either way, longest item name wins.
	var best *models.MenuItem
	for _, item := range snap.ordered {
		if !item.Searchable() {
			continue
		}
		itemName := normalizeName(item.Name)
		if strings.Contains(itemName, query) || strings.Contains(query, itemName) {
			if best == nil || len(itemName) > len(normalizeName(best.Name)) {
				best = item
			}
		}
	}
	if best != nil {
		return best, true
	}

	// Stage 3: fuzzy.
	bestRatio := 0.0
	for _, item := range snap.ordered {
		if !item.Searchable() {
			continue
		}
		ratio := similarityRatio(query, normalizeName(item.Name))
		if ratio >= fuzzyMatchThreshold && ratio > bestRatio {
			bestRatio = ratio
			best = item
		}
	}
	return best, best != nil
}

// SimilarItems suggests up to limit items related to query, excluding
// excludeID. Prefers the vector index when configured, then items from the
// same category, then popular items.
func (s *MenuCacheService) SimilarItems(ctx context.Context, query, excludeID string, limit int) []models.MenuItem {
	snap := s.current()
	if snap == nil || limit <= 0 {
		return nil
	}

	if s.index != nil {
		ids, err := s.index.Similar(ctx, query, limit+1)
		if err != nil {
			s.logger.WithError(err).Warn("Similarity index lookup failed; using fallbacks")
		} else {
			out := make([]models.MenuItem, 0, limit)
			for _, id := range ids {
				if id == excludeID {
					continue
				}
				if item, ok := snap.items[id]; ok && item.Searchable() {
					out = append(out, *item)
					if len(out) == limit {
						return out
					}
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}

	// Same-category fallback, anchored on the excluded or best-matching item.
	anchor, ok := snap.items[excludeID]
	if !ok {
		anchor, _ = s.FindItem(query)
	}
	if anchor != nil {
		out := s.pickAlternatives(snap.byCategory[anchor.CategoryID], excludeID, limit)
		if len(out) > 0 {
			return out
		}
	}

	// Popular fallback.
	var popular []*models.MenuItem
	for _, item := range snap.ordered {
		if item.IsPopular {
			popular = append(popular, item)
		}
	}
	return s.pickAlternatives(popular, excludeID, limit)
}

func (s *MenuCacheService) pickAlternatives(candidates []*models.MenuItem, excludeID string, limit int) []models.MenuItem {
	out := make([]models.MenuItem, 0, limit)
	// Popular items lead the suggestion list.
	for pass := 0; pass < 2 && len(out) < limit; pass++ {
		for _, item := range candidates {
			if len(out) == limit {
				break
			}
			if item.ItemID == excludeID || !item.Searchable() || !item.IsAvailable {
				continue
			}
			if (pass == 0) != item.IsPopular {
				continue
			}
			out = append(out, *item)
		}
	}
	return out
}
