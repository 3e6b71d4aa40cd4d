package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/config"
	"github.com/dineflow/chat-commerce-backend/internal/database"
	"github.com/dineflow/chat-commerce-backend/internal/models"
)

var (
	// ErrNoAbandonedCart means the cart id does not exist.
	ErrNoAbandonedCart = errors.New("no abandoned cart to restore")

	// ErrNoAbandonedBooking means the booking id does not exist.
	ErrNoAbandonedBooking = errors.New("no abandoned booking to resume")

	// ErrRestoreForbidden means the record belongs to a different user.
	ErrRestoreForbidden = errors.New("abandoned record belongs to another user")

	// ErrAlreadyRestored means the record was already consumed.
	ErrAlreadyRestored = errors.New("abandoned record already restored")

	// ErrRestoreExpired means the restore window has closed.
	ErrRestoreExpired = errors.New("abandoned record restore window has passed")
)

// UserDataService hydrates the session cache at login, parks cart and draft
// state at logout, and replays parked state on explicit request. The cache
// document lives at session:{session_id} and shares the cart's TTL: a session
// whose cart expired has nothing worth keeping warm.
type UserDataService struct {
	redis     *redis.Client
	users     *database.UserRepository
	abandoned *database.AbandonedRepository
	cart      *CartService
	inventory Inventory
	logger    *logrus.Logger

	cartWindow    time.Duration
	bookingWindow time.Duration
	clock         func() time.Time
}

// NewUserDataService creates the user data service. Abandonment windows come
// from config; zero values fall back to 2h for carts and 7d for draft orders.
func NewUserDataService(
	redisClient *redis.Client,
	users *database.UserRepository,
	abandoned *database.AbandonedRepository,
	cart *CartService,
	inventory Inventory,
	cfg config.AbandonedConfig,
	logger *logrus.Logger,
) *UserDataService {
	cartWindow := time.Duration(cfg.CartWindowHours) * time.Hour
	if cartWindow <= 0 {
		cartWindow = 2 * time.Hour
	}
	bookingWindow := time.Duration(cfg.BookingWindowDays) * 24 * time.Hour
	if bookingWindow <= 0 {
		bookingWindow = 7 * 24 * time.Hour
	}

	return &UserDataService{
		redis:         redisClient,
		users:         users,
		abandoned:     abandoned,
		cart:          cart,
		inventory:     inventory,
		logger:        logger,
		cartWindow:    cartWindow,
		bookingWindow: bookingWindow,
		clock:         time.Now,
	}
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

// ============================================================================
// LOGIN HYDRATION
// ============================================================================

// Login builds the session cache for a freshly authenticated user: profile
// projection, abandoned-cart and draft-order offers, and migrated ownership
// of any reservations the session made while anonymous. Offer lookups are
// best-effort; a broken offer never blocks a login.
func (s *UserDataService) Login(ctx context.Context, user *models.User, session *models.ResolvedSession) (*models.SessionData, error) {
	if user == nil || session == nil {
		return nil, fmt.Errorf("login hydration requires a user and a resolved session")
	}

	now := s.clock()
	data := &models.SessionData{
		Profile:    s.buildProfile(user, now),
		HydratedAt: now,
	}

	if offer := s.cartOffer(ctx, user.ID, now); offer != nil {
		data.CartOffer = offer
	}
	if offer := s.bookingOffer(user.ID, now); offer != nil {
		data.BookingOffer = offer
	}

	s.migrateReservations(ctx, session, user.ID)

	if err := s.saveData(ctx, session.SessionID, data); err != nil {
		return nil, err
	}

	if err := s.users.TouchLastLogin(user.ID); err != nil {
		s.logger.WithFields(logrus.Fields{
			"user_id": user.ID,
			"error":   err.Error(),
		}).Warn("Failed to record last login time")
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":       user.ID,
		"session_id":    session.SessionID,
		"cart_offer":    data.CartOffer != nil,
		"booking_offer": data.BookingOffer != nil,
	}).Info("Session cache hydrated")

	return data, nil
}

func (s *UserDataService) buildProfile(user *models.User, now time.Time) *models.UserProfilePayload {
	profile := &models.UserProfilePayload{
		UserID:              user.ID,
		DietaryRestrictions: user.DietaryRestrictions,
		LoadedAt:            now,
	}
	if user.FirstName.Valid {
		profile.FirstName = user.FirstName.String
	}
	if user.DefaultOrderType.Valid {
		profile.DefaultOrderType = user.DefaultOrderType.String
	}
	if user.Preferences.Valid && user.Preferences.String != "" {
		if err := json.Unmarshal([]byte(user.Preferences.String), &profile.Preferences); err != nil {
			s.logger.WithFields(logrus.Fields{
				"user_id": user.ID,
				"error":   err.Error(),
			}).Warn("Stored preferences are not valid JSON, skipping")
		}
	}
	return profile
}

// cartOffer looks for a restorable cart and partitions its lines against
// current stock so the user learns up front what survived.
func (s *UserDataService) cartOffer(ctx context.Context, userID uuid.UUID, now time.Time) *models.AbandonedCartOffer {
	parked, err := s.abandoned.LatestUnrestoredCart(userID, now)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err.Error(),
		}).Warn("Abandoned cart lookup failed during login")
		return nil
	}
	if parked == nil {
		return nil
	}

	offer := &models.AbandonedCartOffer{
		AbandonedCartID: parked.ID,
		SavedAt:         parked.Snapshot.SavedAt,
	}
	for _, item := range parked.Snapshot.Items {
		ok, available, err := s.inventory.Check(ctx, item.ItemID, item.Quantity)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"item_id": item.ItemID,
				"error":   err.Error(),
			}).Warn("Stock check failed while partitioning abandoned cart")
			ok, available = false, 0
		}
		if ok {
			offer.Available = append(offer.Available, item)
		} else {
			offer.Unavailable = append(offer.Unavailable, models.UnavailableItem{
				Item:      item,
				Requested: item.Quantity,
				Available: available,
			})
		}
	}
	return offer
}

func (s *UserDataService) bookingOffer(userID uuid.UUID, now time.Time) *models.AbandonedBookingOffer {
	parked, err := s.abandoned.LatestUnresumedBooking(userID, now.Add(-s.bookingWindow))
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err.Error(),
		}).Warn("Abandoned booking lookup failed during login")
		return nil
	}
	if parked == nil || parked.Expired(now) {
		return nil
	}

	return &models.AbandonedBookingOffer{
		AbandonedBookingID: parked.ID,
		SavedAt:            parked.Snapshot.SavedAt,
		Snapshot:           parked.Snapshot,
	}
}

// migrateReservations re-keys every live cart line's hold from the anonymous
// session owner to the user id. The cart document itself stays where it is:
// its key is the device-scoped session id, which survives login.
func (s *UserDataService) migrateReservations(ctx context.Context, session *models.ResolvedSession, userID uuid.UUID) {
	anonOwner := session.SessionID
	userOwner := userID.String()
	if anonOwner == "" || anonOwner == userOwner {
		return
	}

	cart, err := s.cart.Get(ctx, session.SessionID)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"session_id": session.SessionID,
			"error":      err.Error(),
		}).Warn("Cart load failed during reservation migration")
		return
	}
	if cart == nil || cart.IsEmpty() {
		return
	}

	migrated := 0
	for _, line := range cart.Items {
		if err := s.inventory.Migrate(ctx, line.ItemID, anonOwner, userOwner); err != nil {
			s.logger.WithFields(logrus.Fields{
				"item_id": line.ItemID,
				"error":   err.Error(),
			}).Warn("Reservation migration failed for line")
			continue
		}
		migrated++
	}
	if migrated > 0 {
		s.logger.WithFields(logrus.Fields{
			"session_id": session.SessionID,
			"user_id":    userID,
			"lines":      migrated,
		}).Info("Anonymous reservations migrated to user")
	}
}

// ============================================================================
// LOGOUT
// ============================================================================

// Logout releases every reservation the session holds, parks the cart and any
// draft order for the abandonment flows, and destroys the session cache and
// cart documents. Release and parking failures are logged, never propagated:
// a user who asked to leave always leaves.
func (s *UserDataService) Logout(ctx context.Context, session *models.ResolvedSession) error {
	if session == nil {
		return nil
	}

	now := s.clock()
	owner := session.ReservationOwner()

	cart, err := s.cart.Get(ctx, session.SessionID)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"session_id": session.SessionID,
			"error":      err.Error(),
		}).Warn("Cart load failed at logout, nothing to park")
		cart = nil
	}

	if cart != nil {
		for _, line := range cart.Items {
			if err := s.inventory.Release(ctx, line.ItemID, owner); err != nil {
				s.logger.WithFields(logrus.Fields{
					"item_id": line.ItemID,
					"owner":   owner,
					"error":   err.Error(),
				}).Warn("Reservation release failed at logout")
			}
		}
	}

	data, err := s.Data(ctx, session.SessionID)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"session_id": session.SessionID,
			"error":      err.Error(),
		}).Warn("Session cache load failed at logout")
		data = nil
	}

	if session.UserID != nil {
		s.parkCart(session, cart, now)
		s.parkBooking(session, data, now)
	}

	if err := s.redis.Del(ctx, sessionKey(session.SessionID)).Err(); err != nil {
		return fmt.Errorf("destroy session cache for %s: %w", session.SessionID, err)
	}
	if err := s.cart.Drop(ctx, session.SessionID); err != nil {
		return fmt.Errorf("drop cart at logout for %s: %w", session.SessionID, err)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": session.SessionID,
		"tier":       session.Tier.String(),
	}).Info("Session closed")
	return nil
}

func (s *UserDataService) parkCart(session *models.ResolvedSession, cart *models.Cart, now time.Time) {
	if cart == nil || cart.IsEmpty() {
		return
	}

	step := "cart_review"
	if cart.Validated {
		step = "order_validated"
	}

	parked := &models.AbandonedCart{
		UserID: *session.UserID,
		Snapshot: models.CartSnapshot{
			Items:         cart.Items,
			OrderType:     cart.OrderType,
			SubtotalPaise: cart.SubtotalPaise(),
			SavedAt:       now,
		},
		ExpiresAt: now.Add(s.cartWindow),
	}
	parked.LastStepCompleted.String = step
	parked.LastStepCompleted.Valid = true
	if session.DeviceID != "" {
		parked.DeviceID.String = session.DeviceID
		parked.DeviceID.Valid = true
	}

	if err := s.abandoned.UpsertCart(parked); err != nil {
		s.logger.WithFields(logrus.Fields{
			"user_id": *session.UserID,
			"error":   err.Error(),
		}).Error("Failed to park abandoned cart")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":    *session.UserID,
		"cart_id":    parked.ID,
		"lines":      len(cart.Items),
		"expires_at": parked.ExpiresAt,
	}).Info("Cart parked for later restore")
}

func (s *UserDataService) parkBooking(session *models.ResolvedSession, data *models.SessionData, now time.Time) {
	if data == nil || data.Draft == nil {
		return
	}

	draft := data.Draft
	parked := &models.AbandonedBooking{
		UserID: *session.UserID,
		Snapshot: models.BookingSnapshot{
			DraftID:       draft.DraftID,
			Items:         draft.Items,
			OrderType:     draft.OrderType,
			SubtotalPaise: draft.SubtotalPaise,
			TaxPaise:      draft.TaxPaise,
			TotalPaise:    draft.TotalPaise,
			SavedAt:       now,
		},
		ExpiresAt: now.Add(s.bookingWindow),
	}
	parked.LastStepCompleted.String = "order_validated"
	parked.LastStepCompleted.Valid = true
	if session.DeviceID != "" {
		parked.DeviceID.String = session.DeviceID
		parked.DeviceID.Valid = true
	}

	if err := s.abandoned.UpsertBooking(parked); err != nil {
		s.logger.WithFields(logrus.Fields{
			"user_id": *session.UserID,
			"error":   err.Error(),
		}).Error("Failed to park abandoned booking")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":    *session.UserID,
		"booking_id": parked.ID,
		"draft_id":   draft.DraftID,
		"expires_at": parked.ExpiresAt,
	}).Info("Draft order parked for later resume")
}

// ============================================================================
// EXPLICIT RESTORE & RESUME
// ============================================================================

// RestoreCart rebuilds the live cart from a parked snapshot. Restoration is
// always explicit: the login offer describes the snapshot, this call acts on
// it. Every line re-reserves at current stock; lines that no longer fit are
// dropped from the result rather than failing the restore.
func (s *UserDataService) RestoreCart(ctx context.Context, session *models.ResolvedSession, cartID uuid.UUID) (*models.RestoreResult, error) {
	parked, err := s.abandoned.GetCartByID(cartID)
	if err != nil {
		return nil, fmt.Errorf("load abandoned cart: %w", err)
	}
	if parked == nil {
		return nil, ErrNoAbandonedCart
	}
	if session == nil || session.UserID == nil || parked.UserID != *session.UserID {
		return nil, ErrRestoreForbidden
	}
	if parked.Restored {
		return nil, ErrAlreadyRestored
	}

	now := s.clock()
	if parked.Expired(now) {
		return nil, ErrRestoreExpired
	}

	live, err := s.cart.Get(ctx, session.SessionID)
	if err != nil {
		return nil, err
	}
	if live == nil {
		live = &models.Cart{SessionID: session.SessionID}
	}
	if live.OrderType == "" {
		live.OrderType = parked.Snapshot.OrderType
	}

	owner := session.ReservationOwner()
	result := &models.RestoreResult{}

	for _, item := range parked.Snapshot.Items {
		// Reservations are absolute per owner, so a merged line reserves
		// the combined quantity in one call.
		quantity := item.Quantity
		existing := live.FindItem(item.ItemID)
		if existing != nil {
			quantity += existing.Quantity
		}

		if err := s.inventory.Reserve(ctx, item.ItemID, quantity, owner); err != nil {
			s.logger.WithFields(logrus.Fields{
				"item_id":  item.ItemID,
				"quantity": quantity,
				"error":    err.Error(),
			}).Info("Dropped unavailable line from restored cart")
			result.Dropped = append(result.Dropped, item)
			continue
		}

		if existing != nil {
			existing.Quantity = quantity
		} else {
			line := item
			line.AddedAt = now
			live.Items = append(live.Items, line)
		}
		result.Restored = append(result.Restored, item)
	}

	// A restored cart is a new cart as far as checkout is concerned.
	live.Validated = false

	if err := s.cart.Replace(ctx, live); err != nil {
		return nil, err
	}
	if err := s.abandoned.MarkCartRestored(parked.ID); err != nil {
		return nil, fmt.Errorf("mark cart restored: %w", err)
	}

	result.Cart = live
	s.logger.WithFields(logrus.Fields{
		"session_id": session.SessionID,
		"cart_id":    parked.ID,
		"restored":   len(result.Restored),
		"dropped":    len(result.Dropped),
	}).Info("Abandoned cart restored")
	return result, nil
}

// ResumeBooking rebuilds the live cart from a parked draft order. The draft
// itself is not revived: stock may have moved since it was validated, so the
// user re-validates before checkout.
func (s *UserDataService) ResumeBooking(ctx context.Context, session *models.ResolvedSession, bookingID uuid.UUID) (*models.RestoreResult, error) {
	parked, err := s.abandoned.GetBookingByID(bookingID)
	if err != nil {
		return nil, fmt.Errorf("load abandoned booking: %w", err)
	}
	if parked == nil {
		return nil, ErrNoAbandonedBooking
	}
	if session == nil || session.UserID == nil || parked.UserID != *session.UserID {
		return nil, ErrRestoreForbidden
	}
	if parked.Resumed {
		return nil, ErrAlreadyRestored
	}

	now := s.clock()
	if parked.Expired(now) {
		return nil, ErrRestoreExpired
	}

	live, err := s.cart.Get(ctx, session.SessionID)
	if err != nil {
		return nil, err
	}
	if live == nil {
		live = &models.Cart{SessionID: session.SessionID}
	}
	if live.OrderType == "" {
		live.OrderType = parked.Snapshot.OrderType
	}

	owner := session.ReservationOwner()
	result := &models.RestoreResult{}

	for _, item := range parked.Snapshot.Items {
		quantity := item.Quantity
		existing := live.FindItem(item.ItemID)
		if existing != nil {
			quantity += existing.Quantity
		}

		if err := s.inventory.Reserve(ctx, item.ItemID, quantity, owner); err != nil {
			s.logger.WithFields(logrus.Fields{
				"item_id":  item.ItemID,
				"quantity": quantity,
				"error":    err.Error(),
			}).Info("Dropped unavailable line from resumed booking")
			result.Dropped = append(result.Dropped, item)
			continue
		}

		if existing != nil {
			existing.Quantity = quantity
		} else {
			line := item
			line.AddedAt = now
			live.Items = append(live.Items, line)
		}
		result.Restored = append(result.Restored, item)
	}

	live.Validated = false

	if err := s.cart.Replace(ctx, live); err != nil {
		return nil, err
	}
	if err := s.abandoned.MarkBookingResumed(parked.ID); err != nil {
		return nil, fmt.Errorf("mark booking resumed: %w", err)
	}

	result.Cart = live
	s.logger.WithFields(logrus.Fields{
		"session_id": session.SessionID,
		"booking_id": parked.ID,
		"restored":   len(result.Restored),
		"dropped":    len(result.Dropped),
	}).Info("Abandoned booking resumed into cart")
	return result, nil
}

// ============================================================================
// SESSION CACHE DOCUMENT
// ============================================================================

// Data loads the session cache document, or nil when none exists.
func (s *UserDataService) Data(ctx context.Context, sessionID string) (*models.SessionData, error) {
	raw, err := s.redis.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session cache for %s: %w", sessionID, err)
	}

	var data models.SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode session cache for %s: %w", sessionID, err)
	}
	return &data, nil
}

func (s *UserDataService) saveData(ctx context.Context, sessionID string, data *models.SessionData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode session cache for %s: %w", sessionID, err)
	}
	if err := s.redis.Set(ctx, sessionKey(sessionID), payload, s.cart.TTL()).Err(); err != nil {
		return fmt.Errorf("save session cache for %s: %w", sessionID, err)
	}
	return nil
}

// SaveDraft attaches a validated draft order to the session cache. Writing a
// nil draft clears it.
func (s *UserDataService) SaveDraft(ctx context.Context, sessionID string, draft *models.DraftOrder) error {
	data, err := s.Data(ctx, sessionID)
	if err != nil {
		return err
	}
	if data == nil {
		data = &models.SessionData{HydratedAt: s.clock()}
	}
	data.Draft = draft
	data.HasDraftOrder = draft != nil
	return s.saveData(ctx, sessionID, data)
}

// Draft returns the session's validated draft order, or nil.
func (s *UserDataService) Draft(ctx context.Context, sessionID string) (*models.DraftOrder, error) {
	data, err := s.Data(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return data.Draft, nil
}

// ClearDraft removes the draft order after checkout consumes it.
func (s *UserDataService) ClearDraft(ctx context.Context, sessionID string) error {
	data, err := s.Data(ctx, sessionID)
	if err != nil || data == nil {
		return err
	}
	data.Draft = nil
	data.HasDraftOrder = false
	return s.saveData(ctx, sessionID, data)
}
