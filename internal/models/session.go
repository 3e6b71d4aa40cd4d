package models

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the identity recognition level resolved for a request.
type Tier int

const (
	// TierAnonymous is an unrecognised caller (no token, unbound device).
	TierAnonymous Tier = 1

	// TierDevice is a caller on a device previously bound to a user.
	TierDevice Tier = 2

	// TierAuthenticated is a caller presenting a valid, unrevoked session token.
	TierAuthenticated Tier = 3
)

func (t Tier) String() string {
	switch t {
	case TierAuthenticated:
		return "authenticated"
	case TierDevice:
		return "device_recognized"
	default:
		return "anonymous"
	}
}

// SessionToken is the revocation-ledger row for one issued JWT. The database
// record has precedence over the token itself: a revoked jti is rejected no
// matter how valid the signature looks.
type SessionToken struct {
	JTI        uuid.UUID  `json:"jti" db:"jti"`
	UserID     uuid.UUID  `json:"user_id" db:"user_id"`
	DeviceID   NullString `json:"device_id,omitempty" db:"device_id"`
	IssuedAt   time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	LastUsedAt NullTime   `json:"last_used_at,omitempty" db:"last_used_at"`
	UsageCount int        `json:"usage_count" db:"usage_count"`
	Revoked    bool       `json:"revoked" db:"revoked"`
	RevokedAt  NullTime   `json:"revoked_at,omitempty" db:"revoked_at"`
}

// ResolvedSession is the outcome of tier resolution for one request. The
// reservation owner key is the user id at tier 3 and the session id below
// it, so anonymous holds survive until the session ends or is upgraded.
type ResolvedSession struct {
	SessionID string     `json:"session_id"`
	Tier      Tier       `json:"tier"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	DeviceID  string     `json:"device_id,omitempty"`

	// RenewedToken carries a fresh JWT when sliding renewal fired during
	// validation; empty otherwise. The old token stays valid until its
	// original expiry.
	RenewedToken string `json:"renewed_token,omitempty"`
}

// ReservationOwner returns the key inventory holds are filed under.
func (s *ResolvedSession) ReservationOwner() string {
	if s.Tier == TierAuthenticated && s.UserID != nil {
		return s.UserID.String()
	}
	return s.SessionID
}

// Authenticated reports whether the session reached tier 3.
func (s *ResolvedSession) Authenticated() bool {
	return s.Tier == TierAuthenticated
}

// SessionData is the session-cache document stored at session:{id}. It is
// written whole on every change and shares the cart's TTL, so an idle
// session loses its cache and cart together.
type SessionData struct {
	Profile      *UserProfilePayload    `json:"profile,omitempty"`
	CartOffer    *AbandonedCartOffer    `json:"cart_offer,omitempty"`
	BookingOffer *AbandonedBookingOffer `json:"booking_offer,omitempty"`

	// Draft is the priced order written by validation; HasDraftOrder guards
	// checkout without forcing a full decode.
	Draft         *DraftOrder `json:"draft,omitempty"`
	HasDraftOrder bool        `json:"has_draft_order"`

	HydratedAt time.Time `json:"hydrated_at"`
}
