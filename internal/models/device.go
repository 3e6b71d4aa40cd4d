package models

import (
	"time"

	"github.com/google/uuid"
)

// Device represents a client device seen by the platform. A device starts
// unbound (tier 1); binding it to a user on authentication upgrades later
// visits from that device to tier 2 recognition.
type Device struct {
	ID         int64         `json:"id" db:"id"`
	DeviceID   string        `json:"device_id" db:"device_id"`
	UserID     uuid.NullUUID `json:"user_id,omitempty" db:"user_id"`
	DeviceType NullString    `json:"device_type,omitempty" db:"device_type"`
	OS         NullString    `json:"os,omitempty" db:"os"`
	Browser    NullString    `json:"browser,omitempty" db:"browser"`
	UserAgent  NullString    `json:"user_agent,omitempty" db:"user_agent"`
	FirstSeen  time.Time     `json:"first_seen" db:"first_seen"`
	LastSeen   time.Time     `json:"last_seen" db:"last_seen"`
}

// Bound reports whether the device has been tied to a user.
func (d *Device) Bound() bool {
	return d.UserID.Valid
}
