package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/dineflow/chat-commerce-backend/internal/models"
)

// DeviceRepository handles device registration and user binding. Devices are
// registered at first sight so that a later authentication can bind them and
// upgrade subsequent visits to device-recognized.
type DeviceRepository struct {
	db DB
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db DB) *DeviceRepository {
	return &DeviceRepository{
		db: db,
	}
}

// GetByDeviceID retrieves a device by its client-assigned identifier.
func (r *DeviceRepository) GetByDeviceID(deviceID string) (*models.Device, error) {
	var device models.Device

	query := `
		SELECT id, device_id, user_id, device_type, os, browser,
		       user_agent, first_seen, last_seen
		FROM devices
		WHERE device_id = $1
	`

	err := r.db.Get(&device, query, deviceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Device not seen before
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return &device, nil
}

// Register upserts a device row: first sight inserts with parsed user-agent
// metadata, later sights only refresh last_seen.
func (r *DeviceRepository) Register(deviceID, deviceType, os, browser, userAgent string) error {
	query := `
		INSERT INTO devices (
			device_id, device_type, os, browser, user_agent,
			first_seen, last_seen
		) VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (device_id) DO UPDATE
		SET last_seen = EXCLUDED.last_seen
	`

	var deviceTypeVal, osVal, browserVal, userAgentVal interface{}
	if deviceType != "" {
		deviceTypeVal = deviceType
	}
	if os != "" {
		osVal = os
	}
	if browser != "" {
		browserVal = browser
	}
	if userAgent != "" {
		userAgentVal = userAgent
	}

	_, err := r.db.Exec(query, deviceID, deviceTypeVal, osVal, browserVal, userAgentVal, time.Now())
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}

	return nil
}

// BindToUser ties the device to an authenticated user. Re-binding to a
// different user is allowed; shared devices follow the latest login.
func (r *DeviceRepository) BindToUser(deviceID string, userID uuid.UUID) error {
	query := `
		UPDATE devices
		SET user_id = $1,
		    last_seen = $2
		WHERE device_id = $3
	`

	result, err := r.db.Exec(query, userID, time.Now(), deviceID)
	if err != nil {
		return fmt.Errorf("failed to bind device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("device not found")
	}

	return nil
}

// TouchLastSeen refreshes last_seen without changing binding.
func (r *DeviceRepository) TouchLastSeen(deviceID string) error {
	query := `
		UPDATE devices
		SET last_seen = $1
		WHERE device_id = $2
	`

	_, err := r.db.Exec(query, time.Now(), deviceID)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}

	return nil
}

// GetUserDevices lists every device bound to a user, most recent first.
func (r *DeviceRepository) GetUserDevices(userID uuid.UUID) ([]*models.Device, error) {
	var devices []*models.Device

	query := `
		SELECT id, device_id, user_id, device_type, os, browser,
		       user_agent, first_seen, last_seen
		FROM devices
		WHERE user_id = $1
		ORDER BY last_seen DESC
	`

	err := r.db.Select(&devices, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user devices: %w", err)
	}

	return devices, nil
}
