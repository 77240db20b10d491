package signals

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrClaimed is returned when a status transition loses the race against
// another processing pass. The loser must skip the record, not retry.
var ErrClaimed = errors.New("signal already claimed by another pass")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateSignal(signal *Signal) error {
	return d.db.Create(signal).Error
}

func (d *Database) GetSignal(signalID string) (*Signal, error) {
	var signal Signal
	if err := d.db.Where("signal_id = ?", signalID).First(&signal).Error; err != nil {
		return nil, err
	}
	return &signal, nil
}

// GetOutstanding returns up to limit records awaiting work, oldest first.
// Records in processing are deliberately excluded: they are claimed by a
// pass that has not finished, and picking them up again would risk a
// duplicate order.
func (d *Database) GetOutstanding(limit int) ([]Signal, error) {
	var list []Signal
	err := d.db.
		Where("status IN ?", []Status{StatusReceived, StatusCalculated}).
		Order("created_at ASC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Transition moves a signal from one status to the next and persists the
// merged metadata in the same statement. The WHERE clause on the expected
// status makes the transition a claim: if another pass already moved the
// record, zero rows match and ErrClaimed is returned before any work that
// could duplicate an order.
func (d *Database) Transition(signal *Signal, from, to Status) error {
	// Map-valued updates bypass the model's field serializer, so the
	// metadata is encoded explicitly before it reaches the driver.
	metadata, err := json.Marshal(signal.Metadata)
	if err != nil {
		return fmt.Errorf("encode signal metadata: %w", err)
	}

	result := d.db.Model(&Signal{}).
		Where("signal_id = ? AND status = ?", signal.SignalID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"metadata":   string(metadata),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrClaimed
	}

	signal.Status = to
	return nil
}

// GetBotSignals lists a bot's signal trail, newest first.
func (d *Database) GetBotSignals(botID string, limit int) ([]Signal, error) {
	var list []Signal
	err := d.db.
		Where("bot_id = ?", botID).
		Order("created_at DESC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, err
	}
	return list, nil
}
