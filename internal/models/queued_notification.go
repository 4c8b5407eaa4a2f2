package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// QueuedNotification is one notification to one recipient. Created by the
// rule engine or the escalation controller, mutated only by the dispatch
// workers and the acknowledgment tracker. attempts never exceeds
// MaxAttempts and priority never decreases across escalation bumps.
type QueuedNotification struct {
	gorm.Model

	PublicID     string `gorm:"type:uuid;uniqueIndex;not null"`
	OfflineID    string `gorm:"index"` // client-generated id for offline replay, empty otherwise
	SchoolID     uint   `gorm:"not null;index"`
	CaseID       *uint  `gorm:"index"` // set for emergency fan-out
	RecipientID  uint   `gorm:"not null;index"`
	Category     string `gorm:"not null"`
	Severity     string `gorm:"not null"`
	Priority     int    `gorm:"not null"`
	Channels     datatypes.JSON `gorm:"type:jsonb"` // ordered channel sequence
	ChannelIndex int            `gorm:"default:0"`  // next channel to try
	Subject      string
	Body         string
	ScheduledFor time.Time `gorm:"not null;index"`
	Attempts     int       `gorm:"default:0"`
	MaxAttempts  int       `gorm:"not null"`
	Resends      int       `gorm:"default:0"` // escalation/forced resends for this recipient in this case
	LastError    string    // internal only; never rendered to guardians
	Status       string    `gorm:"not null;index"`

	// Relationships
	Recipient        Guardian          `gorm:"foreignKey:RecipientID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
	DeliveryAttempts []DeliveryAttempt `gorm:"foreignKey:NotificationID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
	StatusChanges    []StatusChange    `gorm:"foreignKey:NotificationID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
}

// ChannelSequence decodes the ordered channel list. A malformed column
// decodes to nil, which downstream treats as no_channel.
func (n *QueuedNotification) ChannelSequence() []string {
	var channels []string
	if len(n.Channels) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Channels, &channels); err != nil {
		return nil
	}
	return channels
}

// SetChannelSequence encodes the ordered channel list.
func (n *QueuedNotification) SetChannelSequence(channels []string) error {
	raw, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	n.Channels = datatypes.JSON(raw)
	return nil
}

// DeliveryAttempt records a single channel attempt for a notification.
type DeliveryAttempt struct {
	gorm.Model

	NotificationID uint   `gorm:"not null;index"`
	Channel        string `gorm:"not null"`
	AttemptNumber  int    `gorm:"not null"`
	Outcome        string `gorm:"not null"` // success, failure, no_channel
	ErrorDetail    string // internal only
	AttemptedAt    time.Time `gorm:"not null"`
}

// StatusChange is one row of the append-only status history. Rows are
// never updated or deleted.
type StatusChange struct {
	gorm.Model

	NotificationID uint   `gorm:"not null;index"`
	FromStatus     string `gorm:"not null"`
	ToStatus       string `gorm:"not null"`
	Reason         string
}
