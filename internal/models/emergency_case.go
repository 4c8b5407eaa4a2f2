package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EmergencyCase is one emergency lifecycle. Terminal cases are retained
// indefinitely for audit.
type EmergencyCase struct {
	gorm.Model

	PublicID        string `gorm:"type:uuid;uniqueIndex;not null"`
	SchoolID        uint   `gorm:"not null;index"`
	InitiatedBy     uint   `gorm:"not null"`
	EventType       string `gorm:"not null"`
	Severity        string `gorm:"not null"`
	State           string `gorm:"not null;index"`
	Title           string `gorm:"not null"`
	Description     string
	ActionRequired  string
	SafetyNotes     datatypes.JSON `gorm:"type:jsonb"` // ordered safety instructions
	RequireAck      bool           `gorm:"default:true"`
	TotalRecipients int            `gorm:"default:0"`
	SentCount       int            `gorm:"default:0"`
	DeliveredCount  int            `gorm:"default:0"`
	AckCount        int            `gorm:"default:0"`
	EscalationLevel int            `gorm:"default:0"` // current rung; 0 = not escalated yet
	MaxLevel        int            `gorm:"not null"`
	InitiatedAt     time.Time      `gorm:"not null"`
	LastEscalation  *time.Time
	AwaitingSince   *time.Time // entered awaiting_ack (or last returned to it)
	ResolvedAt      *time.Time
	CancelReason    string

	// Relationships
	Notifications   []QueuedNotification `gorm:"foreignKey:CaseID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
	Acknowledgments []Acknowledgment     `gorm:"foreignKey:CaseID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
}

// SetSafetyNotes encodes the ordered safety instructions.
func (c *EmergencyCase) SetSafetyNotes(notes []string) error {
	raw, err := json.Marshal(notes)
	if err != nil {
		return err
	}
	c.SafetyNotes = datatypes.JSON(raw)
	return nil
}

// SafetyInstructions decodes the ordered safety instructions.
func (c *EmergencyCase) SafetyInstructions() []string {
	var notes []string
	if len(c.SafetyNotes) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.SafetyNotes, &notes); err != nil {
		return nil
	}
	return notes
}

// Acknowledgment is a recipient-confirmed receipt. The unique index makes
// duplicate recordings a no-op at the storage layer as well.
type Acknowledgment struct {
	gorm.Model

	CaseID      uint      `gorm:"not null;uniqueIndex:idx_case_recipient"`
	RecipientID uint      `gorm:"not null;uniqueIndex:idx_case_recipient"`
	Channel     string    `gorm:"not null"`
	AckedAt     time.Time `gorm:"not null"`
}
