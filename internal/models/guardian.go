package models

import (
	"gorm.io/gorm"

	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

// Guardian is a notification recipient. Contact addresses live here; which
// channel gets tried first is decided by the rule's channel sequence.
type Guardian struct {
	gorm.Model

	SchoolID uint   `gorm:"not null;index"`
	Name     string `gorm:"not null"`
	Phone    string
	Email    string
	ChatID   string

	// NextContactID points at a backup guardian, reached only when an
	// escalation rung runs the notify_next_contact action.
	NextContactID *uint `gorm:"index"`

	// Relationships
	OptOuts       []CategoryOptOut     `gorm:"foreignKey:GuardianID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
	Notifications []QueuedNotification `gorm:"foreignKey:RecipientID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
}

// ReachableChannels keeps the configured channel order but drops channels
// the guardian has no contact detail for.
func (g Guardian) ReachableChannels(order []string) []string {
	var channels []string
	for _, channel := range order {
		switch channel {
		case types.ChannelChat:
			if g.ChatID != "" {
				channels = append(channels, channel)
			}
		case types.ChannelSMS, types.ChannelVoice:
			if g.Phone != "" {
				channels = append(channels, channel)
			}
		case types.ChannelEmail:
			if g.Email != "" {
				channels = append(channels, channel)
			}
		}
	}
	return channels
}

// CategoryOptOut records a guardian's opt-out for one category. The
// emergency category is never honored here.
type CategoryOptOut struct {
	gorm.Model

	GuardianID uint   `gorm:"not null;uniqueIndex:idx_guardian_category"`
	Category   string `gorm:"not null;uniqueIndex:idx_guardian_category"`

	// Relationships
	Guardian Guardian `gorm:"foreignKey:GuardianID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
}
