package storage

import (
	"errors"

	"gorm.io/gorm"

	"github.com/schoolsignal-dev/schoolsignal/internal/escalation"
	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"github.com/schoolsignal-dev/schoolsignal/internal/types"
)

// GormStore backs the queue, tracker and escalation controller with the
// shared gorm handle. It satisfies queue.Store, acks.Store and
// escalation.Store.
type GormStore struct {
	db *gorm.DB
}

func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) SaveNotification(n *models.QueuedNotification) error {
	return s.db.Save(n).Error
}

func (s *GormStore) AppendAttempt(a *models.DeliveryAttempt) error {
	return s.db.Create(a).Error
}

func (s *GormStore) AppendStatusChange(c *models.StatusChange) error {
	return s.db.Create(c).Error
}

func (s *GormStore) Guardian(id uint) (models.Guardian, error) {
	var g models.Guardian
	if err := s.db.First(&g, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return g, types.ErrNotFound
		}
		return g, err
	}
	return g, nil
}

// InsertAcknowledgment relies on the unique (case, recipient) index: a
// duplicate insert reports created=false instead of an error.
func (s *GormStore) InsertAcknowledgment(a *models.Acknowledgment) (bool, error) {
	err := s.db.Create(a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *GormStore) SaveCase(c *models.EmergencyCase) error {
	return s.db.Save(c).Error
}

func (s *GormStore) CaseByID(id uint) (*models.EmergencyCase, error) {
	var c models.EmergencyCase
	if err := s.db.First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *GormStore) CaseByPublicID(publicID string) (*models.EmergencyCase, error) {
	var c models.EmergencyCase
	if err := s.db.Where("public_id = ?", publicID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *GormStore) ActiveCases() ([]models.EmergencyCase, error) {
	var cases []models.EmergencyCase
	err := s.db.
		Where("state NOT IN ?", []string{types.CaseResolved, types.CaseCancelled}).
		Find(&cases).Error
	return cases, err
}

func (s *GormStore) CaseAcks(caseID uint) ([]models.Acknowledgment, error) {
	var acked []models.Acknowledgment
	err := s.db.Where("case_id = ?", caseID).Find(&acked).Error
	return acked, err
}

// CaseRecipients rebuilds the fan-out list from the case's stored
// notifications, one entry per distinct recipient with the channel
// sequence of its earliest row.
func (s *GormStore) CaseRecipients(caseID uint) ([]escalation.Recipient, error) {
	var notifications []models.QueuedNotification
	if err := s.db.
		Where("case_id = ?", caseID).
		Order("id ASC").
		Find(&notifications).Error; err != nil {
		return nil, err
	}

	seen := make(map[uint]bool)
	var recipients []escalation.Recipient
	for i := range notifications {
		n := &notifications[i]
		if seen[n.RecipientID] {
			continue
		}
		seen[n.RecipientID] = true
		recipients = append(recipients, escalation.Recipient{
			GuardianID: n.RecipientID,
			Channels:   n.ChannelSequence(),
		})
	}

	// Re-attach backup contact links so notify_next_contact survives a
	// restart.
	for i := range recipients {
		g, err := s.Guardian(recipients[i].GuardianID)
		if err != nil || g.NextContactID == nil {
			continue
		}
		backup, err := s.Guardian(*g.NextContactID)
		if err != nil {
			continue
		}
		recipients[i].NextContactID = backup.ID
		recipients[i].NextContactChannels = backup.ReachableChannels(recipients[i].Channels)
	}

	return recipients, nil
}
