package db

import (
	"github.com/schoolsignal-dev/schoolsignal/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func ConnectDatabase(dsn string) error {
	var err error

	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})

	if err != nil {
		return err
	}

	return nil
}

func MigrateDatabase() error {
	models := []interface{}{
		&models.Guardian{},
		&models.CategoryOptOut{},
		&models.NotificationRule{},
		&models.CategorySetting{},
		&models.QueuedNotification{},
		&models.DeliveryAttempt{},
		&models.StatusChange{},
		&models.EmergencyCase{},
		&models.Acknowledgment{},
	}

	migrator := DB.Migrator()

	for _, model := range models {
		if !migrator.HasTable(model) {
			if err := DB.AutoMigrate(model); err != nil {
				return err
			}
		}
	}

	return nil
}
