package migrations

import (
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"gorm.io/gorm"
)

// claimOrderIndex supports the oldest-pending-first scan used by claim.
const claimOrderIndex = "idx_transcode_claim_order"

// AllMigrations returns all registered migrations in order.
//   - 001: Create workers, transcode_jobs and settings tables
//   - 002: Add (status, created_at) index for claim ordering
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002ClaimOrderIndex(),
	}
}

func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create workers, transcode_jobs and settings tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.Worker{},
				&models.TranscodeJob{},
				&models.Setting{},
			)
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable("settings", "transcode_jobs", "workers")
		},
	}
}

func migration002ClaimOrderIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Add claim ordering index on transcode_jobs",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&models.TranscodeJob{}, claimOrderIndex) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + claimOrderIndex + " ON transcode_jobs (status, created_at)").Error
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropIndex(&models.TranscodeJob{}, claimOrderIndex)
		},
	}
}
