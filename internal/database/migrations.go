package database

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/revdb/internal/storage"
	"github.com/MarcoPoloResearchLab/revdb/internal/storage/sqlstore"
)

const (
	migrationSeedStoreUUIDs      = "2026-10-01_seed_store_uuids"
	migrationSeedMaxRevTreeDepth = "2026-10-01_seed_max_rev_tree_depth"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedStoreUUIDs, apply: seedStoreUUIDs},
		{name: migrationSeedMaxRevTreeDepth, apply: seedMaxRevTreeDepth},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func seedStoreUUIDs(db *gorm.DB) error {
	records := []sqlstore.InfoRecord{
		{Key: storage.InfoKeyPrivateUUID, Value: uuid.NewString()},
		{Key: storage.InfoKeyPublicUUID, Value: uuid.NewString()},
	}
	return insertMissingInfo(db, records)
}

func seedMaxRevTreeDepth(db *gorm.DB) error {
	records := []sqlstore.InfoRecord{
		{Key: storage.InfoKeyMaxRevTreeDepth, Value: strconv.Itoa(storage.DefaultMaxRevTreeDepth)},
	}
	return insertMissingInfo(db, records)
}

func insertMissingInfo(db *gorm.DB, records []sqlstore.InfoRecord) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error
}
