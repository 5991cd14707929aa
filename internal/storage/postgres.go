package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"quoteflow/internal/model"
	logx "quoteflow/pkg/logx"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// taskRow stores the task document plus the columns used for ordering and lookups.
// Seq is assigned on insert and left alone by upserts, so it is creation order.
type taskRow struct {
	ID        string     `gorm:"primaryKey;type:varchar(64)"`
	Seq       int64      `gorm:"autoIncrement;index"`
	QuoteID   string     `gorm:"index;type:varchar(128)"`
	Status    string     `gorm:"index;type:varchar(32)"`
	DueAt     *time.Time `gorm:"index"`
	Data      string     `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

func (taskRow) TableName() string { return "tasks" }

type sequenceSettingRow struct {
	SequenceID string `gorm:"primaryKey;type:varchar(128)"`
	Enabled    bool
	UpdatedAt  time.Time
}

func (sequenceSettingRow) TableName() string { return "sequence_settings" }

type quoteRow struct {
	ID        string `gorm:"primaryKey;type:varchar(128)"`
	Data      string `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

func (quoteRow) TableName() string { return "quotes" }

type dedupRow struct {
	Key   string `gorm:"primaryKey;type:varchar(512)"`
	Until int64  `gorm:"index"`
}

func (dedupRow) TableName() string { return "dedup" }

type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return newGormStore(db, log)
}

func newGormStore(db *gorm.DB, log logx.Logger) (*postgresStore, error) {
	if err := db.AutoMigrate(&taskRow{}, &sequenceSettingRow{}, &quoteRow{}, &dedupRow{}); err != nil {
		return nil, err
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Driver() string { return "postgres" }

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *postgresStore) LoadTasks(ctx context.Context) ([]model.Task, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		var t model.Task
		if err := json.Unmarshal([]byte(r.Data), &t); err != nil {
			s.log.Warn("skipping unreadable task row", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *postgresStore) PutTask(ctx context.Context, t model.Task) error {
	return s.PutTasks(ctx, []model.Task{t})
}

func (s *postgresStore) PutTasks(ctx context.Context, ts []model.Task) error {
	if len(ts) == 0 {
		return nil
	}
	rows := make([]taskRow, 0, len(ts))
	for _, t := range ts {
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		rows = append(rows, taskRow{
			ID:        t.ID,
			QuoteID:   t.QuoteID,
			Status:    string(t.Status),
			DueAt:     t.DueDate,
			Data:      string(b),
			UpdatedAt: t.LastModified,
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Omit("seq").Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"quote_id", "status", "due_at", "data", "updated_at"}),
		}).Create(&rows).Error
	})
}

func (s *postgresStore) DeleteTasks(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&taskRow{}).Error
}

func (s *postgresStore) LoadSequenceSettings(ctx context.Context) (map[string]bool, error) {
	var rows []sequenceSettingRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.SequenceID] = r.Enabled
	}
	return out, nil
}

func (s *postgresStore) PutSequenceSetting(ctx context.Context, id string, enabled bool) error {
	return s.db.WithContext(ctx).Save(&sequenceSettingRow{SequenceID: id, Enabled: enabled, UpdatedAt: time.Now()}).Error
}

func (s *postgresStore) GetQuote(ctx context.Context, id string) (model.QuoteSnapshot, bool, error) {
	var row quoteRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.QuoteSnapshot{}, false, nil
	}
	if err != nil {
		return model.QuoteSnapshot{}, false, err
	}
	var q model.QuoteSnapshot
	if err := json.Unmarshal([]byte(row.Data), &q); err != nil {
		return model.QuoteSnapshot{}, false, err
	}
	return q, true, nil
}

func (s *postgresStore) PutQuote(ctx context.Context, q model.QuoteSnapshot) error {
	b, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(&quoteRow{ID: q.ID, Data: string(b), UpdatedAt: time.Now()}).Error
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	return s.db.WithContext(ctx).Save(&dedupRow{Key: key, Until: until.UnixMilli()}).Error
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var row dedupRow
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(row.Until), true, nil
}
