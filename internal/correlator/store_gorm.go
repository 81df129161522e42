package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"lossguard/internal/models"
)

// alertRow alerts 表
type alertRow struct {
	ID            string         `gorm:"column:id;primaryKey;type:varchar(64)"`
	TillID        string         `gorm:"column:till_id;type:varchar(64);not null;index:idx_till_status"`
	CameraID      string         `gorm:"column:camera_id;type:varchar(64)"`
	StoreID       string         `gorm:"column:store_id;type:varchar(64);index:idx_store"`
	Type          string         `gorm:"column:type;type:varchar(32);not null"`
	Severity      string         `gorm:"column:severity;type:varchar(16);not null"`
	Status        string         `gorm:"column:status;type:varchar(16);not null;default:'OPEN';index:idx_till_status"`
	Details       datatypes.JSON `gorm:"column:details;type:json"`
	Revision      int            `gorm:"column:revision;not null"`
	POSEventID    string         `gorm:"column:pos_event_id;type:varchar(128)"`
	CameraEventID string         `gorm:"column:camera_event_id;type:varchar(128)"`
	ResolvedBy    string         `gorm:"column:resolved_by;type:varchar(128)"`
	ResolvedAt    *time.Time     `gorm:"column:resolved_at"`
	TS            time.Time      `gorm:"column:ts;not null;index:idx_ts"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;not null"`
}

// TableName 指定表名
func (alertRow) TableName() string {
	return "alerts"
}

// GormStore MySQL 告警存储
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 连接 MySQL 并自动迁移 alerts 表。
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewGormStoreWithDB(db)
}

// NewGormStoreWithDB 基于已有连接创建存储（测试可传入其他 dialector 打开的 DB）。
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&alertRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate alerts table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func toRow(a *models.Alert) (*alertRow, error) {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return nil, err
	}
	return &alertRow{
		ID:            a.ID,
		TillID:        a.TillID,
		CameraID:      a.CameraID,
		StoreID:       a.StoreID,
		Type:          string(a.Type),
		Severity:      string(a.Severity),
		Status:        string(a.Status),
		Details:       datatypes.JSON(details),
		Revision:      a.Revision,
		POSEventID:    a.POSEventID,
		CameraEventID: a.CameraEventID,
		ResolvedBy:    a.ResolvedBy,
		ResolvedAt:    a.ResolvedAt,
		TS:            a.TS,
	}, nil
}

func (r *alertRow) toAlert() (*models.Alert, error) {
	a := &models.Alert{
		ID:            r.ID,
		TillID:        r.TillID,
		CameraID:      r.CameraID,
		StoreID:       r.StoreID,
		Type:          models.AlertType(r.Type),
		Severity:      models.Severity(r.Severity),
		Status:        models.AlertStatus(r.Status),
		Revision:      r.Revision,
		POSEventID:    r.POSEventID,
		CameraEventID: r.CameraEventID,
		ResolvedBy:    r.ResolvedBy,
		ResolvedAt:    r.ResolvedAt,
		TS:            r.TS,
	}
	if len(r.Details) > 0 {
		if err := json.Unmarshal(r.Details, &a.Details); err != nil {
			return nil, fmt.Errorf("alert %s: invalid details: %w", r.ID, err)
		}
	}
	return a, nil
}

// Put upsert 一条告警。
func (s *GormStore) Put(ctx context.Context, a *models.Alert) error {
	if a == nil {
		return nil
	}
	row, err := toRow(a)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// Get 根据告警 ID 获取告警
func (s *GormStore) Get(ctx context.Context, id string) (*models.Alert, error) {
	var row alertRow
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get alert: %w", result.Error)
	}
	return row.toAlert()
}

// ListOpen 查询全部 OPEN 告警
func (s *GormStore) ListOpen(ctx context.Context) ([]*models.Alert, error) {
	var rows []alertRow
	result := s.db.WithContext(ctx).
		Where("status = ?", string(models.AlertOpen)).
		Order("ts ASC, id ASC").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list open alerts: %w", result.Error)
	}
	out := make([]*models.Alert, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAlert()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Close 关闭数据库连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
