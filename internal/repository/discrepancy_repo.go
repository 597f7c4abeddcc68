package repository

import (
	"context"

	"creditledger/internal/model"

	"gorm.io/gorm"
)

type DiscrepancyRepository struct {
	db *gorm.DB
}

func NewDiscrepancyRepository(db *gorm.DB) *DiscrepancyRepository {
	return &DiscrepancyRepository{db: db}
}

// Create 差异记录与通知消息同事务写入
func (r *DiscrepancyRepository) Create(ctx context.Context, d *model.Discrepancy, msg *model.OutboxMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(d).Error; err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		return tx.Create(msg).Error
	})
}

func (r *DiscrepancyRepository) List(ctx context.Context, page, pageSize int) ([]*model.Discrepancy, int64, error) {
	var items []*model.Discrepancy
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Discrepancy{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("detected_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&items).Error
	return items, total, err
}

func (r *DiscrepancyRepository) ListByUserID(ctx context.Context, userID int64) ([]*model.Discrepancy, error) {
	var items []*model.Discrepancy
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("detected_at DESC").
		Find(&items).Error
	return items, err
}
