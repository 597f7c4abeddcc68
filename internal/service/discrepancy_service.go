package service

import (
	"context"

	"creditledger/internal/model"
	"creditledger/internal/repository"
)

// DiscrepancyService 对账差异查询（只读，供人工核查）
type DiscrepancyService struct {
	discrepancyRepo *repository.DiscrepancyRepository
}

func NewDiscrepancyService(repo *repository.DiscrepancyRepository) *DiscrepancyService {
	return &DiscrepancyService{discrepancyRepo: repo}
}

func (s *DiscrepancyService) List(ctx context.Context, userID int64, page, pageSize int) ([]*model.Discrepancy, int64, error) {
	if userID > 0 {
		items, err := s.discrepancyRepo.ListByUserID(ctx, userID)
		return items, int64(len(items)), err
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return s.discrepancyRepo.List(ctx, page, pageSize)
}
