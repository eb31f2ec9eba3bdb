package service

import (
	"context"
	"errors"
	"time"

	"github.com/realmkeeper/shardstore/internal/repository"
)

// CanVote сообщает, истекла ли перезарядка голосования за указанный сайт.
func (s *Service) CanVote(ctx context.Context, accountID, siteID int64) (bool, error) {
	site, err := s.repo.GetVoteSite(ctx, siteID)
	if err != nil {
		return false, err
	}

	last, found, err := s.repo.LastSuccessfulVote(ctx, accountID, siteID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}

	cooldown := time.Duration(site.CooldownHours) * time.Hour
	return time.Since(last) >= cooldown, nil
}

// RecordVote фиксирует попытку голосования. Запись в журнал делается всегда,
// награда начисляется только при успехе и атомарно с записью; проверка
// перезарядки выполняется в той же транзакции, что и начисление, поэтому
// подтверждение внутри перезарядки возвращает ErrVoteCooldown, а не вторую
// награду.
func (s *Service) RecordVote(ctx context.Context, accountID, siteID int64, success bool, reason string) error {
	if err := s.repo.RecordVote(ctx, accountID, siteID, success, reason); err != nil {
		if errors.Is(err, repository.ErrVoteCooldown) {
			return ErrVoteCooldown
		}
		return err
	}
	return nil
}
