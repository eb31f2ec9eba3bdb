package service

import (
	"context"
	"fmt"
	"time"

	"github.com/realmkeeper/shardstore/internal/model"
)

// RefundWindow — срок, в течение которого завершённая покупка может быть возвращена.
const RefundWindow = 2 * time.Hour

// EvaluateRefund проверяет право на возврат покупки. Проверки упорядочены,
// первая непройденная решает исход. Возврат возможен только для завершённой
// покупки; для незавершённой причина не сообщается.
func (s *Service) EvaluateRefund(ctx context.Context, p *model.Purchase, now time.Time) (model.RefundDecision, error) {
	if p.Status != model.PurchaseStatusCompleted {
		return model.RefundDecision{}, nil
	}

	if !p.IsRefundable {
		return model.RefundDecision{Reason: model.RefundBlockItemNotRefundable}, nil
	}

	// Услуги и покупки без предметной привязки к миру самостоятельно не возвращаются.
	if p.IsService || p.WorldItemRef == "" {
		return model.RefundDecision{Reason: model.RefundBlockItemNotRefundable}, nil
	}

	if now.Sub(p.CreatedAt) > RefundWindow {
		return model.RefundDecision{Reason: model.RefundBlockExpired}, nil
	}

	online, err := s.world.CharacterOnline(ctx, p.RecipientRef)
	if err != nil {
		// Недоступность мира — внешний сбой, а не причина отказа в возврате.
		return model.RefundDecision{}, fmt.Errorf("check character online: %w", err)
	}
	if online {
		return model.RefundDecision{Reason: model.RefundBlockCharacterOnline}, nil
	}

	present, err := s.world.ItemPresent(ctx, p.RecipientRef, p.WorldItemRef)
	if err != nil {
		return model.RefundDecision{}, fmt.Errorf("check item present: %w", err)
	}
	if !present {
		return model.RefundDecision{Reason: model.RefundBlockItemNotInInventory}, nil
	}

	return model.RefundDecision{Eligible: true}, nil
}
