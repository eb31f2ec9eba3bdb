package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/realmkeeper/shardstore/internal/model"
	"github.com/realmkeeper/shardstore/internal/repository"
)

// SystemActor — идентификатор актора для операций, запущенных фоновой выметкой.
const SystemActor int64 = 0

// DeliveryOutcome — итог одной попытки доставки покупки.
type DeliveryOutcome struct {
	Success bool
	Message string
}

// AttemptDelivery выполняет одну попытку доставки покупки в игровой мир.
// Доставка выполняется как минимум один раз: вызов ключуется идентификатором
// покупки, повтор после неуспеха безопасен. Для повтора годится только
// покупка в статусе pending_delivery; исход каждой попытки попадает в аудит.
func (s *Service) AttemptDelivery(ctx context.Context, purchaseID, actorID int64) (DeliveryOutcome, error) {
	p, err := s.repo.GetPurchase(ctx, purchaseID)
	if err != nil {
		return DeliveryOutcome{}, err
	}

	if p.Status != model.PurchaseStatusPendingDelivery {
		return DeliveryOutcome{}, repository.ErrPurchaseNotPending
	}

	res, err := s.world.Deliver(ctx, p.ID, p.RecipientRef, p.CatalogRef)
	if err != nil {
		// Таймаут или ошибка транспорта: доставка могла и произойти.
		// Статус остаётся pending_delivery для безопасного повтора.
		outcome := DeliveryOutcome{Success: false, Message: fmt.Sprintf("world rpc failed: %v", err)}
		s.auditDeliveryAttempt(ctx, p, actorID, outcome)
		return outcome, nil
	}

	if !res.Success {
		outcome := DeliveryOutcome{Success: false, Message: res.Message}
		s.auditDeliveryAttempt(ctx, p, actorID, outcome)
		return outcome, nil
	}

	if err := s.repo.MarkPurchaseDelivered(ctx, p.ID, actorID); err != nil {
		// Конкурентная попытка успела раньше: доставка уже зафиксирована.
		if errors.Is(err, repository.ErrPurchaseNotPending) {
			return DeliveryOutcome{Success: true, Message: "already delivered"}, nil
		}
		return DeliveryOutcome{}, err
	}

	return DeliveryOutcome{Success: true, Message: res.Message}, nil
}

func (s *Service) auditDeliveryAttempt(ctx context.Context, p *model.Purchase, actorID int64, outcome DeliveryOutcome) {
	_ = s.repo.AppendAudit(ctx, model.AuditEntry{
		ActorID:    actorID,
		Action:     "purchase.delivery_attempt",
		TargetType: "purchase",
		TargetID:   fmt.Sprintf("%d", p.ID),
		Details:    outcome.Message,
	})
}

// FailDelivery переводит покупку в терминальный failed по решению оператора.
// Автоматического возврата списания нет, дальше разбирается оператор.
func (s *Service) FailDelivery(ctx context.Context, purchaseID, actorID int64, reason string) error {
	return s.repo.MarkPurchaseFailed(ctx, purchaseID, actorID, reason)
}

// SweepDeliveries выполняет по одной попытке доставки для пакета покупок,
// ожидающих доставки. Возвращает число попыток и число успешных доставок.
func (s *Service) SweepDeliveries(ctx context.Context, limit int) (attempted, delivered int, err error) {
	purchases, err := s.repo.GetPendingDeliveries(ctx, limit)
	if err != nil {
		return 0, 0, err
	}

	for _, p := range purchases {
		outcome, err := s.AttemptDelivery(ctx, p.ID, SystemActor)
		if err != nil {
			if errors.Is(err, repository.ErrPurchaseNotPending) {
				continue
			}
			return attempted, delivered, err
		}
		attempted++
		if outcome.Success {
			delivered++
		}
	}

	return attempted, delivered, nil
}

// StartDeliverySweeps запускает фоновую выметку покупок, ожидающих доставки.
func (s *Service) StartDeliverySweeps(ctx context.Context, interval time.Duration, batch int) {
	if s.world == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _, _ = s.SweepDeliveries(ctx, batch)
			}
		}
	}()
}
