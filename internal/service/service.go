// Package service реализует бизнес-логику магазина игрового сервера.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/realmkeeper/shardstore/internal/model"
	"github.com/realmkeeper/shardstore/internal/repository"
	"github.com/realmkeeper/shardstore/internal/srp"
	"github.com/realmkeeper/shardstore/internal/worldrpc"
)

// ErrInvalidCredentials возвращается при любой неудаче входа. Ошибка нарочно
// одна и та же для неизвестного логина и неверного пароля.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountBanned возвращается при попытке платной операции с заблокированной записи.
	ErrAccountBanned = errors.New("account is banned")
	// ErrVoteCooldown возвращается, если перезарядка голосования ещё не истекла.
	ErrVoteCooldown = errors.New("vote cooldown has not elapsed")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateAccount(ctx context.Context, login string, salt, verifier []byte) (int64, error)
	GetAccountByLogin(ctx context.Context, login string) (*model.Account, error)
	GetAccountByID(ctx context.Context, id int64) (*model.Account, error)
	UpdateCredentials(ctx context.Context, accountID int64, salt, verifier []byte) error
	CreditBalance(ctx context.Context, accountID, delta int64) (int64, error)
	GetBalance(ctx context.Context, accountID int64) (int64, error)
	CreateShardTransaction(ctx context.Context, accountID int64, sessionID string, units, priceMinor int64) (int64, error)
	CompleteShardTransaction(ctx context.Context, sessionID, paymentRef string) error
	ExpireShardTransaction(ctx context.Context, sessionID string) error
	ExpireStaleTransactions(ctx context.Context, olderThan time.Duration) (int64, error)
	CreatePurchase(ctx context.Context, p *model.Purchase) (int64, error)
	GetPurchase(ctx context.Context, id int64) (*model.Purchase, error)
	GetPendingDeliveries(ctx context.Context, limit int) ([]model.Purchase, error)
	MarkPurchaseDelivered(ctx context.Context, id, actorID int64) error
	MarkPurchaseFailed(ctx context.Context, id, actorID int64, reason string) error
	GetActiveBan(ctx context.Context, accountID int64, now time.Time) (*model.Ban, error)
	GetVoteSite(ctx context.Context, siteID int64) (*model.VoteSite, error)
	LastSuccessfulVote(ctx context.Context, accountID, siteID int64) (time.Time, bool, error)
	RecordVote(ctx context.Context, accountID, siteID int64, success bool, reason string) error
	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

// WorldClient описывает контракт клиента игрового мира.
type WorldClient interface {
	Deliver(ctx context.Context, purchaseID int64, recipient, catalogRef string) (*worldrpc.DeliveryResult, error)
	CharacterOnline(ctx context.Context, recipientRef string) (bool, error)
	ItemPresent(ctx context.Context, recipientRef, worldItemRef string) (bool, error)
}

// Service содержит бизнес-логику магазина.
type Service struct {
	repo  Repository
	world WorldClient
}

// NewService создаёт сервис с указанным репозиторием и клиентом игрового мира.
func NewService(repo Repository, world WorldClient) *Service {
	return &Service{
		repo:  repo,
		world: world,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterAccount регистрирует учётную запись: генерирует соль, вычисляет
// верификатор и сохраняет их. Пароль в открытом виде нигде не хранится.
func (s *Service) RegisterAccount(ctx context.Context, login, password string) (int64, error) {
	salt, err := srp.NewSalt()
	if err != nil {
		return 0, err
	}

	login = strings.ToUpper(login)
	verifier := srp.CalculateVerifier(login, password, salt)

	return s.repo.CreateAccount(ctx, login, salt, verifier)
}

// Authenticate проверяет логин и пароль и возвращает идентификатор записи.
// Неизвестный логин и неверный пароль неразличимы для вызывающего.
func (s *Service) Authenticate(ctx context.Context, login, password string) (int64, error) {
	a, err := s.repo.GetAccountByLogin(ctx, strings.ToUpper(login))
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	if !srp.VerifyLogin(a.Login, password, a.Salt, a.Verifier) {
		return 0, ErrInvalidCredentials
	}

	return a.ID, nil
}

// ChangePassword проверяет старый пароль и выпускает новую пару соль-верификатор.
func (s *Service) ChangePassword(ctx context.Context, accountID int64, oldPassword, newPassword string) error {
	a, err := s.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}

	if !srp.VerifyLogin(a.Login, oldPassword, a.Salt, a.Verifier) {
		return ErrInvalidCredentials
	}

	salt, err := srp.NewSalt()
	if err != nil {
		return err
	}
	verifier := srp.CalculateVerifier(a.Login, newPassword, salt)

	return s.repo.UpdateCredentials(ctx, a.ID, salt, verifier)
}

// GetBalance возвращает текущий баланс учётной записи.
func (s *Service) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	return s.repo.GetBalance(ctx, accountID)
}

// GetPurchase возвращает покупку по идентификатору.
func (s *Service) GetPurchase(ctx context.Context, id int64) (*model.Purchase, error) {
	return s.repo.GetPurchase(ctx, id)
}

// FindAccountByLogin возвращает учётную запись по логину.
func (s *Service) FindAccountByLogin(ctx context.Context, login string) (*model.Account, error) {
	return s.repo.GetAccountByLogin(ctx, strings.ToUpper(login))
}

func (s *Service) ensureNotBanned(ctx context.Context, accountID int64) error {
	ban, err := s.repo.GetActiveBan(ctx, accountID, time.Now())
	if err != nil {
		return err
	}
	if ban != nil {
		return fmt.Errorf("%w: %s", ErrAccountBanned, ban.Reason)
	}
	return nil
}

// BeginCheckout регистрирует платёжную сессию в статусе pending.
// Запись с действующей блокировкой не может начинать платные операции.
func (s *Service) BeginCheckout(ctx context.Context, accountID int64, sessionID string, units, priceMinor int64) (int64, error) {
	if units <= 0 || priceMinor <= 0 {
		return 0, errors.New("units and price must be positive")
	}

	if err := s.ensureNotBanned(ctx, accountID); err != nil {
		return 0, err
	}

	return s.repo.CreateShardTransaction(ctx, accountID, sessionID, units, priceMinor)
}

// CompletePayment переводит платёжную сессию в completed и начисляет шарды.
// Повторное событие для той же сессии возвращает ErrTransactionNotFound
// и ничего не меняет.
func (s *Service) CompletePayment(ctx context.Context, sessionID, paymentRef string) error {
	return s.repo.CompleteShardTransaction(ctx, sessionID, paymentRef)
}

// ExpirePayment переводит сессию в expired, если она всё ещё pending.
func (s *Service) ExpirePayment(ctx context.Context, sessionID string) error {
	return s.repo.ExpireShardTransaction(ctx, sessionID)
}

// ExpireStalePayments переводит в expired все pending-сессии старше olderThan.
func (s *Service) ExpireStalePayments(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.repo.ExpireStaleTransactions(ctx, olderThan)
}

// PurchaseRequest описывает запрос на покупку товара из каталога.
type PurchaseRequest struct {
	AccountID    int64
	RecipientRef string
	CatalogRef   string
	WorldItemRef string
	PriceUnits   int64
	IsRefundable bool
	IsService    bool
	Gifted       bool
}

// PurchaseItem списывает стоимость с баланса и создаёт покупку, ожидающую
// доставки в игровой мир.
func (s *Service) PurchaseItem(ctx context.Context, req PurchaseRequest) (int64, error) {
	if req.PriceUnits <= 0 {
		return 0, errors.New("price must be positive")
	}

	if err := s.ensureNotBanned(ctx, req.AccountID); err != nil {
		return 0, err
	}

	return s.repo.CreatePurchase(ctx, &model.Purchase{
		AccountID:      req.AccountID,
		RecipientRef:   req.RecipientRef,
		CatalogRef:     req.CatalogRef,
		WorldItemRef:   req.WorldItemRef,
		PriceUnitsPaid: req.PriceUnits,
		IsRefundable:   req.IsRefundable,
		IsService:      req.IsService,
		Gifted:         req.Gifted,
	})
}
