// Package model содержит доменные сущности магазина игрового сервера.
package model

import "time"

// Account представляет учётную запись игрока, привязанную к игровому серверу.
// Login хранится в верхнем регистре, как того требует протокол входа игрового мира.
type Account struct {
	ID        int64
	Login     string
	Salt      []byte
	Verifier  []byte
	CreatedAt time.Time
}

// TransactionStatus описывает состояние платёжной сессии.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusExpired   TransactionStatus = "expired"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// ShardTransaction описывает покупку игровой валюты через платёжный шлюз.
// ExternalSessionID — идентификатор сессии на стороне шлюза, уникален.
type ShardTransaction struct {
	ID                int64
	AccountID         int64
	ExternalSessionID string
	PackageUnits      int64
	PriceMinorUnits   int64
	Status            TransactionStatus
	CreatedAt         time.Time
	CreditedAt        *time.Time
}

// PurchaseStatus описывает состояние доставки покупки в игровой мир.
type PurchaseStatus string

const (
	PurchaseStatusPendingDelivery PurchaseStatus = "pending_delivery"
	PurchaseStatusCompleted       PurchaseStatus = "completed"
	PurchaseStatusFailed          PurchaseStatus = "failed"
)

// Purchase описывает оплаченный товар, ожидающий доставки персонажу.
type Purchase struct {
	ID             int64
	AccountID      int64
	RecipientRef   string
	CatalogRef     string
	WorldItemRef   string
	PriceUnitsPaid int64
	IsRefundable   bool
	IsService      bool
	Gifted         bool
	Status         PurchaseStatus
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}

// Ban описывает блокировку учётной записи. ExpiresAt == nil означает перманентную.
type Ban struct {
	AccountID int64
	Reason    string
	ExpiresAt *time.Time
	IsActive  bool
}

// VoteSite описывает сайт-топ со своим временем перезарядки и наградой.
type VoteSite struct {
	ID            int64
	CooldownHours int
	RewardUnits   int64
}

// VoteLog описывает попытку голосования, успешную или нет.
type VoteLog struct {
	AccountID int64
	SiteID    int64
	Success   bool
	Reason    string
	CreatedAt time.Time
}

// RefundBlockReason — код причины, по которой возврат покупки невозможен.
type RefundBlockReason string

const (
	RefundBlockItemNotRefundable  RefundBlockReason = "itemNotRefundable"
	RefundBlockExpired            RefundBlockReason = "refundExpired"
	RefundBlockCharacterOnline    RefundBlockReason = "characterOnline"
	RefundBlockItemNotInInventory RefundBlockReason = "itemNotInInventory"
)

// RefundDecision — результат проверки права на возврат. При Eligible == false
// Reason может быть пустым, если покупка вовсе не завершена.
type RefundDecision struct {
	Eligible bool
	Reason   RefundBlockReason
}

// AuditEntry — запись журнала аудита. Журнал только дополняется.
type AuditEntry struct {
	ActorID    int64
	Action     string
	TargetType string
	TargetID   string
	Details    string
	CreatedAt  time.Time
}
