// Package handler содержит HTTP-обработчики API магазина игрового сервера.
package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/realmkeeper/shardstore/internal/middleware"
	"github.com/realmkeeper/shardstore/internal/model"
	"github.com/realmkeeper/shardstore/internal/repository"
	"github.com/realmkeeper/shardstore/internal/service"
	"github.com/realmkeeper/shardstore/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterAccount(ctx context.Context, login, password string) (int64, error)
	Authenticate(ctx context.Context, login, password string) (int64, error)
	ChangePassword(ctx context.Context, accountID int64, oldPassword, newPassword string) error
	GetBalance(ctx context.Context, accountID int64) (int64, error)
	BeginCheckout(ctx context.Context, accountID int64, sessionID string, units, priceMinor int64) (int64, error)
	CompletePayment(ctx context.Context, sessionID, paymentRef string) error
	ExpirePayment(ctx context.Context, sessionID string) error
	ExpireStalePayments(ctx context.Context, olderThan time.Duration) (int64, error)
	PurchaseItem(ctx context.Context, req service.PurchaseRequest) (int64, error)
	GetPurchase(ctx context.Context, id int64) (*model.Purchase, error)
	AttemptDelivery(ctx context.Context, purchaseID, actorID int64) (service.DeliveryOutcome, error)
	FailDelivery(ctx context.Context, purchaseID, actorID int64, reason string) error
	SweepDeliveries(ctx context.Context, limit int) (attempted, delivered int, err error)
	EvaluateRefund(ctx context.Context, p *model.Purchase, now time.Time) (model.RefundDecision, error)
	FindAccountByLogin(ctx context.Context, login string) (*model.Account, error)
	RecordVote(ctx context.Context, accountID, siteID int64, success bool, reason string) error
}

// Handler реализует HTTP-обработчики API магазина.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	paymentSecret  []byte
	voteSecret     string
	cronToken      string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, paymentSecret, voteSecret, cronToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		paymentSecret:  []byte(paymentSecret),
		voteSecret:     voteSecret,
		cronToken:      cronToken,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию новой учётной записи.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidLogin(req.Login) || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	accountID, err := h.service.RegisterAccount(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register account error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию и установку cookie. Неизвестный логин и
// неверный пароль дают одинаковый ответ.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	accountID, err := h.service.Authenticate(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)
	w.WriteHeader(http.StatusOK)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ChangePassword меняет пароль текущей учётной записи.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.OldPassword == "" || req.NewPassword == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ChangePassword(r.Context(), accountID, req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("change password error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает баланс текущей учётной записи.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), accountID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]int64{"balance": balance})
}

type checkoutRequest struct {
	SessionID  string `json:"session_id"`
	Units      int64  `json:"units"`
	PriceMinor int64  `json:"price_minor"`
}

// Checkout регистрирует платёжную сессию для текущей учётной записи.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidSessionID(req.SessionID) || req.Units <= 0 || req.PriceMinor <= 0 {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	txID, err := h.service.BeginCheckout(r.Context(), accountID, req.SessionID, req.Units, req.PriceMinor)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAccountBanned):
			http.Error(w, "accountBanned", http.StatusForbidden)
		case errors.Is(err, repository.ErrDuplicateSession):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("checkout error", zap.Error(err), zap.Int64("accountID", accountID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSONBody(w, map[string]int64{"transaction_id": txID})
}

type purchaseRequest struct {
	RecipientRef string `json:"recipient_ref"`
	CatalogRef   string `json:"catalog_ref"`
	WorldItemRef string `json:"world_item_ref"`
	PriceUnits   int64  `json:"price_units"`
	IsRefundable bool   `json:"is_refundable"`
	IsService    bool   `json:"is_service"`
	Gifted       bool   `json:"gifted"`
}

// Purchase списывает шарды и создаёт покупку, ожидающую доставки.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.RecipientRef == "" || req.CatalogRef == "" || req.PriceUnits <= 0 {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	purchaseID, err := h.service.PurchaseItem(r.Context(), service.PurchaseRequest{
		AccountID:    accountID,
		RecipientRef: req.RecipientRef,
		CatalogRef:   req.CatalogRef,
		WorldItemRef: req.WorldItemRef,
		PriceUnits:   req.PriceUnits,
		IsRefundable: req.IsRefundable,
		IsService:    req.IsService,
		Gifted:       req.Gifted,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAccountBanned):
			http.Error(w, "accountBanned", http.StatusForbidden)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		default:
			h.logger.Error("purchase error", zap.Error(err), zap.Int64("accountID", accountID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSONBody(w, map[string]int64{"purchase_id": purchaseID})
}

type refundEligibilityResponse struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// RefundEligibility сообщает, может ли завершённая покупка быть возвращена.
func (h *Handler) RefundEligibility(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	purchaseID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.GetPurchase(r.Context(), purchaseID)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get purchase error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	// Чужая покупка неотличима от несуществующей.
	if p.AccountID != accountID {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	decision, err := h.service.EvaluateRefund(r.Context(), p, time.Now())
	if err != nil {
		h.logger.Error("evaluate refund error", zap.Error(err), zap.Int64("purchaseID", purchaseID))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	writeJSON(w, refundEligibilityResponse{
		Eligible: decision.Eligible,
		Reason:   string(decision.Reason),
	})
}

type webhookEvent struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	PaymentRef string `json:"payment_ref"`
}

// PaymentWebhook принимает подписанные события платёжного шлюза. Подпись
// проверяется до вызова бизнес-логики; повторное событие по уже завершённой
// сессии подтверждается успехом, чтобы шлюз не зациклился на повторах.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !h.verifyGatewaySignature(body, r.Header.Get("X-Gateway-Signature")) {
		webhookEventsTotal.WithLabelValues("invalid_signature").Inc()
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if event.SessionID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "checkout.completed":
		err = h.service.CompletePayment(r.Context(), event.SessionID, event.PaymentRef)
		if err != nil {
			if errors.Is(err, repository.ErrTransactionNotFound) {
				// Повтор или неизвестная сессия: подтверждаем, ничего не меняя.
				webhookEventsTotal.WithLabelValues("duplicate").Inc()
				h.logger.Info("webhook for unknown or settled session",
					zap.String("sessionID", event.SessionID))
				w.WriteHeader(http.StatusOK)
				return
			}
			webhookEventsTotal.WithLabelValues("error").Inc()
			h.logger.Error("complete payment error", zap.Error(err), zap.String("sessionID", event.SessionID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		webhookEventsTotal.WithLabelValues("completed").Inc()
	case "checkout.expired":
		if err := h.service.ExpirePayment(r.Context(), event.SessionID); err != nil {
			webhookEventsTotal.WithLabelValues("error").Inc()
			h.logger.Error("expire payment error", zap.Error(err), zap.String("sessionID", event.SessionID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		webhookEventsTotal.WithLabelValues("expired").Inc()
	default:
		webhookEventsTotal.WithLabelValues("ignored").Inc()
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) verifyGatewaySignature(body []byte, signature string) bool {
	if len(h.paymentSecret) == 0 || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, h.paymentSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

type votePingback struct {
	Secret  string `json:"secret"`
	SiteID  int64  `json:"site_id"`
	Login   string `json:"login"`
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

// VotePingback принимает подтверждения голосов от сайтов-топов. Ответ всегда
// один и тот же, независимо от исхода: сайт не должен ни повторять доставку,
// ни узнавать о существовании учётной записи.
func (h *Handler) VotePingback(w http.ResponseWriter, r *http.Request) {
	defer func() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}()

	var pb votePingback
	if err := json.NewDecoder(r.Body).Decode(&pb); err != nil {
		votePingbacksTotal.WithLabelValues("malformed").Inc()
		return
	}

	if h.voteSecret == "" || !hmac.Equal([]byte(pb.Secret), []byte(h.voteSecret)) {
		votePingbacksTotal.WithLabelValues("bad_secret").Inc()
		return
	}

	account, err := h.service.FindAccountByLogin(r.Context(), pb.Login)
	if err != nil {
		votePingbacksTotal.WithLabelValues("unknown_account").Inc()
		return
	}

	if !pb.Success {
		if err := h.service.RecordVote(r.Context(), account.ID, pb.SiteID, false, pb.Reason); err != nil {
			h.logger.Error("record vote error", zap.Error(err))
		}
		votePingbacksTotal.WithLabelValues("failed").Inc()
		return
	}

	// Перезарядка проверяется в одной транзакции с начислением: повторное
	// подтверждение фиксируется как неуспех уже на стороне хранилища.
	if err := h.service.RecordVote(r.Context(), account.ID, pb.SiteID, true, ""); err != nil {
		if errors.Is(err, service.ErrVoteCooldown) {
			votePingbacksTotal.WithLabelValues("cooldown").Inc()
			return
		}
		h.logger.Error("record vote error", zap.Error(err))
		votePingbacksTotal.WithLabelValues("error").Inc()
		return
	}

	votePingbacksTotal.WithLabelValues("rewarded").Inc()
}

type adminActionRequest struct {
	ActorID int64  `json:"actor_id"`
	Reason  string `json:"reason"`
}

// RetryDelivery выполняет одну попытку доставки по требованию оператора или cron.
func (h *Handler) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	purchaseID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req adminActionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	outcome, err := h.service.AttemptDelivery(r.Context(), purchaseID, req.ActorID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPurchaseNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrPurchaseNotPending):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("retry delivery error", zap.Error(err), zap.Int64("purchaseID", purchaseID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	if outcome.Success {
		deliveriesTotal.WithLabelValues("success").Inc()
	} else {
		deliveriesTotal.WithLabelValues("failure").Inc()
	}

	writeJSON(w, map[string]any{"success": outcome.Success, "message": outcome.Message})
}

// FailDelivery переводит покупку в терминальный failed по решению оператора.
func (h *Handler) FailDelivery(w http.ResponseWriter, r *http.Request) {
	purchaseID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req adminActionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.service.FailDelivery(r.Context(), purchaseID, req.ActorID, req.Reason); err != nil {
		if errors.Is(err, repository.ErrPurchaseNotPending) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("fail delivery error", zap.Error(err), zap.Int64("purchaseID", purchaseID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type sweepRequest struct {
	Limit int `json:"limit"`
}

// SweepDeliveries запускает пакетную выметку покупок, ожидающих доставки.
func (h *Handler) SweepDeliveries(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Limit <= 0 {
		req.Limit = 100
	}

	attempted, delivered, err := h.service.SweepDeliveries(r.Context(), req.Limit)
	if err != nil {
		h.logger.Error("sweep deliveries error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]int{"attempted": attempted, "delivered": delivered})
}

type expireStaleRequest struct {
	OlderThanMinutes int64 `json:"older_than_minutes"`
}

// ExpireStalePayments переводит зависшие pending-сессии в expired.
func (h *Handler) ExpireStalePayments(w http.ResponseWriter, r *http.Request) {
	var req expireStaleRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.OlderThanMinutes <= 0 {
		req.OlderThanMinutes = 60
	}

	expired, err := h.service.ExpireStalePayments(r.Context(), time.Duration(req.OlderThanMinutes)*time.Minute)
	if err != nil {
		h.logger.Error("expire stale payments error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]int64{"expired": expired})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSONBody(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}
