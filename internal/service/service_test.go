package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/realmkeeper/shardstore/internal/model"
	"github.com/realmkeeper/shardstore/internal/repository"
	"github.com/realmkeeper/shardstore/internal/srp"
	"github.com/realmkeeper/shardstore/internal/worldrpc"
)

type stubRepo struct {
	createdLogin    string
	createdSalt     []byte
	createdVerifier []byte
	createAccountID int64
	createErr       error

	account    *model.Account
	accountErr error

	activeBan *model.Ban

	balance int64

	createTxID  int64
	createTxErr error

	completeErr   error
	completeCalls int

	expireCalls int

	purchase       *model.Purchase
	purchaseErr    error
	createPurchID  int64
	createPurchErr error
	createdPurch   *model.Purchase

	pending []model.Purchase

	deliveredIDs []int64
	deliveredErr error
	failedIDs    []int64

	voteSite     *model.VoteSite
	voteSiteErr  error
	lastVote     time.Time
	lastVoteOK   bool
	recordVoteErr error
	recordedVote *struct {
		accountID, siteID int64
		success           bool
		reason            string
	}

	audits []model.AuditEntry
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateAccount(ctx context.Context, login string, salt, verifier []byte) (int64, error) {
	s.createdLogin = login
	s.createdSalt = salt
	s.createdVerifier = verifier
	return s.createAccountID, s.createErr
}

func (s *stubRepo) GetAccountByLogin(ctx context.Context, login string) (*model.Account, error) {
	if s.account == nil && s.accountErr == nil {
		return nil, repository.ErrAccountNotFound
	}
	return s.account, s.accountErr
}

func (s *stubRepo) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	if s.account == nil && s.accountErr == nil {
		return nil, repository.ErrAccountNotFound
	}
	return s.account, s.accountErr
}

func (s *stubRepo) UpdateCredentials(ctx context.Context, accountID int64, salt, verifier []byte) error {
	s.createdSalt = salt
	s.createdVerifier = verifier
	return nil
}

func (s *stubRepo) CreditBalance(ctx context.Context, accountID, delta int64) (int64, error) {
	s.balance += delta
	return s.balance, nil
}

func (s *stubRepo) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	return s.balance, nil
}

func (s *stubRepo) CreateShardTransaction(ctx context.Context, accountID int64, sessionID string, units, priceMinor int64) (int64, error) {
	return s.createTxID, s.createTxErr
}

func (s *stubRepo) CompleteShardTransaction(ctx context.Context, sessionID, paymentRef string) error {
	s.completeCalls++
	return s.completeErr
}

func (s *stubRepo) ExpireShardTransaction(ctx context.Context, sessionID string) error {
	s.expireCalls++
	return nil
}

func (s *stubRepo) ExpireStaleTransactions(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

func (s *stubRepo) CreatePurchase(ctx context.Context, p *model.Purchase) (int64, error) {
	s.createdPurch = p
	return s.createPurchID, s.createPurchErr
}

func (s *stubRepo) GetPurchase(ctx context.Context, id int64) (*model.Purchase, error) {
	if s.purchase == nil && s.purchaseErr == nil {
		return nil, repository.ErrPurchaseNotFound
	}
	return s.purchase, s.purchaseErr
}

func (s *stubRepo) GetPendingDeliveries(ctx context.Context, limit int) ([]model.Purchase, error) {
	return s.pending, nil
}

func (s *stubRepo) MarkPurchaseDelivered(ctx context.Context, id, actorID int64) error {
	if s.deliveredErr != nil {
		return s.deliveredErr
	}
	s.deliveredIDs = append(s.deliveredIDs, id)
	return nil
}

func (s *stubRepo) MarkPurchaseFailed(ctx context.Context, id, actorID int64, reason string) error {
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

func (s *stubRepo) GetActiveBan(ctx context.Context, accountID int64, now time.Time) (*model.Ban, error) {
	return s.activeBan, nil
}

func (s *stubRepo) GetVoteSite(ctx context.Context, siteID int64) (*model.VoteSite, error) {
	return s.voteSite, s.voteSiteErr
}

func (s *stubRepo) LastSuccessfulVote(ctx context.Context, accountID, siteID int64) (time.Time, bool, error) {
	return s.lastVote, s.lastVoteOK, nil
}

func (s *stubRepo) RecordVote(ctx context.Context, accountID, siteID int64, success bool, reason string) error {
	if s.recordVoteErr != nil {
		return s.recordVoteErr
	}
	s.recordedVote = &struct {
		accountID, siteID int64
		success           bool
		reason            string
	}{accountID, siteID, success, reason}
	return nil
}

func (s *stubRepo) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	s.audits = append(s.audits, e)
	return nil
}

type stubWorld struct {
	deliverResult *worldrpc.DeliveryResult
	deliverErr    error
	deliverCalls  int

	online    bool
	onlineErr error

	present    bool
	presentErr error
}

func (w *stubWorld) Deliver(ctx context.Context, purchaseID int64, recipient, catalogRef string) (*worldrpc.DeliveryResult, error) {
	w.deliverCalls++
	return w.deliverResult, w.deliverErr
}

func (w *stubWorld) CharacterOnline(ctx context.Context, recipientRef string) (bool, error) {
	return w.online, w.onlineErr
}

func (w *stubWorld) ItemPresent(ctx context.Context, recipientRef, worldItemRef string) (bool, error) {
	return w.present, w.presentErr
}

func TestRegisterAccount_StoresUppercaseLoginAndValidVerifier(t *testing.T) {
	repo := &stubRepo{createAccountID: 7}
	svc := NewService(repo, nil)

	id, err := svc.RegisterAccount(context.Background(), "thrall", "warchief")
	if err != nil {
		t.Fatalf("RegisterAccount error: %v", err)
	}
	if id != 7 {
		t.Fatalf("id = %d, want 7", id)
	}
	if repo.createdLogin != "THRALL" {
		t.Fatalf("stored login = %q, want THRALL", repo.createdLogin)
	}
	if !srp.VerifyLogin("thrall", "warchief", repo.createdSalt, repo.createdVerifier) {
		t.Fatalf("stored verifier does not match the password")
	}
}

func TestAuthenticate_UnknownLoginAndWrongPasswordIndistinguishable(t *testing.T) {
	salt, _ := srp.NewSalt()
	known := &stubRepo{account: &model.Account{
		ID:       1,
		Login:    "THRALL",
		Salt:     salt,
		Verifier: srp.CalculateVerifier("THRALL", "correct", salt),
	}}
	unknown := &stubRepo{}

	_, errWrongPass := NewService(known, nil).Authenticate(context.Background(), "thrall", "wrong")
	_, errNoAccount := NewService(unknown, nil).Authenticate(context.Background(), "nobody", "whatever")

	if !errors.Is(errWrongPass, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v, want ErrInvalidCredentials", errWrongPass)
	}
	if !errors.Is(errNoAccount, ErrInvalidCredentials) {
		t.Fatalf("unknown login: got %v, want ErrInvalidCredentials", errNoAccount)
	}
	if errWrongPass.Error() != errNoAccount.Error() {
		t.Fatalf("errors must be indistinguishable: %q vs %q", errWrongPass, errNoAccount)
	}
}

func TestAuthenticate_Success(t *testing.T) {
	salt, _ := srp.NewSalt()
	repo := &stubRepo{account: &model.Account{
		ID:       42,
		Login:    "JAINA",
		Salt:     salt,
		Verifier: srp.CalculateVerifier("JAINA", "frostbolt", salt),
	}}

	id, err := NewService(repo, nil).Authenticate(context.Background(), "jaina", "frostbolt")
	if err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	if id != 42 {
		t.Fatalf("id = %d, want 42", id)
	}
}

func TestBeginCheckout_BannedAccountRejected(t *testing.T) {
	repo := &stubRepo{activeBan: &model.Ban{AccountID: 1, Reason: "rmt", IsActive: true}}
	svc := NewService(repo, nil)

	_, err := svc.BeginCheckout(context.Background(), 1, "cs_1", 100, 500)
	if !errors.Is(err, ErrAccountBanned) {
		t.Fatalf("got %v, want ErrAccountBanned", err)
	}
}

func TestBeginCheckout_RejectsNonPositiveAmounts(t *testing.T) {
	svc := NewService(&stubRepo{}, nil)

	if _, err := svc.BeginCheckout(context.Background(), 1, "cs_1", 0, 500); err == nil {
		t.Fatalf("expected error for zero units")
	}
	if _, err := svc.BeginCheckout(context.Background(), 1, "cs_1", 100, -1); err == nil {
		t.Fatalf("expected error for negative price")
	}
}

func TestCompletePayment_PropagatesNotFound(t *testing.T) {
	repo := &stubRepo{completeErr: repository.ErrTransactionNotFound}
	svc := NewService(repo, nil)

	err := svc.CompletePayment(context.Background(), "cs_unknown", "pay_1")
	if !errors.Is(err, repository.ErrTransactionNotFound) {
		t.Fatalf("got %v, want ErrTransactionNotFound", err)
	}
}

func TestPurchaseItem_InsufficientBalance(t *testing.T) {
	repo := &stubRepo{createPurchErr: repository.ErrInsufficientBalance}
	svc := NewService(repo, nil)

	_, err := svc.PurchaseItem(context.Background(), PurchaseRequest{
		AccountID: 1, RecipientRef: "Thrall", CatalogRef: "mount-1", PriceUnits: 700,
	})
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestAttemptDelivery_SuccessMarksDelivered(t *testing.T) {
	repo := &stubRepo{purchase: &model.Purchase{
		ID: 5, AccountID: 1, RecipientRef: "Thrall",
		Status: model.PurchaseStatusPendingDelivery,
	}}
	world := &stubWorld{deliverResult: &worldrpc.DeliveryResult{Success: true, Message: "ok"}}
	svc := NewService(repo, world)

	outcome, err := svc.AttemptDelivery(context.Background(), 5, SystemActor)
	if err != nil {
		t.Fatalf("AttemptDelivery error: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("outcome not successful: %+v", outcome)
	}
	if len(repo.deliveredIDs) != 1 || repo.deliveredIDs[0] != 5 {
		t.Fatalf("delivered ids = %v, want [5]", repo.deliveredIDs)
	}
}

func TestAttemptDelivery_TransportFailureKeepsPending(t *testing.T) {
	repo := &stubRepo{purchase: &model.Purchase{
		ID: 5, Status: model.PurchaseStatusPendingDelivery,
	}}
	world := &stubWorld{deliverErr: errors.New("dial tcp: timeout")}
	svc := NewService(repo, world)

	outcome, err := svc.AttemptDelivery(context.Background(), 5, SystemActor)
	if err != nil {
		t.Fatalf("AttemptDelivery error: %v", err)
	}
	if outcome.Success {
		t.Fatalf("outcome must not be successful")
	}
	if len(repo.deliveredIDs) != 0 {
		t.Fatalf("purchase must stay pending, got delivered %v", repo.deliveredIDs)
	}
	if len(repo.audits) == 0 {
		t.Fatalf("failed attempt must be audited")
	}
}

func TestAttemptDelivery_NotPendingRejected(t *testing.T) {
	repo := &stubRepo{purchase: &model.Purchase{
		ID: 5, Status: model.PurchaseStatusCompleted,
	}}
	svc := NewService(repo, &stubWorld{})

	_, err := svc.AttemptDelivery(context.Background(), 5, SystemActor)
	if !errors.Is(err, repository.ErrPurchaseNotPending) {
		t.Fatalf("got %v, want ErrPurchaseNotPending", err)
	}
}

func TestAttemptDelivery_ConcurrentCompletionTreatedAsSuccess(t *testing.T) {
	repo := &stubRepo{
		purchase:     &model.Purchase{ID: 5, Status: model.PurchaseStatusPendingDelivery},
		deliveredErr: repository.ErrPurchaseNotPending,
	}
	world := &stubWorld{deliverResult: &worldrpc.DeliveryResult{Success: true}}
	svc := NewService(repo, world)

	outcome, err := svc.AttemptDelivery(context.Background(), 5, SystemActor)
	if err != nil {
		t.Fatalf("AttemptDelivery error: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("concurrent completion must count as success")
	}
}

func TestSweepDeliveries_CountsOutcomes(t *testing.T) {
	repo := &stubRepo{
		pending: []model.Purchase{
			{ID: 1, Status: model.PurchaseStatusPendingDelivery},
			{ID: 2, Status: model.PurchaseStatusPendingDelivery},
		},
	}
	// GetPurchase в стабе возвращает одну и ту же запись для любой выметаемой
	// покупки, этого достаточно для подсчёта исходов.
	repo.purchase = &model.Purchase{ID: 1, Status: model.PurchaseStatusPendingDelivery}
	world := &stubWorld{deliverResult: &worldrpc.DeliveryResult{Success: true}}
	svc := NewService(repo, world)

	attempted, delivered, err := svc.SweepDeliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("SweepDeliveries error: %v", err)
	}
	if attempted != 2 || delivered != 2 {
		t.Fatalf("attempted = %d delivered = %d, want 2/2", attempted, delivered)
	}
	if world.deliverCalls != 2 {
		t.Fatalf("deliver calls = %d, want 2", world.deliverCalls)
	}
}

func completedPurchase(createdAt time.Time) *model.Purchase {
	return &model.Purchase{
		ID:             1,
		AccountID:      1,
		RecipientRef:   "Thrall",
		CatalogRef:     "mount-1",
		WorldItemRef:   "item-19019",
		PriceUnitsPaid: 400,
		IsRefundable:   true,
		Status:         model.PurchaseStatusCompleted,
		CreatedAt:      createdAt,
	}
}

func TestEvaluateRefund_Ordering(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		purchase *model.Purchase
		world    *stubWorld
		eligible bool
		reason   model.RefundBlockReason
	}{
		{
			name: "pending purchase has no reason",
			purchase: func() *model.Purchase {
				p := completedPurchase(now)
				p.Status = model.PurchaseStatusPendingDelivery
				return p
			}(),
			world: &stubWorld{},
		},
		{
			name: "non-refundable wins over everything",
			purchase: func() *model.Purchase {
				p := completedPurchase(now.Add(-3 * time.Hour))
				p.IsRefundable = false
				return p
			}(),
			world:  &stubWorld{online: true},
			reason: model.RefundBlockItemNotRefundable,
		},
		{
			name: "service item not refundable",
			purchase: func() *model.Purchase {
				p := completedPurchase(now)
				p.IsService = true
				return p
			}(),
			world:  &stubWorld{},
			reason: model.RefundBlockItemNotRefundable,
		},
		{
			name: "no world item ref not refundable",
			purchase: func() *model.Purchase {
				p := completedPurchase(now)
				p.WorldItemRef = ""
				return p
			}(),
			world:  &stubWorld{},
			reason: model.RefundBlockItemNotRefundable,
		},
		{
			name:     "just inside the window",
			purchase: completedPurchase(now.Add(-2*time.Hour + time.Second)),
			world:    &stubWorld{present: true},
			eligible: true,
		},
		{
			name:     "just outside the window",
			purchase: completedPurchase(now.Add(-2*time.Hour - time.Second)),
			world:    &stubWorld{present: true},
			reason:   model.RefundBlockExpired,
		},
		{
			name:     "recipient online",
			purchase: completedPurchase(now),
			world:    &stubWorld{online: true, present: true},
			reason:   model.RefundBlockCharacterOnline,
		},
		{
			name:     "item missing from inventory",
			purchase: completedPurchase(now),
			world:    &stubWorld{present: false},
			reason:   model.RefundBlockItemNotInInventory,
		},
		{
			name:     "eligible",
			purchase: completedPurchase(now),
			world:    &stubWorld{present: true},
			eligible: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(&stubRepo{}, tt.world)

			decision, err := svc.EvaluateRefund(context.Background(), tt.purchase, now)
			if err != nil {
				t.Fatalf("EvaluateRefund error: %v", err)
			}
			if decision.Eligible != tt.eligible {
				t.Fatalf("eligible = %v, want %v", decision.Eligible, tt.eligible)
			}
			if decision.Reason != tt.reason {
				t.Fatalf("reason = %q, want %q", decision.Reason, tt.reason)
			}
		})
	}
}

func TestEvaluateRefund_WorldErrorIsNotAReason(t *testing.T) {
	svc := NewService(&stubRepo{}, &stubWorld{onlineErr: errors.New("world unreachable")})

	_, err := svc.EvaluateRefund(context.Background(), completedPurchase(time.Now()), time.Now())
	if err == nil {
		t.Fatalf("expected error when the world is unreachable")
	}
}

func TestCanVote_CooldownWindow(t *testing.T) {
	site := &model.VoteSite{ID: 3, CooldownHours: 12, RewardUnits: 50}

	tests := []struct {
		name string
		repo *stubRepo
		want bool
	}{
		{name: "no prior vote", repo: &stubRepo{voteSite: site}, want: true},
		{
			name: "recent vote blocks",
			repo: &stubRepo{voteSite: site, lastVote: time.Now().Add(-time.Hour), lastVoteOK: true},
			want: false,
		},
		{
			name: "cooldown elapsed",
			repo: &stubRepo{voteSite: site, lastVote: time.Now().Add(-13 * time.Hour), lastVoteOK: true},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.repo, nil)

			can, err := svc.CanVote(context.Background(), 1, 3)
			if err != nil {
				t.Fatalf("CanVote error: %v", err)
			}
			if can != tt.want {
				t.Fatalf("CanVote = %v, want %v", can, tt.want)
			}
		})
	}
}

func TestRecordVote_PassesAttemptThrough(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil)

	if err := svc.RecordVote(context.Background(), 1, 3, true, ""); err != nil {
		t.Fatalf("RecordVote error: %v", err)
	}
	if repo.recordedVote == nil || !repo.recordedVote.success {
		t.Fatalf("unexpected recorded vote: %+v", repo.recordedVote)
	}

	repo = &stubRepo{}
	svc = NewService(repo, nil)

	if err := svc.RecordVote(context.Background(), 1, 3, false, "not confirmed"); err != nil {
		t.Fatalf("RecordVote error: %v", err)
	}
	if repo.recordedVote == nil || repo.recordedVote.success || repo.recordedVote.reason != "not confirmed" {
		t.Fatalf("unexpected recorded vote: %+v", repo.recordedVote)
	}
}

func TestRecordVote_CooldownSurfacedAsServiceError(t *testing.T) {
	repo := &stubRepo{recordVoteErr: repository.ErrVoteCooldown}
	svc := NewService(repo, nil)

	err := svc.RecordVote(context.Background(), 1, 3, true, "")
	if !errors.Is(err, ErrVoteCooldown) {
		t.Fatalf("got %v, want ErrVoteCooldown", err)
	}
}

func TestChangePassword_VerifiesOldAndIssuesNewPair(t *testing.T) {
	salt, _ := srp.NewSalt()
	repo := &stubRepo{account: &model.Account{
		ID:       1,
		Login:    "THRALL",
		Salt:     salt,
		Verifier: srp.CalculateVerifier("THRALL", "old", salt),
	}}
	svc := NewService(repo, nil)

	if err := svc.ChangePassword(context.Background(), 1, "wrong", "new"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}

	if err := svc.ChangePassword(context.Background(), 1, "old", "new"); err != nil {
		t.Fatalf("ChangePassword error: %v", err)
	}
	if !srp.VerifyLogin("THRALL", "new", repo.createdSalt, repo.createdVerifier) {
		t.Fatalf("new verifier does not match the new password")
	}
}
