// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/realmkeeper/shardstore/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAccountExists возвращается при попытке создать учётную запись с занятым логином.
var (
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound возвращается, если учётная запись не найдена.
	ErrAccountNotFound = errors.New("account not found")
	// ErrDuplicateSession возвращается при повторной регистрации платёжной сессии.
	ErrDuplicateSession = errors.New("external session already recorded")
	// ErrTransactionNotFound возвращается, если ожидающая платёжная сессия не найдена.
	// Повторная доставка того же события шлюза приводит ровно к этой ошибке.
	ErrTransactionNotFound = errors.New("pending transaction not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrPurchaseNotFound возвращается, если покупка не найдена.
	ErrPurchaseNotFound = errors.New("purchase not found")
	// ErrPurchaseNotPending возвращается при попытке перевести покупку из терминального статуса.
	ErrPurchaseNotPending = errors.New("purchase is not pending delivery")
	// ErrVoteSiteNotFound возвращается, если сайт-топ не зарегистрирован.
	ErrVoteSiteNotFound = errors.New("vote site not found")
	// ErrVoteCooldown возвращается при подтверждении голоса до истечения перезарядки.
	ErrVoteCooldown = errors.New("vote cooldown has not elapsed")
)

// ambiguousCommitError помечает ошибку фиксации транзакции: фиксация могла
// успеть дойти до сервера, и повтор всей транзакции выполнил бы её побочный
// эффект второй раз. withRetry такие ошибки не повторяет.
type ambiguousCommitError struct {
	err error
}

func (e *ambiguousCommitError) Error() string { return "commit tx: " + e.err.Error() }
func (e *ambiguousCommitError) Unwrap() error { return e.err }

// executor покрывает pgxpool.Pool и pgx.Tx для запросов внутри и вне транзакций.
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var ambiguous *ambiguousCommitError
		if errors.As(err, &ambiguous) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlock, переподключением
		// занимается сам pgxpool.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateAccount создаёт учётную запись вместе с нулевым балансом.
func (r *PostgresRepository) CreateAccount(ctx context.Context, login string, salt, verifier []byte) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO accounts (login, salt, verifier) VALUES ($1, $2, $3) RETURNING id`,
		login, salt, verifier,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrAccountExists, login)
		}
		return 0, fmt.Errorf("create account: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO balances (account_id, amount) VALUES ($1, 0)`, id,
	); err != nil {
		return 0, fmt.Errorf("init balance: %w", err)
	}

	if err := appendAudit(ctx, tx, model.AuditEntry{
		ActorID:    id,
		Action:     "account.created",
		TargetType: "account",
		TargetID:   fmt.Sprintf("%d", id),
		Details:    fmt.Sprintf("login=%s", login),
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// GetAccountByLogin возвращает учётную запись по логину.
func (r *PostgresRepository) GetAccountByLogin(ctx context.Context, login string) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, salt, verifier, created_at FROM accounts WHERE login = $1`,
		login,
	)

	var a model.Account
	err := row.Scan(&a.ID, &a.Login, &a.Salt, &a.Verifier, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// GetAccountByID возвращает учётную запись по идентификатору.
func (r *PostgresRepository) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, salt, verifier, created_at FROM accounts WHERE id = $1`,
		id,
	)

	var a model.Account
	err := row.Scan(&a.ID, &a.Login, &a.Salt, &a.Verifier, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// UpdateCredentials заменяет соль и верификатор учётной записи при смене пароля.
func (r *PostgresRepository) UpdateCredentials(ctx context.Context, accountID int64, salt, verifier []byte) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE accounts SET salt = $2, verifier = $3 WHERE id = $1`,
		accountID, salt, verifier,
	)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	if err := appendAudit(ctx, tx, model.AuditEntry{
		ActorID:    accountID,
		Action:     "account.password_changed",
		TargetType: "account",
		TargetID:   fmt.Sprintf("%d", accountID),
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// creditBalance атомарно добавляет delta к балансу одним upsert-запросом,
// создавая строку при её отсутствии. Конкурентные начисления не теряются.
func creditBalance(ctx context.Context, q executor, accountID, delta int64) (int64, error) {
	var newAmount int64
	err := q.QueryRow(ctx,
		`INSERT INTO balances (account_id, amount) VALUES ($1, $2)
		 ON CONFLICT (account_id) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
		 RETURNING amount`,
		accountID, delta,
	).Scan(&newAmount)
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return newAmount, nil
}

// CreditBalance начисляет delta на баланс учётной записи и возвращает новый баланс.
func (r *PostgresRepository) CreditBalance(ctx context.Context, accountID, delta int64) (int64, error) {
	return creditBalance(ctx, r.pool, accountID, delta)
}

// GetBalance возвращает текущий баланс учётной записи.
func (r *PostgresRepository) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	var amount int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT amount FROM balances WHERE account_id = $1), 0)`,
		accountID,
	).Scan(&amount)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return amount, nil
}

// CreateShardTransaction регистрирует платёжную сессию в статусе pending.
// Регистрация и запись аудита фиксируются одной транзакцией.
func (r *PostgresRepository) CreateShardTransaction(ctx context.Context, accountID int64, sessionID string, units, priceMinor int64) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO shard_transactions (account_id, external_session_id, package_units, price_minor_units, status)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		accountID, sessionID, units, priceMinor, string(model.TransactionStatusPending),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
		}
		return 0, fmt.Errorf("create transaction: %w", err)
	}

	if err := appendAudit(ctx, tx, model.AuditEntry{
		ActorID:    accountID,
		Action:     "transaction.created",
		TargetType: "shard_transaction",
		TargetID:   sessionID,
		Details:    fmt.Sprintf("units=%d price_minor=%d", units, priceMinor),
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// CompleteShardTransaction переводит платёжную сессию в completed и начисляет
// оплаченные шарды в одной транзакции. Строка перечитывается под блокировкой
// с фильтром по статусу pending: повторное событие шлюза для той же сессии
// не находит строку и не меняет ничего.
func (r *PostgresRepository) CompleteShardTransaction(ctx context.Context, sessionID, paymentRef string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			id        int64
			accountID int64
			units     int64
		)
		err = tx.QueryRow(ctx,
			`SELECT id, account_id, package_units
			 FROM shard_transactions
			 WHERE external_session_id = $1 AND status = $2
			 FOR UPDATE`,
			sessionID, string(model.TransactionStatusPending),
		).Scan(&id, &accountID, &units)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTransactionNotFound
			}
			return fmt.Errorf("lock transaction: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE shard_transactions SET status = $2, credited_at = now() WHERE id = $1`,
			id, string(model.TransactionStatusCompleted),
		); err != nil {
			return fmt.Errorf("complete transaction: %w", err)
		}

		if _, err := creditBalance(ctx, tx, accountID, units); err != nil {
			return err
		}

		if err := appendAudit(ctx, tx, model.AuditEntry{
			ActorID:    accountID,
			Action:     "transaction.completed",
			TargetType: "shard_transaction",
			TargetID:   sessionID,
			Details:    fmt.Sprintf("payment_ref=%s units=%d", paymentRef, units),
		}); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
}

// ExpireShardTransaction переводит сессию из pending в expired. Для сессии
// в любом другом статусе операция ничего не делает.
func (r *PostgresRepository) ExpireShardTransaction(ctx context.Context, sessionID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE shard_transactions SET status = $2 WHERE external_session_id = $1 AND status = $3`,
		sessionID, string(model.TransactionStatusExpired), string(model.TransactionStatusPending),
	)
	if err != nil {
		return fmt.Errorf("expire transaction: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return nil
	}

	if err := appendAudit(ctx, tx, model.AuditEntry{
		Action:     "transaction.expired",
		TargetType: "shard_transaction",
		TargetID:   sessionID,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ExpireStaleTransactions переводит в expired все pending-сессии старше olderThan
// и оставляет в аудите одну сводную запись на выметку.
func (r *PostgresRepository) ExpireStaleTransactions(ctx context.Context, olderThan time.Duration) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE shard_transactions SET status = $1
		 WHERE status = $2 AND created_at < now() - $3::interval`,
		string(model.TransactionStatusExpired), string(model.TransactionStatusPending),
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale transactions: %w", err)
	}

	expired := cmdTag.RowsAffected()
	if expired == 0 {
		return 0, nil
	}

	if err := appendAudit(ctx, tx, model.AuditEntry{
		Action:     "transaction.expire_sweep",
		TargetType: "shard_transaction",
		TargetID:   "sweep",
		Details:    fmt.Sprintf("expired=%d older_than=%s", expired, olderThan),
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return expired, nil
}

// CreatePurchase списывает стоимость с баланса и создаёт покупку в статусе
// pending_delivery в одной транзакции. Списание выполняется одним условным
// UPDATE: ноль затронутых строк означает нехватку средств, читать баланс
// отдельным запросом не нужно.
func (r *PostgresRepository) CreatePurchase(ctx context.Context, p *model.Purchase) (int64, error) {
	var id int64
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE balances SET amount = amount - $2 WHERE account_id = $1 AND amount >= $2`,
			p.AccountID, p.PriceUnitsPaid,
		)
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrInsufficientBalance
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO purchases (account_id, recipient_ref, catalog_ref, world_item_ref,
			                        price_units_paid, is_refundable, is_service, gifted, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
			p.AccountID, p.RecipientRef, p.CatalogRef, p.WorldItemRef,
			p.PriceUnitsPaid, p.IsRefundable, p.IsService, p.Gifted,
			string(model.PurchaseStatusPendingDelivery),
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}

		if err := appendAudit(ctx, tx, model.AuditEntry{
			ActorID:    p.AccountID,
			Action:     "purchase.created",
			TargetType: "purchase",
			TargetID:   fmt.Sprintf("%d", id),
			Details:    fmt.Sprintf("catalog_ref=%s price=%d", p.CatalogRef, p.PriceUnitsPaid),
		}); err != nil {
			return err
		}

		// Неудавшаяся фиксация могла на самом деле пройти; повтор списал бы
		// стоимость второй раз, статусного фильтра у этой операции нет.
		if err := tx.Commit(ctx); err != nil {
			return &ambiguousCommitError{err: err}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func scanPurchase(row pgx.Row) (*model.Purchase, error) {
	var (
		p      model.Purchase
		status string
	)
	err := row.Scan(&p.ID, &p.AccountID, &p.RecipientRef, &p.CatalogRef, &p.WorldItemRef,
		&p.PriceUnitsPaid, &p.IsRefundable, &p.IsService, &p.Gifted, &status,
		&p.CreatedAt, &p.DeliveredAt)
	if err != nil {
		return nil, err
	}
	p.Status = model.PurchaseStatus(status)
	return &p, nil
}

const purchaseColumns = `id, account_id, recipient_ref, catalog_ref, world_item_ref,
	price_units_paid, is_refundable, is_service, gifted, status, created_at, delivered_at`

// GetPurchase возвращает покупку по идентификатору.
func (r *PostgresRepository) GetPurchase(ctx context.Context, id int64) (*model.Purchase, error) {
	p, err := scanPurchase(r.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return p, nil
}

// GetPendingDeliveries возвращает покупки, ожидающие доставки, старые первыми.
func (r *PostgresRepository) GetPendingDeliveries(ctx context.Context, limit int) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+purchaseColumns+`
		 FROM purchases
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.PurchaseStatusPendingDelivery), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending deliveries: %w", err)
	}
	defer rows.Close()

	var res []model.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkPurchaseDelivered переводит покупку из pending_delivery в completed.
func (r *PostgresRepository) MarkPurchaseDelivered(ctx context.Context, id, actorID int64) error {
	return r.markPurchase(ctx, id, actorID, model.PurchaseStatusCompleted, "purchase.delivered", "")
}

// MarkPurchaseFailed переводит покупку из pending_delivery в терминальный failed.
// Списание не откатывается, разбор — за оператором.
func (r *PostgresRepository) MarkPurchaseFailed(ctx context.Context, id, actorID int64, reason string) error {
	return r.markPurchase(ctx, id, actorID, model.PurchaseStatusFailed, "purchase.failed", reason)
}

func (r *PostgresRepository) markPurchase(ctx context.Context, id, actorID int64, status model.PurchaseStatus, action, details string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var deliveredAt string
	if status == model.PurchaseStatusCompleted {
		deliveredAt = `, delivered_at = now()`
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE purchases SET status = $2`+deliveredAt+` WHERE id = $1 AND status = $3`,
		id, string(status), string(model.PurchaseStatusPendingDelivery),
	)
	if err != nil {
		return fmt.Errorf("update purchase: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrPurchaseNotPending
	}

	if err := appendAudit(ctx, tx, model.AuditEntry{
		ActorID:    actorID,
		Action:     action,
		TargetType: "purchase",
		TargetID:   fmt.Sprintf("%d", id),
		Details:    details,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetActiveBan возвращает действующую блокировку учётной записи либо nil.
// Блокировка без expires_at считается перманентной.
func (r *PostgresRepository) GetActiveBan(ctx context.Context, accountID int64, now time.Time) (*model.Ban, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT account_id, reason, expires_at, is_active
		 FROM bans
		 WHERE account_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY expires_at DESC NULLS FIRST
		 LIMIT 1`,
		accountID, now,
	)

	var b model.Ban
	err := row.Scan(&b.AccountID, &b.Reason, &b.ExpiresAt, &b.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active ban: %w", err)
	}

	return &b, nil
}

// GetVoteSite возвращает параметры сайта-топа.
func (r *PostgresRepository) GetVoteSite(ctx context.Context, siteID int64) (*model.VoteSite, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, cooldown_hours, reward_units FROM vote_sites WHERE id = $1`,
		siteID,
	)

	var s model.VoteSite
	if err := row.Scan(&s.ID, &s.CooldownHours, &s.RewardUnits); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVoteSiteNotFound
		}
		return nil, fmt.Errorf("get vote site: %w", err)
	}

	return &s, nil
}

// LastSuccessfulVote возвращает время последнего успешного голоса за сайт.
func (r *PostgresRepository) LastSuccessfulVote(ctx context.Context, accountID, siteID int64) (time.Time, bool, error) {
	var at time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT created_at
		 FROM vote_logs
		 WHERE account_id = $1 AND site_id = $2 AND success
		 ORDER BY created_at DESC
		 LIMIT 1`,
		accountID, siteID,
	).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last successful vote: %w", err)
	}
	return at, true, nil
}

// RecordVote добавляет запись о голосе и при успехе начисляет награду в той же
// транзакции: журнал без начисления или начисление без журнала невозможны.
// Перезарядка проверяется там же под блокировкой строки учётной записи, так что
// два конкурентных подтверждения одного голоса не начислят награду дважды:
// второе запишется как неуспех с причиной "cooldown" и вернёт ErrVoteCooldown.
func (r *PostgresRepository) RecordVote(ctx context.Context, accountID, siteID int64, success bool, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		cooldownHours int
		rewardUnits   int64
	)
	err = tx.QueryRow(ctx,
		`SELECT cooldown_hours, reward_units FROM vote_sites WHERE id = $1`,
		siteID,
	).Scan(&cooldownHours, &rewardUnits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVoteSiteNotFound
		}
		return fmt.Errorf("get vote site: %w", err)
	}

	if success {
		var lockedID int64
		err = tx.QueryRow(ctx,
			`SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, accountID,
		).Scan(&lockedID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("lock account: %w", err)
		}

		var onCooldown bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (
			   SELECT 1 FROM vote_logs
			   WHERE account_id = $1 AND site_id = $2 AND success
			     AND created_at > now() - make_interval(hours => $3))`,
			accountID, siteID, cooldownHours,
		).Scan(&onCooldown)
		if err != nil {
			return fmt.Errorf("check cooldown: %w", err)
		}

		if onCooldown {
			if _, err := tx.Exec(ctx,
				`INSERT INTO vote_logs (account_id, site_id, success, reason) VALUES ($1, $2, false, 'cooldown')`,
				accountID, siteID,
			); err != nil {
				return fmt.Errorf("insert vote log: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("commit tx: %w", err)
			}
			return ErrVoteCooldown
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO vote_logs (account_id, site_id, success, reason) VALUES ($1, $2, $3, $4)`,
		accountID, siteID, success, reason,
	); err != nil {
		return fmt.Errorf("insert vote log: %w", err)
	}

	if success && rewardUnits > 0 {
		if _, err := creditBalance(ctx, tx, accountID, rewardUnits); err != nil {
			return err
		}

		if err := appendAudit(ctx, tx, model.AuditEntry{
			ActorID:    accountID,
			Action:     "vote.rewarded",
			TargetType: "vote_site",
			TargetID:   fmt.Sprintf("%d", siteID),
			Details:    fmt.Sprintf("reward=%d", rewardUnits),
		}); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func appendAudit(ctx context.Context, q executor, e model.AuditEntry) error {
	if _, err := q.Exec(ctx,
		`INSERT INTO audit_log (actor_id, action, target_type, target_id, details)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.ActorID, e.Action, e.TargetType, e.TargetID, e.Details,
	); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AppendAudit добавляет запись аудита вне транзакционного контекста.
func (r *PostgresRepository) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	return appendAudit(ctx, r.pool, e)
}
