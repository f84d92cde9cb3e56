// Package repository содержит реализации хранилища заказов, кодов активации и записей на курсы.
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

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// ErrDuplicateCode возвращается при выпуске кода, который уже существует.
var ErrDuplicateCode = errors.New("redemption code already exists")

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
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

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}

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

	if err := goose.UpContext(ctx, db, "migrations/postgres"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет только идемпотентные операции: откаченные транзакции и обрывы соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		retryable := isConnectionError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			retryable = pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
		}

		if !retryable || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
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

const orderColumns = `id, buyer_id, total, payment_method, status, transaction_id,
	COALESCE(idempotency_key, ''), COALESCE(decided_by, ''), COALESCE(reject_reason, ''), created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.BuyerID, &o.Total, &o.PaymentMethod, &status, &o.TransactionID,
		&o.IdempotencyKey, &o.DecidedBy, &o.RejectReason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// CreateOrder сохраняет заказ вместе с позициями. Если у покупателя уже есть заказ с тем же
// ключом идемпотентности, возвращает существующий заказ и признак existed.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) (*model.Order, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO orders (id, buyer_id, total, payment_method, status, transaction_id, idempotency_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $8)
		 ON CONFLICT (buyer_id, idempotency_key) DO NOTHING`,
		o.ID, o.BuyerID, o.Total, o.PaymentMethod, string(o.Status), o.TransactionID, o.IdempotencyKey, o.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert order: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		existing, err := scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE buyer_id = $1 AND idempotency_key = $2`,
			o.BuyerID, o.IdempotencyKey,
		))
		if err != nil {
			return nil, false, fmt.Errorf("select existing order: %w", err)
		}
		if existing.Items, err = r.loadItems(ctx, tx, existing.ID); err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}

	for _, it := range o.Items {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (order_id, course_id, price) VALUES ($1, $2, $3)`,
			o.ID, it.CourseID, it.Price,
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	return o, false, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *PostgresRepository) loadItems(ctx context.Context, q querier, orderID string) ([]model.OrderItem, error) {
	rows, err := q.Query(ctx,
		`SELECT course_id, price FROM order_items WHERE order_id = $1 ORDER BY course_id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.CourseID, &it.Price); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

// GetOrder возвращает заказ с позициями.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if o.Items, err = r.loadItems(ctx, r.pool, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PostgresRepository) listOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range orders {
		if orders[i].Items, err = r.loadItems(ctx, r.pool, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// ListOrdersByBuyer возвращает заказы покупателя, новые первыми.
func (r *PostgresRepository) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE buyer_id = $1 ORDER BY created_at DESC`,
		buyerID,
	)
}

// ListOrdersByStatus возвращает заказы в указанном статусе, старые первыми.
func (r *PostgresRepository) ListOrdersByStatus(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(status), limit,
	)
}

// TransitionOrder атомарно переводит заказ из pending в статус to.
// Если заказ уже не в pending, возвращает его текущее состояние и applied=false.
func (r *PostgresRepository) TransitionOrder(ctx context.Context, id string, to model.OrderStatus, adminID, reason string, now time.Time) (*model.Order, bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2, decided_by = $3, reject_reason = NULLIF($4, ''), updated_at = $5
		 WHERE id = $1 AND status = $6`,
		id, string(to), adminID, reason, now, string(model.OrderStatusPending),
	)
	if err != nil {
		return nil, false, fmt.Errorf("update order status: %w", err)
	}

	o, err := r.GetOrder(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return o, cmdTag.RowsAffected() == 1, nil
}

// OrderStatusesForCourse возвращает статусы заказов пользователя, содержащих курс.
func (r *PostgresRepository) OrderStatusesForCourse(ctx context.Context, userID, courseID string) ([]model.OrderStatus, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT o.status
		 FROM orders o
		 JOIN order_items i ON i.order_id = o.id
		 WHERE o.buyer_id = $1 AND i.course_id = $2`,
		userID, courseID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order statuses: %w", err)
	}
	defer rows.Close()

	var res []model.OrderStatus
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan order status: %w", err)
		}
		res = append(res, model.OrderStatus(s))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

const codeColumns = `code, scope, status, COALESCE(redeemed_by, ''), redeemed_at, expires_at, created_at`

func scanCode(row pgx.Row) (*model.RedemptionCode, error) {
	var (
		c      model.RedemptionCode
		status string
	)
	if err := row.Scan(&c.Code, &c.Scope, &status, &c.RedeemedBy, &c.RedeemedAt, &c.ExpiresAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Status = model.CodeStatus(status)
	return &c, nil
}

// CreateRedemptionCodes сохраняет партию новых кодов в одной транзакции.
func (r *PostgresRepository) CreateRedemptionCodes(ctx context.Context, codes []model.RedemptionCode) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range codes {
		_, err := tx.Exec(ctx,
			`INSERT INTO redemption_codes (code, scope, status, expires_at, created_at) VALUES ($1, $2, $3, $4, $5)`,
			c.Code, c.Scope, string(model.CodeStatusUnused), c.ExpiresAt, c.CreatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrDuplicateCode, c.Code)
			}
			return fmt.Errorf("insert redemption code: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetRedemptionCode возвращает код активации.
func (r *PostgresRepository) GetRedemptionCode(ctx context.Context, code string) (*model.RedemptionCode, error) {
	c, err := scanCode(r.pool.QueryRow(ctx, `SELECT `+codeColumns+` FROM redemption_codes WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: code %s", model.ErrNotFound, code)
		}
		return nil, fmt.Errorf("get redemption code: %w", err)
	}
	return c, nil
}

// RedeemCode атомарно переводит код из unused в redeemed, если срок действия не истёк.
// Если условие не выполнено, возвращает текущее состояние кода и applied=false.
func (r *PostgresRepository) RedeemCode(ctx context.Context, code, userID string, now time.Time) (*model.RedemptionCode, bool, error) {
	c, err := scanCode(r.pool.QueryRow(ctx,
		`UPDATE redemption_codes
		 SET status = $3, redeemed_by = $2, redeemed_at = $4
		 WHERE code = $1 AND status = $5 AND (expires_at IS NULL OR expires_at > $4)
		 RETURNING `+codeColumns,
		code, userID, string(model.CodeStatusRedeemed), now, string(model.CodeStatusUnused),
	))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("redeem code: %w", err)
	}

	c, err = r.GetRedemptionCode(ctx, code)
	if err != nil {
		return nil, false, err
	}
	return c, false, nil
}

// RedeemedCodesFor возвращает коды, погашенные пользователем на курс или на весь каталог.
func (r *PostgresRepository) RedeemedCodesFor(ctx context.Context, userID, courseID string) ([]model.RedemptionCode, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+codeColumns+` FROM redemption_codes
		 WHERE redeemed_by = $1 AND status = $2 AND (scope = $3 OR scope = $4)
		 ORDER BY redeemed_at`,
		userID, string(model.CodeStatusRedeemed), courseID, model.ScopeAll,
	)
	if err != nil {
		return nil, fmt.Errorf("select redeemed codes: %w", err)
	}
	defer rows.Close()

	var res []model.RedemptionCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan redeemed code: %w", err)
		}
		res = append(res, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

const enrollmentColumns = `user_id, course_id, enrolled_at, last_accessed_at, is_completed`

func scanEnrollment(row pgx.Row) (*model.Enrollment, error) {
	var e model.Enrollment
	if err := row.Scan(&e.UserID, &e.CourseID, &e.EnrolledAt, &e.LastAccessedAt, &e.IsCompleted); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertEnrollment создаёт запись на курс или обновляет время последнего доступа у существующей.
func (r *PostgresRepository) UpsertEnrollment(ctx context.Context, userID, courseID string, now time.Time) (*model.Enrollment, error) {
	var e *model.Enrollment
	err := r.withRetry(ctx, func() error {
		var err error
		e, err = scanEnrollment(r.pool.QueryRow(ctx,
			`INSERT INTO enrollments (user_id, course_id, enrolled_at, last_accessed_at, is_completed)
			 VALUES ($1, $2, $3, $3, FALSE)
			 ON CONFLICT (user_id, course_id) DO UPDATE SET last_accessed_at = EXCLUDED.last_accessed_at
			 RETURNING `+enrollmentColumns,
			userID, courseID, now,
		))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert enrollment: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) updateEnrollment(ctx context.Context, query, userID, courseID string, now time.Time) (*model.Enrollment, error) {
	var e *model.Enrollment
	err := r.withRetry(ctx, func() error {
		var err error
		e, err = scanEnrollment(r.pool.QueryRow(ctx, query, userID, courseID, now))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: enrollment %s/%s", model.ErrNotFound, userID, courseID)
		}
		return nil, fmt.Errorf("update enrollment: %w", err)
	}
	return e, nil
}

// TouchEnrollment обновляет время последнего доступа к курсу.
func (r *PostgresRepository) TouchEnrollment(ctx context.Context, userID, courseID string, now time.Time) (*model.Enrollment, error) {
	return r.updateEnrollment(ctx,
		`UPDATE enrollments SET last_accessed_at = $3
		 WHERE user_id = $1 AND course_id = $2
		 RETURNING `+enrollmentColumns,
		userID, courseID, now,
	)
}

// CompleteEnrollment отмечает курс пройденным.
func (r *PostgresRepository) CompleteEnrollment(ctx context.Context, userID, courseID string, now time.Time) (*model.Enrollment, error) {
	return r.updateEnrollment(ctx,
		`UPDATE enrollments SET is_completed = TRUE, last_accessed_at = $3
		 WHERE user_id = $1 AND course_id = $2
		 RETURNING `+enrollmentColumns,
		userID, courseID, now,
	)
}

// EnrollmentExists сообщает, записан ли пользователь на курс.
func (r *PostgresRepository) EnrollmentExists(ctx context.Context, userID, courseID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM enrollments WHERE user_id = $1 AND course_id = $2)`,
		userID, courseID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select enrollment: %w", err)
	}
	return exists, nil
}

// ListEnrollments возвращает записи пользователя на курсы.
func (r *PostgresRepository) ListEnrollments(ctx context.Context, userID string) ([]model.Enrollment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE user_id = $1 ORDER BY last_accessed_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select enrollments: %w", err)
	}
	defer rows.Close()

	var res []model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		res = append(res, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListProjectionGaps возвращает пары пользователь/курс, у которых есть выполненный заказ
// или погашенный код на конкретный курс, но нет записи на курс.
func (r *PostgresRepository) ListProjectionGaps(ctx context.Context, limit int) ([]model.ProjectionGap, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT $1::text, o.id, o.buyer_id, i.course_id
		 FROM orders o
		 JOIN order_items i ON i.order_id = o.id
		 LEFT JOIN enrollments e ON e.user_id = o.buyer_id AND e.course_id = i.course_id
		 WHERE o.status = $3 AND e.user_id IS NULL
		 UNION ALL
		 SELECT $2::text, c.code, c.redeemed_by, c.scope
		 FROM redemption_codes c
		 LEFT JOIN enrollments e ON e.user_id = c.redeemed_by AND e.course_id = c.scope
		 WHERE c.status = $4 AND c.scope <> $5 AND e.user_id IS NULL
		 LIMIT $6`,
		model.SourceOrder, model.SourceRedemption,
		string(model.OrderStatusCompleted), string(model.CodeStatusRedeemed), model.ScopeAll, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select projection gaps: %w", err)
	}
	defer rows.Close()

	var res []model.ProjectionGap
	for rows.Next() {
		var g model.ProjectionGap
		if err := rows.Scan(&g.Source, &g.SourceID, &g.UserID, &g.CourseID); err != nil {
			return nil, fmt.Errorf("scan projection gap: %w", err)
		}
		res = append(res, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListWildcardRedeemers возвращает пользователей, погасивших код на весь каталог.
func (r *PostgresRepository) ListWildcardRedeemers(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT redeemed_by FROM redemption_codes WHERE status = $1 AND scope = $2`,
		string(model.CodeStatusRedeemed), model.ScopeAll,
	)
	if err != nil {
		return nil, fmt.Errorf("select wildcard redeemers: %w", err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan redeemer: %w", err)
		}
		res = append(res, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
