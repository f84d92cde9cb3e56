package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/mmeshcher/entitlement-engine/internal/model"
)

// SQLiteRepository хранит данные в файле SQLite. Время хранится в миллисекундах Unix.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository открывает файл базы данных и применяет миграции.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Один писатель: условные UPDATE выполняются строго по очереди.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close закрывает соединение с базой.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteOrder(row sqlRow) (*model.Order, error) {
	var (
		o                    model.Order
		status               string
		txID                 sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&o.ID, &o.BuyerID, &o.Total, &o.PaymentMethod, &status, &txID,
		&o.IdempotencyKey, &o.DecidedBy, &o.RejectReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	if txID.Valid {
		o.TransactionID = &txID.String
	}
	o.CreatedAt = fromMillis(createdAt)
	o.UpdatedAt = fromMillis(updatedAt)
	return &o, nil
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *SQLiteRepository) loadItems(ctx context.Context, q sqlQuerier, orderID string) ([]model.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT course_id, price FROM order_items WHERE order_id = ? ORDER BY course_id`,
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

// CreateOrder сохраняет заказ вместе с позициями, учитывая ключ идемпотентности покупателя.
func (r *SQLiteRepository) CreateOrder(ctx context.Context, o *model.Order) (*model.Order, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, buyer_id, total, payment_method, status, transaction_id, idempotency_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
		 ON CONFLICT (buyer_id, idempotency_key) DO NOTHING`,
		o.ID, o.BuyerID, o.Total, o.PaymentMethod, string(o.Status), o.TransactionID, o.IdempotencyKey,
		toMillis(o.CreatedAt), toMillis(o.CreatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		existing, err := scanSQLiteOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE buyer_id = ? AND idempotency_key = ?`,
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
		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, course_id, price) VALUES (?, ?, ?)`,
			o.ID, it.CourseID, it.Price,
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}
	return o, false, nil
}

// GetOrder возвращает заказ с позициями.
func (r *SQLiteRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanSQLiteOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	if o.Items, err = r.loadItems(ctx, r.db, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *SQLiteRepository) listOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}

	var orders []model.Order
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	// Соединение одно: курсор нужно закрыть до загрузки позиций.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range orders {
		if orders[i].Items, err = r.loadItems(ctx, r.db, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// ListOrdersByBuyer возвращает заказы покупателя, новые первыми.
func (r *SQLiteRepository) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE buyer_id = ? ORDER BY created_at DESC`,
		buyerID,
	)
}

// ListOrdersByStatus возвращает заказы в указанном статусе, старые первыми.
func (r *SQLiteRepository) ListOrdersByStatus(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY created_at LIMIT ?`,
		string(status), limit,
	)
}

// TransitionOrder атомарно переводит заказ из pending в статус to.
func (r *SQLiteRepository) TransitionOrder(ctx context.Context, id string, to model.OrderStatus, adminID, reason string, now time.Time) (*model.Order, bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders
		 SET status = ?, decided_by = ?, reject_reason = NULLIF(?, ''), updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), adminID, reason, toMillis(now), id, string(model.OrderStatusPending),
	)
	if err != nil {
		return nil, false, fmt.Errorf("update order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	o, err := r.GetOrder(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return o, affected == 1, nil
}

// OrderStatusesForCourse возвращает статусы заказов пользователя, содержащих курс.
func (r *SQLiteRepository) OrderStatusesForCourse(ctx context.Context, userID, courseID string) ([]model.OrderStatus, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT o.status
		 FROM orders o
		 JOIN order_items i ON i.order_id = o.id
		 WHERE o.buyer_id = ? AND i.course_id = ?`,
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

func scanSQLiteCode(row sqlRow) (*model.RedemptionCode, error) {
	var (
		c                     model.RedemptionCode
		status                string
		redeemedAt, expiresAt sql.NullInt64
		createdAt             int64
	)
	if err := row.Scan(&c.Code, &c.Scope, &status, &c.RedeemedBy, &redeemedAt, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	c.Status = model.CodeStatus(status)
	c.RedeemedAt = timePtr(redeemedAt)
	c.ExpiresAt = timePtr(expiresAt)
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// CreateRedemptionCodes сохраняет партию новых кодов в одной транзакции.
func (r *SQLiteRepository) CreateRedemptionCodes(ctx context.Context, codes []model.RedemptionCode) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range codes {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO redemption_codes (code, scope, status, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (code) DO NOTHING`,
			c.Code, c.Scope, string(model.CodeStatusUnused), nullMillis(c.ExpiresAt), toMillis(c.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert redemption code: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateCode, c.Code)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetRedemptionCode возвращает код активации.
func (r *SQLiteRepository) GetRedemptionCode(ctx context.Context, code string) (*model.RedemptionCode, error) {
	c, err := scanSQLiteCode(r.db.QueryRowContext(ctx, `SELECT `+codeColumns+` FROM redemption_codes WHERE code = ?`, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: code %s", model.ErrNotFound, code)
		}
		return nil, fmt.Errorf("get redemption code: %w", err)
	}
	return c, nil
}

// RedeemCode атомарно переводит код из unused в redeemed, если срок действия не истёк.
func (r *SQLiteRepository) RedeemCode(ctx context.Context, code, userID string, now time.Time) (*model.RedemptionCode, bool, error) {
	c, err := scanSQLiteCode(r.db.QueryRowContext(ctx,
		`UPDATE redemption_codes
		 SET status = ?, redeemed_by = ?, redeemed_at = ?
		 WHERE code = ? AND status = ? AND (expires_at IS NULL OR expires_at > ?)
		 RETURNING `+codeColumns,
		string(model.CodeStatusRedeemed), userID, toMillis(now),
		code, string(model.CodeStatusUnused), toMillis(now),
	))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("redeem code: %w", err)
	}

	c, err = r.GetRedemptionCode(ctx, code)
	if err != nil {
		return nil, false, err
	}
	return c, false, nil
}

// RedeemedCodesFor возвращает коды, погашенные пользователем на курс или на весь каталог.
func (r *SQLiteRepository) RedeemedCodesFor(ctx context.Context, userID, courseID string) ([]model.RedemptionCode, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+codeColumns+` FROM redemption_codes
		 WHERE redeemed_by = ? AND status = ? AND (scope = ? OR scope = ?)
		 ORDER BY redeemed_at`,
		userID, string(model.CodeStatusRedeemed), courseID, model.ScopeAll,
	)
	if err != nil {
		return nil, fmt.Errorf("select redeemed codes: %w", err)
	}
	defer rows.Close()

	var res []model.RedemptionCode
	for rows.Next() {
		c, err := scanSQLiteCode(rows)
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

func scanSQLiteEnrollment(row sqlRow) (*model.Enrollment, error) {
	var (
		e                        model.Enrollment
		enrolledAt, lastAccessed int64
	)
	if err := row.Scan(&e.UserID, &e.CourseID, &enrolledAt, &lastAccessed, &e.IsCompleted); err != nil {
		return nil, err
	}
	e.EnrolledAt = fromMillis(enrolledAt)
	e.LastAccessedAt = fromMillis(lastAccessed)
	return &e, nil
}

// UpsertEnrollment создаёт запись на курс или обновляет время последнего доступа у существующей.
func (r *SQLiteRepository) UpsertEnrollment(ctx context.Context, userID, courseID string, now time.Time) (*model.Enrollment, error) {
	e, err := scanSQLiteEnrollment(r.db.QueryRowContext(ctx,
		`INSERT INTO enrollments (user_id, course_id, enrolled_at, last_accessed_at, is_completed)
		 VALUES (?, ?, ?, ?, 0)
		 ON CONFLICT (user_id, course_id) DO UPDATE SET last_accessed_at = excluded.last_accessed_at
		 RETURNING `+enrollmentColumns,
		userID, courseID, toMillis(now), toMillis(now),
	))
	if err != nil {
		return nil, fmt.Errorf("upsert enrollment: %w", err)
	}
	return e, nil
}

func (r *SQLiteRepository) updateEnrollment(ctx context.Context, query, userID, courseID string, now time.Time) (*model.Enrollment, error) {
	e, err := scanSQLiteEnrollment(r.db.QueryRowContext(ctx, query, toMillis(now), userID, courseID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: enrollment %s/%s", model.ErrNotFound, userID, courseID)
		}
		return nil, fmt.Errorf("update enrollment: %w", err)
	}
	return e, nil
}

// TouchEnrollment обновляет время последнего доступа к курсу.
func (r *SQLiteRepository) TouchEnrollment(ctx context.Context, userID, courseID string, now time.Time) (*model.Enrollment, error) {
	return r.updateEnrollment(ctx,
		`UPDATE enrollments SET last_accessed_at = ?
		 WHERE user_id = ? AND course_id = ?
		 RETURNING `+enrollmentColumns,
		userID, courseID, now,
	)
}

// CompleteEnrollment отмечает курс пройденным.
func (r *SQLiteRepository) CompleteEnrollment(ctx context.Context, userID, courseID string, now time.Time) (*model.Enrollment, error) {
	return r.updateEnrollment(ctx,
		`UPDATE enrollments SET is_completed = 1, last_accessed_at = ?
		 WHERE user_id = ? AND course_id = ?
		 RETURNING `+enrollmentColumns,
		userID, courseID, now,
	)
}

// EnrollmentExists сообщает, записан ли пользователь на курс.
func (r *SQLiteRepository) EnrollmentExists(ctx context.Context, userID, courseID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM enrollments WHERE user_id = ? AND course_id = ?)`,
		userID, courseID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select enrollment: %w", err)
	}
	return exists, nil
}

// ListEnrollments возвращает записи пользователя на курсы.
func (r *SQLiteRepository) ListEnrollments(ctx context.Context, userID string) ([]model.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE user_id = ? ORDER BY last_accessed_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select enrollments: %w", err)
	}
	defer rows.Close()

	var res []model.Enrollment
	for rows.Next() {
		e, err := scanSQLiteEnrollment(rows)
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

// ListProjectionGaps возвращает пары пользователь/курс с правом доступа, но без записи на курс.
func (r *SQLiteRepository) ListProjectionGaps(ctx context.Context, limit int) ([]model.ProjectionGap, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ?, o.id, o.buyer_id, i.course_id
		 FROM orders o
		 JOIN order_items i ON i.order_id = o.id
		 LEFT JOIN enrollments e ON e.user_id = o.buyer_id AND e.course_id = i.course_id
		 WHERE o.status = ? AND e.user_id IS NULL
		 UNION ALL
		 SELECT ?, c.code, c.redeemed_by, c.scope
		 FROM redemption_codes c
		 LEFT JOIN enrollments e ON e.user_id = c.redeemed_by AND e.course_id = c.scope
		 WHERE c.status = ? AND c.scope <> ? AND e.user_id IS NULL
		 LIMIT ?`,
		model.SourceOrder, string(model.OrderStatusCompleted),
		model.SourceRedemption, string(model.CodeStatusRedeemed), model.ScopeAll,
		limit,
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
func (r *SQLiteRepository) ListWildcardRedeemers(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT redeemed_by FROM redemption_codes WHERE status = ? AND scope = ?`,
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
