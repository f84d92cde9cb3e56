// Package model содержит доменные сущности движка доступа к курсам.
package model

import "time"

// OrderStatus описывает состояние заказа в процессе ручного подтверждения оплаты.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusRejected  OrderStatus = "rejected"
)

// IsTerminal сообщает, что заказ уже покинул состояние ожидания.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusRejected
}

// DefaultPaymentMethod используется, если покупатель не указал способ оплаты.
const DefaultPaymentMethod = "manual_transfer"

// OrderItem описывает одну позицию заказа: курс и цену в минимальных денежных единицах.
type OrderItem struct {
	CourseID string `json:"courseId"`
	Price    int64  `json:"price"`
}

// Order описывает намерение пользователя купить один или несколько курсов.
type Order struct {
	ID             string
	BuyerID        string
	Items          []OrderItem
	Total          int64
	PaymentMethod  string
	Status         OrderStatus
	TransactionID  *string
	IdempotencyKey string
	DecidedBy      string
	RejectReason   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CourseIDs возвращает идентификаторы курсов из позиций заказа.
func (o *Order) CourseIDs() []string {
	ids := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		ids = append(ids, it.CourseID)
	}
	return ids
}

// SumItems возвращает сумму цен всех позиций.
func SumItems(items []OrderItem) int64 {
	var total int64
	for _, it := range items {
		total += it.Price
	}
	return total
}

// CodeStatus описывает состояние кода активации.
type CodeStatus string

const (
	CodeStatusUnused   CodeStatus = "unused"
	CodeStatusRedeemed CodeStatus = "redeemed"
	CodeStatusExpired  CodeStatus = "expired"
)

// ScopeAll открывает доступ ко всем курсам каталога.
const ScopeAll = "all"

// RedemptionCode описывает одноразовый код, открывающий доступ к курсу или ко всему каталогу.
type RedemptionCode struct {
	Code       string
	Scope      string
	Status     CodeStatus
	RedeemedBy string
	RedeemedAt *time.Time
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// Covers сообщает, распространяется ли область действия кода на курс.
func (c *RedemptionCode) Covers(courseID string) bool {
	return c.Scope == ScopeAll || c.Scope == courseID
}

// ExpiredAt сообщает, истёк ли срок действия кода к моменту now.
func (c *RedemptionCode) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Enrollment описывает запись пользователя на курс и его прогресс.
type Enrollment struct {
	UserID         string
	CourseID       string
	EnrolledAt     time.Time
	LastAccessedAt time.Time
	IsCompleted    bool
}

// EntitlementStatus описывает итог проверки права доступа для интерфейса.
type EntitlementStatus string

const (
	EntitlementNone            EntitlementStatus = "None"
	EntitlementPendingApproval EntitlementStatus = "PendingApproval"
	EntitlementGranted         EntitlementStatus = "Granted"
)

// Источники, из которых получено право доступа.
const (
	SourceEnrollment = "enrollment"
	SourceOrder      = "order"
	SourceRedemption = "redemption"
)

// AccessDecision вычисляется на лету и не сохраняется.
type AccessDecision struct {
	UserID   string
	CourseID string
	Status   EntitlementStatus
	Source   string
}

// HasAccess сообщает, открыт ли доступ к курсу.
func (d AccessDecision) HasAccess() bool {
	return d.Status == EntitlementGranted
}

// Course описывает курс из каталога контентного хранилища.
type Course struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Price int64  `json:"price"`
}

// ProjectionTask описывает выдачу доступа, которую нужно повторить после сбоя записи.
type ProjectionTask struct {
	Source    string    `json:"source"`
	SourceID  string    `json:"source_id"`
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope,omitempty"`
	CourseIDs []string  `json:"course_ids,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

// ProjectionGap описывает пару пользователь/курс, для которой есть право, но нет записи на курс.
type ProjectionGap struct {
	Source   string
	SourceID string
	UserID   string
	CourseID string
}
