package model

import "time"

// Типы доменных событий.
const (
	EventOrderSubmitted = "OrderSubmitted"
	EventOrderApproved  = "OrderApproved"
	EventOrderRejected  = "OrderRejected"
	EventCodeRedeemed   = "CodeRedeemed"
)

// Event описывает доменное событие для внешних подписчиков.
type Event struct {
	Type       string
	Key        string
	OccurredAt time.Time
	Payload    any
}

// OrderEventPayload публикуется при создании и решении по заказу.
type OrderEventPayload struct {
	OrderID   string   `json:"order_id"`
	BuyerID   string   `json:"buyer_id"`
	Status    string   `json:"status"`
	CourseIDs []string `json:"course_ids"`
	Total     int64    `json:"total"`
	DecidedBy string   `json:"decided_by,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// CodeRedeemedPayload публикуется при успешном погашении кода.
type CodeRedeemedPayload struct {
	Code      string   `json:"code"`
	Scope     string   `json:"scope"`
	UserID    string   `json:"user_id"`
	CourseIDs []string `json:"course_ids"`
}
