// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
)

const (
	maxIDLen     = 128
	maxCodeLen   = 128
	maxReasonLen = 500
)

// NormalizeCode убирает пробелы по краям кода активации. Регистр и алфавит кода сохраняются:
// код непрозрачен и ищется в хранилище как есть.
func NormalizeCode(code string) string {
	return strings.TrimSpace(code)
}

// IsValidCode проверяет, что код активации может храниться в базе: не длиннее maxCodeLen
// и без управляющих символов. Алфавит кода не ограничивается.
func IsValidCode(code string) bool {
	if code == "" || len(code) > maxCodeLen {
		return false
	}

	for _, ch := range code {
		if unicode.IsControl(ch) {
			return false
		}
	}
	return true
}

// IsValidID проверяет непрозрачный идентификатор пользователя, курса или заказа.
func IsValidID(id string) bool {
	if id == "" || len(id) > maxIDLen {
		return false
	}

	for _, ch := range id {
		if unicode.IsSpace(ch) || unicode.IsControl(ch) {
			return false
		}
	}
	return true
}

// IsValidReason ограничивает длину причины отклонения заказа.
func IsValidReason(reason string) bool {
	return len(reason) <= maxReasonLen
}
