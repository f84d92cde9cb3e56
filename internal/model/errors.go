package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation error")
	// ErrNotFound возвращается, если заказ, код или курс не найден.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRedeemed возвращается проигравшему гонку или при повторном использовании кода.
	ErrAlreadyRedeemed = errors.New("code already redeemed")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса заказа.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrExpired возвращается, если срок действия кода истёк.
	ErrExpired = errors.New("code expired")
	// ErrUnauthorized возвращается, если у вызывающего нет прав администратора.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidIdentity возвращается, если идентификатор пользователя пуст или некорректен.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrInconsistentProjection сопоставляется с InconsistentProjectionError.
	ErrInconsistentProjection = errors.New("inconsistent enrollment projection")
)

// InconsistentProjectionError сообщает, что запись на курс не удалась после успешного изменения заказа или кода.
type InconsistentProjectionError struct {
	Task ProjectionTask
	Err  error
}

func (e *InconsistentProjectionError) Error() string {
	return fmt.Sprintf("%s for user %s via %s %s: %v",
		ErrInconsistentProjection, e.Task.UserID, e.Task.Source, e.Task.SourceID, e.Err)
}

func (e *InconsistentProjectionError) Unwrap() error {
	return e.Err
}

// Is позволяет проверять ошибку через errors.Is(err, ErrInconsistentProjection).
func (e *InconsistentProjectionError) Is(target error) bool {
	return target == ErrInconsistentProjection
}

// Validationf оборачивает ErrValidation с пояснением.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
