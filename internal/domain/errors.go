package domain

import (
	"errors"
	"fmt"
	"time"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate дубликат записи
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidArgument неверные входные данные (формат отпечатка, неизвестный тариф и т.п.)
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermissionDenied ресурс принадлежит другому пользователю
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnauthenticated пользователь не аутентифицирован
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTransient временная ошибка инфраструктуры, запрос можно повторить
	ErrTransient = errors.New("transient failure, try again")

	// ErrInvariantViolation нарушен инвариант хранилища
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrRateLimited превышен лимит частоты действия
	ErrRateLimited = errors.New("rate limited")

	// ErrWebhookValidationFailed не удалось проверить подпись вебхука
	ErrWebhookValidationFailed = errors.New("webhook validation failed")
)

// ValidationError представляет ошибку валидации
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors представляет набор ошибок валидации
type ValidationErrors []ValidationError

// Error реализует интерфейс error
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}

	if len(e) == 1 {
		return fmt.Sprintf("validation failed: %s - %s", e[0].Field, e[0].Message)
	}

	return fmt.Sprintf("validation failed: %d errors", len(e))
}

// Is позволяет сравнивать через errors.Is(err, ErrInvalidArgument)
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidArgument
}

// Add добавляет ошибку валидации
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// HasErrors проверяет наличие ошибок
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Err возвращает nil, если ошибок нет
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// NotFoundError описывает отсутствующую сущность
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Is позволяет сравнивать через errors.Is(err, ErrNotFound)
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError создает ошибку отсутствия сущности
func NewNotFoundError(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// TransientError оборачивает временную ошибку хранилища или внешнего сервиса
type TransientError struct {
	Op          string
	OriginalErr error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.OriginalErr)
}

// Unwrap возвращает оригинальную ошибку
func (e *TransientError) Unwrap() error {
	return e.OriginalErr
}

// Is позволяет сравнивать через errors.Is(err, ErrTransient)
func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// NewTransientError создает временную ошибку
func NewTransientError(op string, err error) error {
	return &TransientError{Op: op, OriginalErr: err}
}

// IsRetryable сообщает, имеет ли смысл повторять операцию
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// RateLimitError отказ по лимиту частоты с временем до следующей попытки
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Action, e.RetryAfter)
}

// Is позволяет сравнивать через errors.Is(err, ErrRateLimited)
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
