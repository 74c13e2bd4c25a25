package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how they propagate.
type ErrorKind string

const (
	KindConfiguration  ErrorKind = "configuration"  // rejected synchronously, no state change
	KindInitialization ErrorKind = "initialization" // collaborator unavailable at start
	KindDataFetch      ErrorKind = "data_fetch"     // transient market data failure, tick skipped
	KindExecution      ErrorKind = "execution"      // bridge rejected a trade
	KindPersistence    ErrorKind = "persistence"    // storage write failed, retried next cycle
)

// BotError 携带错误类别，供上层决定是否升级为 ERROR 状态
type BotError struct {
	Kind  ErrorKind
	Op    string
	BotID string
	Err   error
}

func (e *BotError) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.BotID != "" {
		msg = fmt.Sprintf("bot %s: %s", e.BotID, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BotError) Unwrap() error { return e.Err }

// Is matches any BotError sentinel of the same kind, so errors.Is(err, ErrDataFetch) works
// regardless of the wrapped cause.
func (e *BotError) Is(target error) bool {
	t, ok := target.(*BotError)
	if !ok {
		return false
	}
	return t.Err == nil && t.Op == "" && t.BotID == "" && t.Kind == e.Kind
}

// 类别哨兵，用于 errors.Is
var (
	ErrConfiguration  = &BotError{Kind: KindConfiguration}
	ErrInitialization = &BotError{Kind: KindInitialization}
	ErrDataFetch      = &BotError{Kind: KindDataFetch}
	ErrExecution      = &BotError{Kind: KindExecution}
	ErrPersistence    = &BotError{Kind: KindPersistence}
)

var (
	// ErrBotNotFound is returned when no config exists for an id.
	ErrBotNotFound = errors.New("bot not found")
	// ErrInvalidTransition is returned for a lifecycle edge that does not exist.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnrecoverable marks a tick failure that must move the bot to ERROR.
	ErrUnrecoverable = errors.New("unrecoverable failure")
)

func ConfigError(op string, err error) error {
	return &BotError{Kind: KindConfiguration, Op: op, Err: err}
}

func InitError(botID, op string, err error) error {
	return &BotError{Kind: KindInitialization, Op: op, BotID: botID, Err: err}
}

func DataFetchError(botID, op string, err error) error {
	return &BotError{Kind: KindDataFetch, Op: op, BotID: botID, Err: err}
}

func ExecutionError(botID, op string, err error) error {
	return &BotError{Kind: KindExecution, Op: op, BotID: botID, Err: err}
}

func PersistenceError(botID, op string, err error) error {
	return &BotError{Kind: KindPersistence, Op: op, BotID: botID, Err: err}
}

// KindOf returns the kind of the first BotError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var be *BotError
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}
