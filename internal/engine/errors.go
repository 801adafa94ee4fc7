package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sharedraw/resale-engine/internal/store"
)

// Kind classifies why an operation was refused. Kinds are stable API: they
// map 1:1 to response codes and none of them is retryable by the engine
// itself — the caller decides retry policy.
type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindNotOwner            Kind = "NOT_OWNER"
	KindNotActive           Kind = "NOT_ACTIVE"
	KindNotResaleable       Kind = "NOT_RESALEABLE"
	KindLotteryNotActive    Kind = "LOTTERY_NOT_ACTIVE"
	KindInsufficientShares  Kind = "INSUFFICIENT_SHARES"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindSelfTrade           Kind = "SELF_TRADE"
	KindInvalidInput        Kind = "INVALID_INPUT"
	KindTimeout             Kind = "TIMEOUT"
	KindInternal            Kind = "INTERNAL"
)

// Error is a refusal with a stable kind and a human-readable message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// E builds an *Error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from any error returned by an engine operation.
// Store failures and context expiry are folded into INTERNAL and TIMEOUT.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// translate wraps non-engine errors bubbling out of a unit of work into the
// taxonomy. Already-classified errors pass through.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return E(KindTimeout, "operation timed out: %v", err)
	}
	return E(KindInternal, "store failure: %v", err)
}

// notFound maps a store lookup miss on the operation's subject row.
func notFound(err error) bool {
	return errors.Is(err, store.ErrListingNotFound) ||
		errors.Is(err, store.ErrParticipationNotFound)
}

// HTTPStatus maps an error kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotOwner, KindSelfTrade:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindNotActive, KindNotResaleable, KindLotteryNotActive,
		KindInsufficientShares, KindInsufficientBalance:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
