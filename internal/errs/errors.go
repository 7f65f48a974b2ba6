// Package errs defines the distinct error kinds the store surfaces to callers.
//
// Backend-native errors are not translated into these kinds: they reach
// callers wrapped (with %w) in the name of the operation that failed. A
// context cancellation or
// deadline firing mid-call — whether while waiting on the pool or with a
// query in flight — always surfaces as ErrTimeout.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the error handling design.
type Kind int

const (
	_ Kind = iota
	KindReadOnly
	KindBadContext
	KindBadFlag
	KindStorageClass
	KindNoObject
	KindAliasInUse
	KindNoShard
	KindTimeout
	KindMissingParent
	KindIsRoot
)

func (k Kind) String() string {
	switch k {
	case KindReadOnly:
		return "readonly"
	case KindBadContext:
		return "bad_context"
	case KindBadFlag:
		return "bad_flag"
	case KindStorageClass:
		return "storage_class"
	case KindNoObject:
		return "no_object"
	case KindAliasInUse:
		return "alias_in_use"
	case KindNoShard:
		return "no_shard"
	case KindTimeout:
		return "timeout"
	case KindMissingParent:
		return "missing_parent"
	case KindIsRoot:
		return "is_root"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every package in this module.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string {
	if e.msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Is allows errors.Is(err, errs.ErrTimeout) style comparisons against the kind
// sentinels below, while still letting each instance carry a message.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && te.Kind == e.Kind
}

func newErr(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, msg: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is comparisons where no extra context is needed.
var (
	ErrReadOnly      = &Error{Kind: KindReadOnly}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrIsRoot        = &Error{Kind: KindIsRoot}
	ErrMissingParent = &Error{Kind: KindMissingParent}
)

// NoShard reports an id or shard number with no corresponding entry in the
// cluster configuration.
func NoShard(shard int) error {
	return newErr(KindNoShard, "shard %d not in cluster config", shard)
}

// BadContext reports a context id that is unknown, wrong-kind, or missing
// required metadata for the operation being attempted.
func BadContext(ctx int) error {
	return newErr(KindBadContext, "context %d is not valid for this operation", ctx)
}

// BadFlag reports a flag bit that isn't registered for the given context.
func BadFlag(bit, ctx int) error {
	return newErr(KindBadFlag, "flag bit %d is not registered for context %d", bit, ctx)
}

// StorageClassError reports a value whose Go type doesn't match the context's
// configured storage class.
func StorageClassError(format string, args ...any) error {
	return newErr(KindStorageClass, format, args...)
}

// NoObject reports a required parent row that is absent or tombstoned.
func NoObject(table string, ctx int, id int64) error {
	return newErr(KindNoObject, "%s<%d/%d> does not exist", table, ctx, id)
}

// AliasInUse reports a global alias collision on the given context.
func AliasInUse(value string, ctx int) error {
	return newErr(KindAliasInUse, "alias %q already in use for context %d", value, ctx)
}

// IsCancellation reports whether err stems from the operation's context being
// cancelled or its deadline firing mid-call. Callers translate such errors to
// ErrTimeout and treat the connection that produced them as dead: cancelling
// an in-flight query kills the underlying session.
func IsCancellation(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// KindOf reports the Kind of err if it is (or wraps) an *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.Kind, true
}
