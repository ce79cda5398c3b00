package roboclaw

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can react without string matching.
type Kind int

const (
	KindUnknown     Kind = iota
	KindTransport        // channel absent, write failed, read failed or timed out
	KindProtocol         // response too short, CRC mismatch, bad ack
	KindLogical          // bad motor index, out-of-range parameter, uninitialized state
	KindEstimation       // insufficient samples, no step, degenerate regression
	KindConcurrency      // lock could not be acquired
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindLogical:
		return "logical"
	case KindEstimation:
		return "estimation"
	case KindConcurrency:
		return "concurrency"
	default:
		return "unknown"
	}
}

// Sentinel causes. Match with errors.Is.
var (
	ErrNoChannel        = errors.New("serial port not opened")
	ErrWriteFailed      = errors.New("serial write failed")
	ErrReadFailed       = errors.New("serial read failed")
	ErrTimeout          = errors.New("no data received (timeout)")
	ErrShortResponse    = errors.New("response too short")
	ErrCRCMismatch      = errors.New("CRC mismatch")
	ErrBadAck           = errors.New("command not acknowledged")
	ErrBadStatus        = errors.New("invalid direction status")
	ErrBadMotor         = errors.New("invalid motor index (expected 1 or 2)")
	ErrOutOfRange       = errors.New("parameter out of range")
	ErrLockUnavailable  = errors.New("failed to acquire lock")
	ErrInsufficientData = errors.New("insufficient samples")
)

var sentinelKinds = map[error]Kind{
	ErrNoChannel:        KindTransport,
	ErrWriteFailed:      KindTransport,
	ErrReadFailed:       KindTransport,
	ErrTimeout:          KindTransport,
	ErrShortResponse:    KindProtocol,
	ErrCRCMismatch:      KindProtocol,
	ErrBadAck:           KindProtocol,
	ErrBadStatus:        KindProtocol,
	ErrBadMotor:         KindLogical,
	ErrOutOfRange:       KindLogical,
	ErrLockUnavailable:  KindConcurrency,
	ErrInsufficientData: KindEstimation,
}

// Error carries the failing operation and its classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error of the given kind. The format follows fmt.Errorf,
// so %w keeps the cause reachable through errors.Is.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// wrap attaches op to err, inferring the kind from a known sentinel.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf reports the classification of err, looking through wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	for sentinel, kind := range sentinelKinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// IsTransport reports whether err means the device could not be reached.
func IsTransport(err error) bool {
	return KindOf(err) == KindTransport
}
