package domain

import (
	"context"
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrDisabled     = fmt.Errorf("disabled")
)

// Provider call failures. The wrapped sentinel decides retriability; retry and
// failover logic never inspects vendor SDK types.
var (
	// Transient: retried by the failover router, then escalated to fallback.
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrProviderTimeout = fmt.Errorf("provider timed out")
	ErrConnFailed      = fmt.Errorf("connection failed")
	ErrServerError     = fmt.Errorf("provider server error")

	// Permanent: propagate immediately, no retry, no fallback.
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrBadRequest      = fmt.Errorf("malformed request")
	ErrContextOverflow = fmt.Errorf("context window exceeded")

	// Synthetic: raised instantly while a breaker is open. The router treats
	// it as a cue to go straight to fallback, outside the retry budget.
	ErrCircuitOpen = fmt.Errorf("circuit open")
)

// Remaining domain sentinels.
var (
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrToolNotFound     = fmt.Errorf("tool not found")
	ErrMaxToolRounds    = fmt.Errorf("max tool rounds reached")
	ErrLeadNotFound     = fmt.Errorf("lead: %w", ErrNotFound)
	ErrSlotUnavailable  = fmt.Errorf("appointment slot unavailable")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrDecryption       = fmt.Errorf("decryption failed")
	ErrEncryption       = fmt.Errorf("encryption operation failed")
	ErrGatewayAuth      = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrUnparsableOutput = fmt.Errorf("model output not parseable")
	ErrAuditWrite       = fmt.Errorf("audit log write failed")
	ErrSSRFBlocked      = fmt.Errorf("url blocked: resolves to private address")
	ErrPathEscape       = fmt.Errorf("path escapes allowed root")
	ErrStore            = fmt.Errorf("store failure")
)

// IsRetryable is the single predicate every vendor-specific failure funnels
// into: true for timeouts, connection failures, rate limits, and server-side
// errors; false for auth failures, malformed requests, and anything unknown.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrProviderTimeout) ||
		errors.Is(err, ErrConnFailed) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsCancellation reports whether err stems from the caller abandoning the
// turn. Cancelled calls reveal nothing about provider health and must not
// count against circuit breakers.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Supervisor.Process")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "store", "gateway")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for the status API and logs.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeProviderTimeout  ErrorCode = "PROVIDER_TIMEOUT"
	CodeConnFailed       ErrorCode = "CONNECTION_FAILED"
	CodeServerError      ErrorCode = "PROVIDER_SERVER_ERROR"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeBadRequest       ErrorCode = "BAD_REQUEST"
	CodeContextOverflow  ErrorCode = "CONTEXT_OVERFLOW"
	CodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	CodeProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	CodeMaxToolRounds    ErrorCode = "MAX_TOOL_ROUNDS"
	CodeLeadNotFound     ErrorCode = "LEAD_NOT_FOUND"
	CodeSlotUnavailable  ErrorCode = "SLOT_UNAVAILABLE"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeDecryption       ErrorCode = "DECRYPTION"
	CodeEncryption       ErrorCode = "ENCRYPTION"
	CodeGatewayAuth      ErrorCode = "GATEWAY_AUTH"
	CodeUnparsable       ErrorCode = "UNPARSABLE_OUTPUT"
	CodeAuditWrite       ErrorCode = "AUDIT_WRITE"
	CodeSSRFBlocked      ErrorCode = "SSRF_BLOCKED"
	CodePathEscape       ErrorCode = "PATH_ESCAPE"
	CodeStore            ErrorCode = "STORE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrInvalidInput:     CodeInvalidInput,
	ErrDisabled:         CodeDisabled,
	ErrRateLimit:        CodeRateLimit,
	ErrProviderTimeout:  CodeProviderTimeout,
	ErrConnFailed:       CodeConnFailed,
	ErrServerError:      CodeServerError,
	ErrAuthInvalid:      CodeAuthInvalid,
	ErrBadRequest:       CodeBadRequest,
	ErrContextOverflow:  CodeContextOverflow,
	ErrCircuitOpen:      CodeCircuitOpen,
	ErrProviderNotFound: CodeProviderNotFound,
	ErrToolNotFound:     CodeToolNotFound,
	ErrMaxToolRounds:    CodeMaxToolRounds,
	ErrLeadNotFound:     CodeLeadNotFound,
	ErrSlotUnavailable:  CodeSlotUnavailable,
	ErrConfigLoad:       CodeConfigLoad,
	ErrDecryption:       CodeDecryption,
	ErrEncryption:       CodeEncryption,
	ErrGatewayAuth:      CodeGatewayAuth,
	ErrUnparsableOutput: CodeUnparsable,
	ErrAuditWrite:       CodeAuditWrite,
	ErrSSRFBlocked:      CodeSSRFBlocked,
	ErrPathEscape:       CodePathEscape,
	ErrStore:            CodeStore,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// More specific sentinels win over the categories they wrap.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Check wrapping sentinels (e.g. ErrLeadNotFound wraps ErrNotFound)
	// before the bare categories so the specific code wins.
	for _, sentinel := range []error{
		ErrGatewayAuth, ErrLeadNotFound,
	} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
