package apperrors

import (
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrAuthFailed     ErrorType = "AUTH_FAILED"
	ErrDecode         ErrorType = "DECODE_ERROR"
	ErrValidation     ErrorType = "VALIDATION_ERROR"
	ErrNoTenantWallet ErrorType = "NO_TENANT_WALLET"
	ErrFundingFailed  ErrorType = "FUNDING_FAILED"
	ErrFundingTimeout ErrorType = "FUNDING_TIMEOUT"
	ErrForwardFailed  ErrorType = "FORWARD_FAILED"
	ErrOnChainFailed  ErrorType = "ONCHAIN_FAILED"
	ErrChainRPC       ErrorType = "CHAIN_RPC_ERROR"
	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func Newf(errType ErrorType, format string, args ...any) *AppError {
	return New(errType, fmt.Sprintf(format, args...), nil)
}

func NewAuthFailed(msg string) *AppError {
	return New(ErrAuthFailed, msg, nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// Is reports whether err is an AppError of the given type.
func Is(err error, t ErrorType) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == t
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrDecode, ErrValidation, ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrNoTenantWallet:
		return http.StatusPreconditionFailed
	case ErrChainRPC, ErrForwardFailed:
		return http.StatusBadGateway
	case ErrFundingTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrAuthFailed:
		return "Check the API key and the source IP against the security config."
	case ErrDecode:
		return "Verify the signed transaction hex is a complete legacy or EIP-1559 encoding."
	case ErrValidation:
		return "Check the transaction gas limit and gas price against the configured ceilings."
	case ErrNoTenantWallet:
		return "Bind a walletConfig to the API key to enable gas sponsoring."
	case ErrFundingTimeout:
		return "The funding transfer may still confirm; retry once the balance settles."
	case ErrChainRPC:
		return "Check RPC endpoint connectivity."
	default:
		return ""
	}
}
