package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MimeLyc/lottr/internal/credential"
	"github.com/MimeLyc/lottr/internal/dispatch"
	"github.com/MimeLyc/lottr/internal/llm"
	"github.com/MimeLyc/lottr/internal/transform"
	"github.com/MimeLyc/lottr/pkg/log"
)

type ErrorType int

const (
	ErrConfig ErrorType = iota
	ErrFileRead
	ErrFileWrite
	ErrExtraction
	ErrTransport
	ErrAuth
	ErrQuota
	ErrRateLimit
	ErrParse
	ErrPoolExhausted
	ErrCancelled
	ErrUnknown
)

type TransError struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func NewError(errorType ErrorType, message string) *TransError {
	return &TransError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorWithCause(errorType ErrorType, message string, cause error) *TransError {
	return &TransError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *TransError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type.String(), e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *TransError) Unwrap() error {
	return e.Cause
}

func (e *TransError) WithContext(key string, value any) *TransError {
	e.Context[key] = value
	return e
}

func (t ErrorType) String() string {
	switch t {
	case ErrConfig:
		return "Config"
	case ErrFileRead:
		return "FileRead"
	case ErrFileWrite:
		return "FileWrite"
	case ErrExtraction:
		return "Extraction"
	case ErrTransport:
		return "Transport"
	case ErrAuth:
		return "Auth"
	case ErrQuota:
		return "Quota"
	case ErrRateLimit:
		return "RateLimit"
	case ErrParse:
		return "Parse"
	case ErrPoolExhausted:
		return "PoolExhausted"
	case ErrCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// TypeOf maps an error from any pipeline stage onto the taxonomy.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ErrUnknown
	}
	var transErr *TransError
	if errors.As(err, &transErr) {
		return transErr.Type
	}
	switch {
	case errors.Is(err, credential.ErrPoolExhausted):
		return ErrPoolExhausted
	case errors.Is(err, dispatch.ErrCancelled), errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(err, transform.ErrParse):
		return ErrParse
	}

	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		return ErrTransport
	}
	switch llm.Classify(err).Kind {
	case credential.KindAuth:
		return ErrAuth
	case credential.KindQuota:
		return ErrQuota
	case credential.KindRateLimit:
		return ErrRateLimit
	default:
		return ErrTransport
	}
}

type ErrorHandler interface {
	Handle(err error) bool
	GetAdvice(err *TransError) string
}

type DefaultErrorHandler struct{}

func NewDefaultErrorHandler() ErrorHandler {
	return &DefaultErrorHandler{}
}

func (h *DefaultErrorHandler) Handle(err error) bool {
	var transErr *TransError
	if !errors.As(err, &transErr) {
		log.Error("Unknown Error: %v", err)
		return false
	}

	advice := h.GetAdvice(transErr)
	log.Error("Error Detail: %v\n advice: %s", err, advice)

	return true
}

// GetAdvice returns error handling advice
func (h *DefaultErrorHandler) GetAdvice(err *TransError) string {
	switch err.Type {
	case ErrConfig:
		return "Please check the config file, the credentials table and the LLM_* / LOTTR_* environment variables"
	case ErrFileRead:
		return "Please check that the input file exists and is readable"
	case ErrFileWrite:
		return "Please ensure the output directory exists and has write permissions"
	case ErrExtraction:
		return "Please check that capture_pattern matches every line selected by filter_patterns"
	case ErrTransport:
		return "Please check network connectivity to the API endpoint, or raise llm.timeout"
	case ErrAuth:
		return "Please check that the API keys are valid for their endpoints"
	case ErrQuota:
		return "The account behind the key has no quota left; add credits or another credential"
	case ErrRateLimit:
		return "Requests are being throttled; lower max_concurrent or add credentials"
	case ErrParse:
		return "The model reply did not split into one segment per line; check output_rules and the prompt, or lower max_tokens"
	case ErrPoolExhausted:
		return "Every credential failed permanently; fix or replace the keys and rerun"
	case ErrCancelled:
		return "The run was interrupted; rerun to translate the remaining lines"
	default:
		return "Please review detailed error information and check relevant configuration and files"
	}
}

func IsErrorType(err error, errorType ErrorType) bool {
	var transErr *TransError
	if errors.As(err, &transErr) {
		return transErr.Type == errorType
	}
	return false
}

func WrapError(err error, errorType ErrorType, message string) *TransError {
	return NewErrorWithCause(errorType, message, err)
}

func SafeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(ErrUnknown, fmt.Sprintf("runtime error: %v", r))
		}
	}()

	return fn()
}
