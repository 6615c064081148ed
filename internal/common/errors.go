package common

import (
	"errors"
	"fmt"
	"unicode"
)

// 定义常见错误类型
var (
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrUnknownCategory      = errors.New("unknown resource category")
	ErrEmptyCategory        = errors.New("resource category has no instances")
	ErrDoubleRelease        = errors.New("resource released twice")
	ErrMalformedArrival     = errors.New("malformed sample arrival")
	ErrDispatcherClosed     = errors.New("dispatcher closed")
)

// MaxSampleIDLength 样品标识最大长度
const MaxSampleIDLength = 128

// LabError 自定义错误类型
type LabError struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Cause   error  `json:"-"`
}

func (e *LabError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *LabError) Unwrap() error {
	return e.Cause
}

// NewLabError 创建新的错误
func NewLabError(errorType string, code int, message string, cause error) *LabError {
	e := &LabError{
		Type:    errorType,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// ValidationError 验证错误
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
}

// NewValidationError 创建验证错误
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// ValidateSample 验证样品标识
func ValidateSample(s Sample) error {
	if s.ID == "" {
		return NewValidationError("sample_id", "cannot be empty", s.ID)
	}
	if len(s.ID) > MaxSampleIDLength {
		return NewValidationError("sample_id", fmt.Sprintf("exceeds maximum length (%d)", MaxSampleIDLength), len(s.ID))
	}
	for _, r := range s.ID {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return NewValidationError("sample_id", "contains whitespace or non-printable characters", s.ID)
		}
	}
	for _, r := range s.Location {
		if !unicode.IsPrint(r) {
			return NewValidationError("sample_location", "contains non-printable characters", s.Location)
		}
	}
	return nil
}

// ValidateInventory 验证资源池配置
func ValidateInventory(inv Inventory) error {
	seen := make(map[string]Category)
	for _, c := range inv.SortedCategories() {
		if !c.Valid() {
			return NewValidationError("resources", "unknown category", string(c))
		}
		for _, id := range inv[c] {
			if id == "" {
				return NewValidationError(fmt.Sprintf("resources.%s", c), "instance id cannot be empty", id)
			}
			if prev, ok := seen[id]; ok {
				return NewValidationError(fmt.Sprintf("resources.%s", c),
					fmt.Sprintf("instance already listed under %s", prev), id)
			}
			seen[id] = c
		}
	}
	for _, c := range Categories() {
		if len(inv[c]) == 0 {
			return NewValidationError(fmt.Sprintf("resources.%s", c), "must list at least one instance", nil)
		}
	}
	return nil
}
