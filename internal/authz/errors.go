package authz

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is matched by every *PermissionDeniedError.
	ErrPermissionDenied = errors.New("authz: permission denied")
	// ErrConfiguration flags an unregistered engine, provider or condition key.
	ErrConfiguration = errors.New("authz: configuration error")
	// ErrUnknownCondition flags a call-site condition without an evaluator.
	ErrUnknownCondition = errors.New("authz: unknown condition")
	// ErrInvalidCondition flags a condition given an unusable expected value.
	ErrInvalidCondition = errors.New("authz: invalid condition")
	// ErrScopeApplication flags a scope that cannot be applied to a model.
	ErrScopeApplication = errors.New("authz: scope application failed")
	// ErrAlreadyRegistered is returned when a registry key is taken.
	ErrAlreadyRegistered = errors.New("authz: already registered")
	// ErrInvalidPermission flags a malformed permission string.
	ErrInvalidPermission = errors.New("authz: invalid permission")
)

// PermissionDeniedError is returned by Require when a decision denies.
type PermissionDeniedError struct {
	Action string
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("permission denied: %s", e.Action)
	}
	return fmt.Sprintf("permission denied: %s: %s", e.Action, e.Reason)
}

// Is lets errors.Is match ErrPermissionDenied.
func (e *PermissionDeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// ConfigurationError names the registry kind and key that could not be resolved.
type ConfigurationError struct {
	Kind string
	Key  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("authz: no %s registered for key %q", e.Kind, e.Key)
}

// Is lets errors.Is match ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// UnknownConditionError names a condition that has no evaluator.
type UnknownConditionError struct {
	Name string
}

func (e *UnknownConditionError) Error() string {
	return fmt.Sprintf("authz: unknown condition %q", e.Name)
}

// Is lets errors.Is match ErrUnknownCondition and ErrConfiguration.
func (e *UnknownConditionError) Is(target error) bool {
	return target == ErrUnknownCondition || target == ErrConfiguration
}

// ScopeApplicationError reports a scope field the model does not expose.
type ScopeApplicationError struct {
	Model string
	Field string
}

func (e *ScopeApplicationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("authz: cannot apply scope to model %q", e.Model)
	}
	return fmt.Sprintf("authz: model %q has no column %q for scope", e.Model, e.Field)
}

// Is lets errors.Is match ErrScopeApplication.
func (e *ScopeApplicationError) Is(target error) bool {
	return target == ErrScopeApplication
}
