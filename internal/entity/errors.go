package entity

import "fmt"

// NoSuchTypeError is returned for an unknown entity type code.
type NoSuchTypeError struct {
	Code string
}

func (e *NoSuchTypeError) Error() string {
	return fmt.Sprintf("no such entity type %q", e.Code)
}

// NoSuchAttributeError is returned for an attribute the kind does not define.
type NoSuchAttributeError struct {
	Kind string
	Name string
}

func (e *NoSuchAttributeError) Error() string {
	return fmt.Sprintf("%s has no attribute %q", e.Kind, e.Name)
}

// ReadOnlyAttributeError is returned when setting an attribute clients may not change.
type ReadOnlyAttributeError struct {
	Kind string
	Name string
}

func (e *ReadOnlyAttributeError) Error() string {
	return fmt.Sprintf("%s.%s is read-only", e.Kind, e.Name)
}

// InvalidValueError wraps a type or schema violation for one attribute.
type InvalidValueError struct {
	Kind string
	Name string
	Err  error
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value for %s.%s: %v", e.Kind, e.Name, e.Err)
}

func (e *InvalidValueError) Unwrap() error {
	return e.Err
}
