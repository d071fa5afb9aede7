package common

import (
	"errors"
	"fmt"
)

type PlanErrorCode int

const (
	// DuplicateObjectError indicates an attempt to register a table that
	// already exists in the statistics catalog.
	DuplicateObjectError PlanErrorCode = iota
	// NoSuchObjectError indicates a request for a table or column that does
	// not exist in the catalog.
	NoSuchObjectError
	// StatisticsUnavailable indicates that block, row or distinct-value counts
	// could not be obtained for a table or column. Callers may recover by
	// substituting a documented default.
	StatisticsUnavailable
	// InvalidConfiguration indicates an input that would make a cost formula
	// divide by zero (buffer budget <= 1, distinct count == 0) or a malformed
	// join order. It is never recovered silently.
	InvalidConfiguration
	// DisconnectedJoinOrder indicates that a join order left more than one
	// intermediate relation, i.e. a Cartesian product would be required.
	DisconnectedJoinOrder
	// PlanParseFailure indicates that an explain trace had no recognizable
	// operator line or carried a malformed cost/row annotation.
	PlanParseFailure
)

func (ec PlanErrorCode) String() string {
	switch ec {
	case DuplicateObjectError:
		return "DuplicateObjectError"
	case NoSuchObjectError:
		return "NoSuchObjectError"
	case StatisticsUnavailable:
		return "StatisticsUnavailable"
	case InvalidConfiguration:
		return "InvalidConfiguration"
	case DisconnectedJoinOrder:
		return "DisconnectedJoinOrder"
	case PlanParseFailure:
		return "PlanParseFailure"
	}
	return "unknown"
}

// PlanError is the error type shared by every planlab component.
// It pairs a PlanErrorCode with a detailed message so that callers can decide
// whether a failure is recoverable (StatisticsUnavailable) or must be surfaced
// (InvalidConfiguration, PlanParseFailure).
type PlanError struct {
	Code      PlanErrorCode
	ErrString string
}

func (e PlanError) Error() string {
	return fmt.Sprintf("err: %s; msg: %s", e.Code.String(), e.ErrString)
}

// Errorf builds a PlanError with a formatted message.
func Errorf(code PlanErrorCode, format string, args ...any) PlanError {
	return PlanError{Code: code, ErrString: fmt.Sprintf(format, args...)}
}

// IsCode reports whether any error in err's chain is a PlanError with the given code.
func IsCode(err error, code PlanErrorCode) bool {
	var pe PlanError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
