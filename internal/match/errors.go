package match

import "errors"

var (
	// ErrNormalizationFailure means the input normalized to nothing.
	ErrNormalizationFailure = errors.New("normalization failure")

	// ErrAmbiguousExactMatch means one normalized synonym maps to several
	// entities. Surfaced through the review flag, never resolved silently.
	ErrAmbiguousExactMatch = errors.New("ambiguous exact match")

	// ErrStrategyUnavailable means a strategy failed or ran out of time for
	// one query. Resolution continues with the remaining strategies.
	ErrStrategyUnavailable = errors.New("strategy unavailable")

	// ErrIndexInconsistency means the semantic index and the store disagree
	// on membership. Index writes stop until a rebuild from the store.
	ErrIndexInconsistency = errors.New("index inconsistency")

	// ErrInsufficientCalibrationData means the calibration window is below
	// the minimum sample count.
	ErrInsufficientCalibrationData = errors.New("insufficient calibration data")

	// ErrAlreadyValidated means a decision already carries a validation.
	// Validations are write-once so calibration samples never shift.
	ErrAlreadyValidated = errors.New("decision already validated")

	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
)
