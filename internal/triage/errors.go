package triage

import "errors"

var (
	// ErrInvalidAlert means the input was rejected before any record was written.
	ErrInvalidAlert = errors.New("invalid alert")

	// ErrAlreadyDecided means the alert id already has a decision. It is
	// returned wrapped by ErrInvalidAlert.
	ErrAlreadyDecided = errors.New("alert already decided")

	// ErrStorageUnavailable means the decision log could not be reached or
	// refused the write. Nothing was committed.
	ErrStorageUnavailable = errors.New("decision log unavailable")

	// ErrConflict means an append raced another transition for the same alert.
	ErrConflict = errors.New("decision log conflict")

	// ErrAlertNotFound means no decision exists for the alert id.
	ErrAlertNotFound = errors.New("alert not found")

	// ErrNotPendingReview means a review was requested for an alert that is
	// not awaiting one.
	ErrNotPendingReview = errors.New("alert is not pending review")

	// ErrReviewForbidden means the reviewer's clearance does not allow the review.
	ErrReviewForbidden = errors.New("reviewer clearance insufficient")

	// ErrInvalidVerdict means the review verdict was neither approve nor deny.
	ErrInvalidVerdict = errors.New("invalid verdict")
)
