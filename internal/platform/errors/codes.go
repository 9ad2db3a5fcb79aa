// Package errors provides structured error handling for marketplace operations.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Listing errors
	CodePriceMustBeAboveZero Code = "LISTING_PRICE_MUST_BE_ABOVE_ZERO"
	CodeNotOwner             Code = "LISTING_NOT_OWNER"
	CodeAlreadyListed        Code = "LISTING_ALREADY_LISTED"
	CodeNotListed            Code = "LISTING_NOT_LISTED"
	CodeNotApproved          Code = "LISTING_NOT_APPROVED_FOR_MARKETPLACE"

	// Purchase errors
	CodePriceNotEnough Code = "PURCHASE_PRICE_NOT_ENOUGH"

	// Proceeds errors
	CodeNoProceeds       Code = "PROCEEDS_NONE"
	CodeProceedsOverflow Code = "PROCEEDS_OVERFLOW"

	// Collaborator errors
	CodeTransferFailed Code = "TRANSFER_FAILED"

	// Request errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeNotFound        Code = "NOT_FOUND"
)

// GRPCCode maps the error code to a gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodePriceMustBeAboveZero, CodePriceNotEnough, CodeInvalidArgument:
		return codes.InvalidArgument
	case CodeNotOwner:
		return codes.PermissionDenied
	case CodeAlreadyListed:
		return codes.AlreadyExists
	case CodeNotListed, CodeNotFound:
		return codes.NotFound
	case CodeNotApproved, CodeNoProceeds, CodeProceedsOverflow:
		return codes.FailedPrecondition
	case CodeTransferFailed:
		return codes.Aborted
	case CodeUnauthenticated:
		return codes.Unauthenticated
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the error code to an HTTP status code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodePriceMustBeAboveZero, CodePriceNotEnough, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotOwner:
		return http.StatusForbidden
	case CodeAlreadyListed:
		return http.StatusConflict
	case CodeNotListed, CodeNotFound:
		return http.StatusNotFound
	case CodeNotApproved, CodeNoProceeds, CodeProceedsOverflow, CodeTransferFailed:
		return http.StatusConflict
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
