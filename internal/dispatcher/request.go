// Package dispatcher is the public command façade of spec.md §4.7: it
// validates inbound DTOs with go-playground/validator, rate-limits
// submit_order per user with ulule/limiter, then hands the validated command
// to the matching engine. It generalizes the teacher's
// internal/validation.Validator and internal/api/middleware SecurityMiddleware
// rate limiter to operate on in-process requests rather than HTTP ones, since
// matchcore's wire transport (spec.md §1 non-goals) is intentionally left to
// the embedding application.
package dispatcher

import (
	"fmt"

	validator "github.com/go-playground/validator/v10"

	"github.com/matchcore-io/matchcore/internal/core/types"
)

// SubmitOrderRequest is the validated DTO for submit_order (spec.md §4.7).
// Exactly one of Price/Amount/QuoteAmount combination must satisfy the
// side/kind rules validateOrder enforces again inside the engine; this
// struct-tag pass catches malformed input before it is ever turned into a
// types.Order or touches the rate limiter.
type SubmitOrderRequest struct {
	UserID      int64  `validate:"required,gt=0"`
	Side        string `validate:"required,oneof=buy sell"`
	Kind        string `validate:"required,oneof=limit market"`
	Base        string `validate:"required,uppercase,alpha"`
	Quote       string `validate:"required,uppercase,alpha,nefield=Base"`
	Price       string `validate:"omitempty"`
	Amount      string `validate:"omitempty"`
	QuoteAmount string `validate:"omitempty"`
}

// CancelOrderRequest is the validated DTO for cancel_order.
type CancelOrderRequest struct {
	OrderID int64  `validate:"required,gt=0"`
	UserID  int64  `validate:"required,gt=0"`
	Base    string `validate:"required,uppercase,alpha"`
	Quote   string `validate:"required,uppercase,alpha,nefield=Base"`
}

// UpdateBalanceRequest is the validated DTO for the administrative
// update_balance command.
type UpdateBalanceRequest struct {
	UserID         int64  `validate:"required,gt=0"`
	Asset          string `validate:"required,uppercase,alpha"`
	DeltaAvailable string `validate:"required"`
}

// GetOrderBookRequest is the validated DTO for get_orderbook.
type GetOrderBookRequest struct {
	Base   string `validate:"required,uppercase,alpha"`
	Quote  string `validate:"required,uppercase,alpha,nefield=Base"`
	Levels int    `validate:"gte=0"`
}

// GetBalanceRequest is the validated DTO for get_balance.
type GetBalanceRequest struct {
	UserID int64  `validate:"required,gt=0"`
	Asset  string `validate:"required,uppercase,alpha"`
}

// ListOrdersRequest is the validated DTO for the supplemented "my orders"
// listing (SPEC_FULL.md §4).
type ListOrdersRequest struct {
	UserID   int64 `validate:"required,gt=0"`
	PageSize int   `validate:"gte=0"`
	Cursor   int64 `validate:"gte=0"`
}

// GetFeeRateRequest is the validated DTO for the supplemented fee-rate
// lookup (SPEC_FULL.md §4).
type GetFeeRateRequest struct {
	Base  string `validate:"required,uppercase,alpha"`
	Quote string `validate:"required,uppercase,alpha,nefield=Base"`
}

func newValidator() *validator.Validate {
	return validator.New()
}

func pairFrom(base, quote string) types.Pair {
	return types.Pair{Base: base, Quote: quote}
}

func validationError(err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok {
		return fmt.Errorf("dispatcher: invalid request: %s", formatValidationErrors(verrs))
	}
	return fmt.Errorf("dispatcher: invalid request: %w", err)
}

func formatValidationErrors(verrs validator.ValidationErrors) string {
	out := ""
	for i, e := range verrs {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("%s failed %q", e.Field(), e.Tag())
	}
	return out
}
