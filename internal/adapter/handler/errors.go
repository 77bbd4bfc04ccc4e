package handler

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type errorMapping struct {
	target  error
	status  int
	code    codes.Code
	message string
}

// Checked in order; the first match wins.
var errorMappings = []errorMapping{
	{domain.ErrInvalidQuantity, http.StatusBadRequest, codes.InvalidArgument, "quantity must be positive"},
	{domain.ErrInsufficientStock, http.StatusGone, codes.FailedPrecondition, "sold out"},
	{domain.ErrItemNotFound, http.StatusNotFound, codes.NotFound, "item not found"},
	{domain.ErrReservationNotFound, http.StatusNotFound, codes.NotFound, "reservation not found"},
	{domain.ErrItemExists, http.StatusConflict, codes.AlreadyExists, "item already exists"},
	{domain.ErrAlreadyTerminal, http.StatusConflict, codes.FailedPrecondition, "reservation already settled"},
	{domain.ErrConcurrencyConflict, http.StatusConflict, codes.Aborted, "concurrent update, retry"},
	{domain.ErrMessageDelivery, http.StatusBadGateway, codes.Unavailable, "event delivery failed"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, codes.DeadlineExceeded, "timed out"},
	{context.Canceled, 499, codes.Canceled, "request cancelled"},
}

func mapError(err error) errorMapping {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m
		}
	}
	return errorMapping{status: http.StatusInternalServerError, code: codes.Internal, message: "internal error"}
}
