package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// ReservationService is the slice of the reservation manager the transport
// adapters call.
type ReservationService interface {
	Reserve(ctx context.Context, itemID string, quantity int, orderID string, ttl time.Duration) (*domain.Reservation, error)
	Commit(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
	GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error)
	GetItem(ctx context.Context, itemID string) (*domain.InventoryItem, error)
	AddItem(ctx context.Context, itemID, sku string, quantity int) (*domain.InventoryItem, error)
}

type HTTPHandler struct {
	svc ReservationService
	log zerolog.Logger
}

type CreateItemHTTPRequest struct {
	ItemID   string `json:"item_id"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type ReserveHTTPRequest struct {
	ItemID     string `json:"item_id"`
	OrderID    string `json:"order_id"`
	Quantity   int    `json:"quantity"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type ItemHTTPResponse struct {
	ID        string `json:"id"`
	SKU       string `json:"sku"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Total     int    `json:"total"`
	Version   int64  `json:"version"`
}

type ReservationHTTPResponse struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id"`
	OrderID   string    `json:"order_id"`
	Quantity  int       `json:"quantity"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ErrorHTTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Reservation is set when the hold exists but its event was not delivered.
	Reservation *ReservationHTTPResponse `json:"reservation,omitempty"`
}

func NewHTTPHandler(svc ReservationService, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, log: log}
}

// Register mounts the API routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("POST /api/items", h.CreateItem)
	mux.HandleFunc("GET /api/items/{id}", h.GetItem)
	mux.HandleFunc("POST /api/reservations", h.Reserve)
	mux.HandleFunc("GET /api/reservations/{id}", h.GetReservation)
	mux.HandleFunc("POST /api/reservations/{id}/commit", h.Commit)
	mux.HandleFunc("POST /api/reservations/{id}/release", h.Release)
}

func (h *HTTPHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ItemID == "" || req.Quantity < 0 {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	item, err := h.svc.AddItem(r.Context(), req.ItemID, req.SKU, req.Quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, itemResponse(item))
}

func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.svc.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, itemResponse(item))
}

func (h *HTTPHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ItemID == "" || req.OrderID == "" || req.Quantity <= 0 || req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	res, err := h.svc.Reserve(r.Context(), req.ItemID, req.Quantity, req.OrderID, ttl)
	if err != nil {
		if res != nil && errors.Is(err, domain.ErrMessageDelivery) {
			h.log.Error().Err(err).Str("reservation_id", res.ID).Msg("reservation held without event")
			body := reservationResponse(res)
			writeJSON(w, http.StatusBadGateway, ErrorHTTPResponse{
				Message:     mapError(err).message,
				Reservation: &body,
			})
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationResponse(res))
}

func (h *HTTPHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetReservation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse(res))
}

func (h *HTTPHandler) Commit(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.svc.Commit)
}

func (h *HTTPHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.svc.Release)
}

func (h *HTTPHandler) settle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := op(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.GetReservation(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse(res))
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	m := mapError(err)
	if m.status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, m.status, m.message)
}

func itemResponse(item *domain.InventoryItem) ItemHTTPResponse {
	return ItemHTTPResponse{
		ID:        item.ID,
		SKU:       item.SKU,
		Available: item.Available,
		Reserved:  item.Reserved,
		Total:     item.Total(),
		Version:   item.Version,
	}
}

func reservationResponse(res *domain.Reservation) ReservationHTTPResponse {
	return ReservationHTTPResponse{
		ID:        res.ID,
		ItemID:    res.ItemID,
		OrderID:   res.OrderID,
		Quantity:  res.Quantity,
		State:     string(res.State),
		CreatedAt: res.CreatedAt,
		ExpiresAt: res.ExpiresAt,
		UpdatedAt: res.UpdatedAt,
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorHTTPResponse{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
