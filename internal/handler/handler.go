// Package handler содержит HTTP-обработчики API сервиса smarthotel.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/foomin/smarthotel-system/internal/calendar"
	"github.com/foomin/smarthotel-system/internal/middleware"
	"github.com/foomin/smarthotel-system/internal/model"
	"github.com/foomin/smarthotel-system/internal/repository"
	"github.com/foomin/smarthotel-system/internal/service"
	"github.com/foomin/smarthotel-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	TokenPrice(ctx context.Context) (int64, error)
	ChangeTokenPrice(ctx context.Context, userID, newPrice int64) error
	BuyTokens(ctx context.Context, userID, count, deposit int64, depositRef string) (bool, error)
	TokenBalance(ctx context.Context, userID int64) (*model.Balance, error)
	TokenLedger(ctx context.Context, userID int64, limit int) ([]model.LedgerEntry, error)
	Timestamp(year, month, day int64) (int64, error)
	BookRoom(ctx context.Context, userID, roomID int64, occupantName string, checkIn, nights int64) error
	RefundBooking(ctx context.Context, userID, roomID int64) error
	GetBooking(ctx context.Context, roomID, checkIn int64) (*model.Reservation, error)
	ListBookings(ctx context.Context, roomID, fromTS int64, limit int) ([]model.Reservation, error)
	CheckIn(ctx context.Context, userID, roomID, checkIn int64) error
	SetRoomPass(ctx context.Context, userID, roomID, checkIn int64, pass model.Passcode) error
	OpenDoor(ctx context.Context, userID, roomID, checkIn int64, pass model.Passcode) error
	LockDoor(ctx context.Context, userID, roomID, checkIn int64) error
	CheckOut(ctx context.Context, userID, roomID, checkIn int64) error
	RoomStatus(ctx context.Context, roomID int64) (checkedIn, doorOpen bool, err error)
}

// Handler реализует HTTP-обработчики API сервиса smarthotel.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// respondError переводит ошибку доменной таксономии в HTTP-статус.
// Неизвестные ошибки логируются и возвращаются как 500.
func (h *Handler) respondError(w http.ResponseWriter, err error, op string) {
	var status int

	switch {
	case errors.Is(err, repository.ErrUserExists):
		status = http.StatusConflict
	case errors.Is(err, repository.ErrUserNotFound):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrRoomNotFound),
		errors.Is(err, repository.ErrReservationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNotOwner),
		errors.Is(err, repository.ErrNotHolder),
		errors.Is(err, repository.ErrWrongPasscode):
		status = http.StatusForbidden
	case errors.Is(err, repository.ErrInsufficientBalance),
		errors.Is(err, repository.ErrInsufficientPayment):
		status = http.StatusPaymentRequired
	case errors.Is(err, repository.ErrRoomUnavailable),
		errors.Is(err, repository.ErrAlreadyCheckedIn),
		errors.Is(err, repository.ErrReservationClosed),
		errors.Is(err, repository.ErrNoActiveCheckIn),
		errors.Is(err, repository.ErrPasscodeNotSet),
		errors.Is(err, repository.ErrDoorOpen):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidDateRange),
		errors.Is(err, repository.ErrOutOfWindow),
		errors.Is(err, calendar.ErrInvalidDate),
		errors.Is(err, validation.ErrInvalidPasscode):
		status = http.StatusUnprocessableEntity
	default:
		h.logger.Error(op, zap.Error(err))
		status = http.StatusInternalServerError
	}

	http.Error(w, http.StatusText(status), status)
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		h.respondError(w, err, "register user error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type hotelInfoResponse struct {
	Name       string `json:"name"`
	TokenPrice int64  `json:"token_price"`
}

// HotelInfo возвращает имя отеля и текущую цену токена.
func (h *Handler) HotelInfo(w http.ResponseWriter, r *http.Request) {
	price, err := h.service.TokenPrice(r.Context())
	if err != nil {
		h.respondError(w, err, "hotel info error")
		return
	}

	writeJSON(w, hotelInfoResponse{Name: service.HotelName, TokenPrice: price})
}

type timestampResponse struct {
	Timestamp int64 `json:"timestamp"`
}

// Timestamp преобразует календарную дату из query-параметров в unix-время.
func (h *Handler) Timestamp(w http.ResponseWriter, r *http.Request) {
	year, err1 := strconv.ParseInt(r.URL.Query().Get("year"), 10, 64)
	month, err2 := strconv.ParseInt(r.URL.Query().Get("month"), 10, 64)
	day, err3 := strconv.ParseInt(r.URL.Query().Get("day"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ts, err := h.service.Timestamp(year, month, day)
	if err != nil {
		h.respondError(w, err, "timestamp error")
		return
	}

	writeJSON(w, timestampResponse{Timestamp: ts})
}

type changePriceRequest struct {
	Price int64 `json:"price"`
}

// ChangePrice изменяет цену токена. Доступно только владельцу отеля.
func (h *Handler) ChangePrice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req changePriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Price <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ChangeTokenPrice(r.Context(), userID, req.Price); err != nil {
		h.respondError(w, err, "change price error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type buyTokensRequest struct {
	Count      int64  `json:"count"`
	Deposit    int64  `json:"deposit"`
	DepositRef string `json:"deposit_ref,omitempty"`
}

// BuyTokens проводит покупку токенов текущим пользователем.
func (h *Handler) BuyTokens(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req buyTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Count <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	pending, err := h.service.BuyTokens(r.Context(), userID, req.Count, req.Deposit, req.DepositRef)
	if err != nil {
		h.respondError(w, err, "buy tokens error")
		return
	}

	if pending {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает баланс токенов текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.TokenBalance(r.Context(), userID)
	if err != nil {
		h.respondError(w, err, "get balance error")
		return
	}

	writeJSON(w, balance)
}

// GetLedger возвращает историю движений токенов текущего пользователя.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		var err error
		limit, err = strconv.Atoi(v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	entries, err := h.service.TokenLedger(r.Context(), userID, limit)
	if err != nil {
		h.respondError(w, err, "get ledger error")
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, entries)
}

type bookingRequest struct {
	OccupantName string `json:"occupant_name"`
	CheckIn      int64  `json:"check_in"`
	Nights       int64  `json:"nights"`
}

// CreateBooking бронирует номер для текущего пользователя.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	roomID, err := roomIDParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req bookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidOccupantName(req.OccupantName) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.service.BookRoom(r.Context(), userID, roomID, req.OccupantName, req.CheckIn, req.Nights)
	if err != nil {
		h.respondError(w, err, "create booking error")
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// RefundBooking отменяет бронирование текущего пользователя в номере.
func (h *Handler) RefundBooking(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	roomID, err := roomIDParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RefundBooking(r.Context(), userID, roomID); err != nil {
		h.respondError(w, err, "refund booking error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type bookingResponse struct {
	RoomID       int64  `json:"room_id"`
	CheckIn      int64  `json:"check_in"`
	Nights       int64  `json:"nights"`
	OccupantName string `json:"occupant_name"`
	TokensHeld   int64  `json:"tokens_held"`
	CheckedIn    bool   `json:"checked_in"`
	Completed    bool   `json:"completed"`
	Cancelled    bool   `json:"cancelled"`
}

func toBookingResponse(res model.Reservation) bookingResponse {
	return bookingResponse{
		RoomID:       res.RoomID,
		CheckIn:      res.CheckIn,
		Nights:       res.Nights,
		OccupantName: res.OccupantName,
		TokensHeld:   res.TokensHeld,
		CheckedIn:    res.CheckedIn,
		Completed:    res.Completed,
		Cancelled:    res.Cancelled,
	}
}

// GetBooking возвращает бронирование номера на указанную дату заезда.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	roomID, err := roomIDParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	checkIn, err := strconv.ParseInt(chi.URLParam(r, "checkIn"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.GetBooking(r.Context(), roomID, checkIn)
	if err != nil {
		h.respondError(w, err, "get booking error")
		return
	}

	writeJSON(w, toBookingResponse(*res))
}

// ListBookings возвращает бронирования номера начиная с указанной даты заезда.
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	roomID, err := roomIDParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var fromTS int64
	if v := r.URL.Query().Get("from"); v != "" {
		fromTS, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	bookings, err := h.service.ListBookings(r.Context(), roomID, fromTS, limit)
	if err != nil {
		h.respondError(w, err, "list bookings error")
		return
	}

	if len(bookings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]bookingResponse, 0, len(bookings))
	for _, b := range bookings {
		resp = append(resp, toBookingResponse(b))
	}

	writeJSON(w, resp)
}

type stayRequest struct {
	CheckIn int64 `json:"check_in"`
}

// CheckIn заселяет текущего пользователя по его бронированию.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.stayOperation(w, r, "check in error", h.service.CheckIn)
}

// CheckOut выселяет текущего пользователя. Дверь обязана быть закрыта.
func (h *Handler) CheckOut(w http.ResponseWriter, r *http.Request) {
	h.stayOperation(w, r, "check out error", h.service.CheckOut)
}

// LockDoor закрывает дверь номера.
func (h *Handler) LockDoor(w http.ResponseWriter, r *http.Request) {
	h.stayOperation(w, r, "lock door error", h.service.LockDoor)
}

// stayOperation разбирает общую форму запросов {check_in} по номеру.
func (h *Handler) stayOperation(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, userID, roomID, checkIn int64) error) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	roomID, err := roomIDParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req stayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := fn(r.Context(), userID, roomID, req.CheckIn); err != nil {
		h.respondError(w, err, op)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type passcodeRequest struct {
	CheckIn  int64 `json:"check_in"`
	Passcode []int `json:"passcode"`
}

// SetPasscode устанавливает код замка для активного проживания.
func (h *Handler) SetPasscode(w http.ResponseWriter, r *http.Request) {
	h.passcodeOperation(w, r, "set passcode error", h.service.SetRoomPass)
}

// OpenDoor открывает дверь номера по коду замка.
func (h *Handler) OpenDoor(w http.ResponseWriter, r *http.Request) {
	h.passcodeOperation(w, r, "open door error", h.service.OpenDoor)
}

// passcodeOperation разбирает общую форму запросов {check_in, passcode}.
func (h *Handler) passcodeOperation(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, userID, roomID, checkIn int64, pass model.Passcode) error) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	roomID, err := roomIDParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req passcodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	pass, err := validation.ParsePasscode(req.Passcode)
	if err != nil {
		h.respondError(w, err, op)
		return
	}

	if err := fn(r.Context(), userID, roomID, req.CheckIn, pass); err != nil {
		h.respondError(w, err, op)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type roomStatusResponse struct {
	CheckedIn bool `json:"checked_in"`
	DoorOpen  bool `json:"door_open"`
}

// RoomStatus возвращает признаки заселения и открытой двери номера.
func (h *Handler) RoomStatus(w http.ResponseWriter, r *http.Request) {
	roomID, err := roomIDParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	checkedIn, doorOpen, err := h.service.RoomStatus(r.Context(), roomID)
	if err != nil {
		h.respondError(w, err, "room status error")
		return
	}

	writeJSON(w, roomStatusResponse{CheckedIn: checkedIn, DoorOpen: doorOpen})
}

func roomIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
