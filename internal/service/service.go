// Package service реализует бизнес-логику сервиса smarthotel.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/foomin/smarthotel-system/internal/calendar"
	"github.com/foomin/smarthotel-system/internal/model"
	"github.com/foomin/smarthotel-system/internal/repository"
	"github.com/foomin/smarthotel-system/internal/settlement"
	"github.com/foomin/smarthotel-system/internal/validation"
)

// HotelName — публичное имя отеля.
const HotelName = "SmartHotel"

const (
	// maxListLimit ограничивает размер выборки списка бронирований.
	maxListLimit = 1000
	// maxStayNights ограничивает длительность одного проживания; заодно
	// исключает переполнение стоимости и момента выезда.
	maxStayNights = 1000
	// maxCheckIn — полночь 9999-12-31, верхняя граница поддерживаемых дат заезда.
	maxCheckIn = 253402214400
)

// ErrRoomNotFound возвращается для номера вне фиксированного набора отеля.
var (
	ErrRoomNotFound = errors.New("room does not exist")
	// ErrNotOwner возвращается, если операция доступна только владельцу отеля.
	ErrNotOwner = errors.New("operation restricted to the hotel owner")
	// ErrInvalidDateRange возвращается для дат заезда или числа ночей вне
	// допустимого диапазона.
	ErrInvalidDateRange = errors.New("invalid date range")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	TokenPrice(ctx context.Context) (int64, error)
	SetTokenPrice(ctx context.Context, price int64) error
	TokenBalance(ctx context.Context, userID int64) (int64, error)
	LedgerHistory(ctx context.Context, userID int64, limit int) ([]model.LedgerEntry, error)
	PurchaseTokens(ctx context.Context, userID, count, deposit int64) error
	CreatePendingPurchase(ctx context.Context, userID, count int64, depositRef string) (*model.Purchase, error)
	PendingPurchases(ctx context.Context, limit int) ([]model.Purchase, error)
	SettlePurchase(ctx context.Context, purchaseID string, settledValue int64) error
	InvalidatePurchase(ctx context.Context, purchaseID string) error
	CreateReservation(ctx context.Context, res model.Reservation) error
	RefundReservation(ctx context.Context, userID, roomID int64) error
	GetReservation(ctx context.Context, roomID, checkIn int64) (*model.Reservation, error)
	ListReservations(ctx context.Context, roomID, fromTS int64, limit int) ([]model.Reservation, error)
	CheckIn(ctx context.Context, userID, roomID, checkIn, now int64) error
	SetRoomPasscode(ctx context.Context, userID, roomID, checkIn int64, pass model.Passcode) error
	OpenDoor(ctx context.Context, userID, roomID, checkIn int64, pass model.Passcode) error
	LockDoor(ctx context.Context, userID, roomID, checkIn int64) error
	CheckOut(ctx context.Context, userID, roomID, checkIn int64) error
	RoomState(ctx context.Context, roomID int64) (*model.RoomState, error)
}

// Options задаёт параметры отеля и источник времени сервиса.
type Options struct {
	RoomCount      int64
	TokensPerNight int64
	OwnerLogin     string
	// Now — источник текущего времени; подменяется в тестах.
	Now func() time.Time
}

// Service содержит бизнес-логику сервиса smarthotel.
type Service struct {
	repo             Repository
	settlementClient *settlement.Client
	roomCount        int64
	tokensPerNight   int64
	ownerLogin       string
	now              func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом расчётной системы.
func NewService(repo Repository, settlementClient *settlement.Client, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		repo:             repo,
		settlementClient: settlementClient,
		roomCount:        opts.RoomCount,
		tokensPerNight:   opts.TokensPerNight,
		ownerLogin:       opts.OwnerLogin,
		now:              now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// TokenPrice возвращает текущую цену токена.
func (s *Service) TokenPrice(ctx context.Context) (int64, error) {
	return s.repo.TokenPrice(ctx)
}

// ChangeTokenPrice изменяет цену токена. Доступно только владельцу отеля.
func (s *Service) ChangeTokenPrice(ctx context.Context, userID, newPrice int64) error {
	if newPrice <= 0 {
		return errors.New("token price must be positive")
	}

	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.Login != s.ownerLogin {
		return fmt.Errorf("%w: %s", ErrNotOwner, u.Login)
	}

	return s.repo.SetTokenPrice(ctx, newPrice)
}

// BuyTokens проводит покупку токенов. При настроенной расчётной системе и
// указанной ссылке на депозит покупка регистрируется отложенной и
// подтверждается фоновым процессом; иначе сумма сверяется сразу.
// Возвращает признак отложенного расчёта.
func (s *Service) BuyTokens(ctx context.Context, userID, count, deposit int64, depositRef string) (bool, error) {
	if count <= 0 {
		return false, errors.New("token count must be positive")
	}

	if s.settlementClient != nil && depositRef != "" {
		if _, err := s.repo.CreatePendingPurchase(ctx, userID, count, depositRef); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := s.repo.PurchaseTokens(ctx, userID, count, deposit); err != nil {
		return false, err
	}
	return false, nil
}

// TokenBalance возвращает баланс токенов пользователя.
func (s *Service) TokenBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	tokens, err := s.repo.TokenBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Tokens: tokens}, nil
}

// TokenLedger возвращает историю движений токенов пользователя, от недавних
// к ранним.
func (s *Service) TokenLedger(ctx context.Context, userID int64, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.LedgerHistory(ctx, userID, limit)
}

// Timestamp преобразует календарную дату в unix-время полуночи UTC.
func (s *Service) Timestamp(year, month, day int64) (int64, error) {
	return calendar.DateToUnix(year, month, day)
}

// BookRoom бронирует номер на указанные дату заезда и число ночей.
// Стоимость равна nights * TokensPerNight и удерживается до возврата.
func (s *Service) BookRoom(ctx context.Context, userID, roomID int64, occupantName string, checkIn, nights int64) error {
	if err := s.validRoom(roomID); err != nil {
		return err
	}
	if nights < 1 || nights > maxStayNights {
		return fmt.Errorf("%w: nights %d", ErrInvalidDateRange, nights)
	}
	if !validation.IsValidOccupantName(occupantName) {
		return errors.New("invalid occupant name")
	}
	if checkIn < s.now().Unix() {
		return fmt.Errorf("%w: check-in in the past", repository.ErrOutOfWindow)
	}
	if checkIn > maxCheckIn {
		return fmt.Errorf("%w: check-in %d beyond supported range", ErrInvalidDateRange, checkIn)
	}

	return s.repo.CreateReservation(ctx, model.Reservation{
		RoomID:       roomID,
		CheckIn:      checkIn,
		Nights:       nights,
		OccupantName: occupantName,
		HolderID:     userID,
		TokensHeld:   nights * s.tokensPerNight,
	})
}

// RefundBooking отменяет последнее активное бронирование вызывающего в номере
// и возвращает удержанные токены.
func (s *Service) RefundBooking(ctx context.Context, userID, roomID int64) error {
	if err := s.validRoom(roomID); err != nil {
		return err
	}
	return s.repo.RefundReservation(ctx, userID, roomID)
}

// GetBooking возвращает бронирование номера на указанную дату заезда.
func (s *Service) GetBooking(ctx context.Context, roomID, checkIn int64) (*model.Reservation, error) {
	if err := s.validRoom(roomID); err != nil {
		return nil, err
	}
	return s.repo.GetReservation(ctx, roomID, checkIn)
}

// ListBookings возвращает бронирования номера начиная с указанной даты заезда.
func (s *Service) ListBookings(ctx context.Context, roomID, fromTS int64, limit int) ([]model.Reservation, error) {
	if err := s.validRoom(roomID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListReservations(ctx, roomID, fromTS, limit)
}

// CheckIn заселяет держателя бронирования, если текущее время внутри окна проживания.
func (s *Service) CheckIn(ctx context.Context, userID, roomID, checkIn int64) error {
	if err := s.validRoom(roomID); err != nil {
		return err
	}
	return s.repo.CheckIn(ctx, userID, roomID, checkIn, s.now().Unix())
}

// SetRoomPass устанавливает код замка для активного проживания.
func (s *Service) SetRoomPass(ctx context.Context, userID, roomID, checkIn int64, pass model.Passcode) error {
	if err := s.validRoom(roomID); err != nil {
		return err
	}
	return s.repo.SetRoomPasscode(ctx, userID, roomID, checkIn, pass)
}

// OpenDoor открывает дверь номера по коду замка.
func (s *Service) OpenDoor(ctx context.Context, userID, roomID, checkIn int64, pass model.Passcode) error {
	if err := s.validRoom(roomID); err != nil {
		return err
	}
	return s.repo.OpenDoor(ctx, userID, roomID, checkIn, pass)
}

// LockDoor закрывает дверь номера. Код не требуется.
func (s *Service) LockDoor(ctx context.Context, userID, roomID, checkIn int64) error {
	if err := s.validRoom(roomID); err != nil {
		return err
	}
	return s.repo.LockDoor(ctx, userID, roomID, checkIn)
}

// CheckOut выселяет держателя бронирования. Дверь обязана быть закрыта.
func (s *Service) CheckOut(ctx context.Context, userID, roomID, checkIn int64) error {
	if err := s.validRoom(roomID); err != nil {
		return err
	}
	return s.repo.CheckOut(ctx, userID, roomID, checkIn)
}

// RoomStatus возвращает признаки заселения и открытой двери номера.
func (s *Service) RoomStatus(ctx context.Context, roomID int64) (checkedIn, doorOpen bool, err error) {
	if err := s.validRoom(roomID); err != nil {
		return false, false, err
	}

	st, err := s.repo.RoomState(ctx, roomID)
	if err != nil {
		return false, false, err
	}

	return st.ActiveCheckIn != nil, st.DoorOpen, nil
}

func (s *Service) validRoom(roomID int64) error {
	if roomID < 0 || roomID >= s.roomCount {
		return fmt.Errorf("%w: room %d", ErrRoomNotFound, roomID)
	}
	return nil
}

// StartSettlementUpdates запускает фоновый процесс подтверждения отложенных
// покупок по данным расчётной системы.
func (s *Service) StartSettlementUpdates(ctx context.Context) {
	if s.settlementClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processSettlementBatch(ctx)
			}
		}
	}()
}

func (s *Service) processSettlementBatch(ctx context.Context) {
	purchases, err := s.repo.PendingPurchases(ctx, 100)
	if err != nil {
		return
	}

	for _, p := range purchases {
		dep, statusCode, retryAfter, err := s.settlementClient.GetDeposit(ctx, p.DepositRef)
		if err != nil {
			continue
		}

		if statusCode == 429 {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if dep == nil {
			continue
		}

		switch dep.Status {
		case settlement.StatusRegistered, settlement.StatusProcessing:
			continue
		case settlement.StatusInvalid:
			_ = s.repo.InvalidatePurchase(ctx, p.ID)
		case settlement.StatusSettled:
			if dep.Amount == nil {
				continue
			}
			_ = s.repo.SettlePurchase(ctx, p.ID, *dep.Amount)
		default:
			continue
		}
	}
}
