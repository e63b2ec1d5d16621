// Package model содержит доменные сущности сервиса smarthotel.
package model

import (
	"crypto/subtle"
	"time"
)

// SecondsPerDay — длительность одной ночи проживания в секундах.
const SecondsPerDay int64 = 86400

// User представляет зарегистрированного пользователя отеля.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// PurchaseStatus описывает статус покупки токенов.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "PENDING"
	PurchaseStatusConfirmed PurchaseStatus = "CONFIRMED"
	PurchaseStatusInvalid   PurchaseStatus = "INVALID"
)

// Purchase описывает покупку токенов и её расчётное состояние.
type Purchase struct {
	ID            string
	UserID        int64
	TokenCount    int64
	ExpectedValue int64
	DepositRef    string
	Status        PurchaseStatus
	CreatedAt     time.Time
}

// LedgerEntryKind описывает тип движения токенов по счёту.
type LedgerEntryKind string

const (
	LedgerEntryPurchase LedgerEntryKind = "PURCHASE"
	LedgerEntrySpend    LedgerEntryKind = "SPEND"
	LedgerEntryRefund   LedgerEntryKind = "REFUND"
)

// LedgerEntry описывает одно движение токенов по счёту пользователя.
type LedgerEntry struct {
	ID        string          `json:"id"`
	UserID    int64           `json:"-"`
	Kind      LedgerEntryKind `json:"kind"`
	Amount    int64           `json:"amount"`
	Reference string          `json:"reference"`
	CreatedAt time.Time       `json:"created_at"`
}

// Reservation описывает бронирование номера на диапазон ночей.
type Reservation struct {
	RoomID       int64     `json:"room_id"`
	CheckIn      int64     `json:"check_in"`
	Nights       int64     `json:"nights"`
	OccupantName string    `json:"occupant_name"`
	HolderID     int64     `json:"-"`
	TokensHeld   int64     `json:"tokens_held"`
	CheckedIn    bool      `json:"checked_in"`
	Completed    bool      `json:"completed"`
	Cancelled    bool      `json:"cancelled"`
	CreatedAt    time.Time `json:"-"`
}

// CheckOutTS возвращает момент окончания бронирования (исключительно).
func (r Reservation) CheckOutTS() int64 {
	return r.CheckIn + r.Nights*SecondsPerDay
}

// Overlaps сообщает, пересекается ли бронирование с интервалом [start, end).
func (r Reservation) Overlaps(start, end int64) bool {
	return r.CheckIn < end && r.CheckOutTS() > start
}

// RoomState описывает текущее состояние замка и заселения номера.
type RoomState struct {
	RoomID        int64
	DoorOpen      bool
	ActiveCheckIn *int64
	ActiveHolder  *int64
}

// PasscodeLen — фиксированная длина кода замка.
const PasscodeLen = 6

// Passcode — код замка из шести цифр. Значимый тип с поэлементным сравнением.
type Passcode [PasscodeLen]byte

// Equal сравнивает коды поэлементно за постоянное время.
func (p Passcode) Equal(other Passcode) bool {
	return subtle.ConstantTimeCompare(p[:], other[:]) == 1
}

// String возвращает код в виде строки цифр для хранения.
func (p Passcode) String() string {
	b := make([]byte, PasscodeLen)
	for i, d := range p {
		b[i] = '0' + d
	}
	return string(b)
}

// Balance содержит баланс токенов пользователя.
type Balance struct {
	Tokens int64 `json:"balance"`
}
