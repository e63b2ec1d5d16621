package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/foomin/smarthotel-system/internal/model"
)

// newTestRepository подключается к БД из TEST_DATABASE_URI.
// Без неё интеграционные тесты пропускаются.
func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn, 10000)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func createTestUser(t *testing.T, repo *PostgresRepository, tag string) int64 {
	t.Helper()

	login := fmt.Sprintf("%s-%d", tag, time.Now().UnixNano())
	id, err := repo.CreateUser(context.Background(), login, []byte("hash"))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return id
}

func fundUser(t *testing.T, repo *PostgresRepository, userID, tokens int64) {
	t.Helper()

	ctx := context.Background()
	price, err := repo.TokenPrice(ctx)
	if err != nil {
		t.Fatalf("token price: %v", err)
	}
	if err := repo.PurchaseTokens(ctx, userID, tokens, tokens*price); err != nil {
		t.Fatalf("purchase tokens: %v", err)
	}
}

// freshRoom выделяет номер, не задействованный другими прогонами.
func freshRoom() int64 {
	return time.Now().UnixNano() % 1_000_000_000
}

func TestPurchaseTokens_ExactPaymentOnly(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	userID := createTestUser(t, repo, "buyer")

	price, err := repo.TokenPrice(ctx)
	if err != nil {
		t.Fatalf("token price: %v", err)
	}

	if err := repo.PurchaseTokens(ctx, userID, 2, 2*price); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	balance, err := repo.TokenBalance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 2 {
		t.Fatalf("balance = %d, want 2", balance)
	}

	err = repo.PurchaseTokens(ctx, userID, 2, 2*price-1)
	if !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("error = %v, want ErrInsufficientPayment", err)
	}

	balance, err = repo.TokenBalance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 2 {
		t.Fatalf("balance after rejected purchase = %d, want unchanged 2", balance)
	}
}

func TestPurchaseTokens_RejectsWrappingCost(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	userID := createTestUser(t, repo, "wrap")

	price, err := repo.TokenPrice(ctx)
	if err != nil {
		t.Fatalf("token price: %v", err)
	}

	// Стоимость count*price переполняется; внесение, равное обёрнутому
	// значению, не должно пройти сверку.
	count := math.MaxInt64/price + 1
	err = repo.PurchaseTokens(ctx, userID, count, count*price)
	if !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("error = %v, want ErrInsufficientPayment", err)
	}

	_, err = repo.CreatePendingPurchase(ctx, userID, count, "dep-wrap")
	if !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("pending error = %v, want ErrInsufficientPayment", err)
	}

	balance, err := repo.TokenBalance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %d, want 0 after rejected purchases", balance)
	}
}

func TestCreateReservation_OverlapLoses(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first := createTestUser(t, repo, "first")
	second := createTestUser(t, repo, "second")
	fundUser(t, repo, first, 5)
	fundUser(t, repo, second, 5)

	room := freshRoom()
	checkIn := time.Now().Unix() + 30*model.SecondsPerDay

	err := repo.CreateReservation(ctx, model.Reservation{
		RoomID: room, CheckIn: checkIn, Nights: 3,
		OccupantName: "foomin", HolderID: first, TokensHeld: 3,
	})
	if err != nil {
		t.Fatalf("first booking: %v", err)
	}

	// Второе бронирование пересекается со серединой первого и обязано
	// проиграть уже зафиксированному.
	err = repo.CreateReservation(ctx, model.Reservation{
		RoomID: room, CheckIn: checkIn + model.SecondsPerDay, Nights: 3,
		OccupantName: "rival", HolderID: second, TokensHeld: 3,
	})
	if !errors.Is(err, ErrRoomUnavailable) {
		t.Fatalf("error = %v, want ErrRoomUnavailable", err)
	}

	balance, err := repo.TokenBalance(ctx, second)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 5 {
		t.Fatalf("loser balance = %d, want untouched 5", balance)
	}

	// Смежный интервал сразу после выезда допустим.
	err = repo.CreateReservation(ctx, model.Reservation{
		RoomID: room, CheckIn: checkIn + 3*model.SecondsPerDay, Nights: 2,
		OccupantName: "rival", HolderID: second, TokensHeld: 2,
	})
	if err != nil {
		t.Fatalf("adjacent booking: %v", err)
	}
}

func TestCreateReservation_ConcurrentSameSlot(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first := createTestUser(t, repo, "racer-a")
	second := createTestUser(t, repo, "racer-b")
	fundUser(t, repo, first, 2)
	fundUser(t, repo, second, 2)

	room := freshRoom()
	checkIn := time.Now().Unix() + 20*model.SecondsPerDay

	results := make(chan error, 2)
	for _, uid := range []int64{first, second} {
		uid := uid
		go func() {
			results <- repo.CreateReservation(ctx, model.Reservation{
				RoomID: room, CheckIn: checkIn, Nights: 2,
				OccupantName: "racer", HolderID: uid, TokensHeld: 2,
			})
		}()
	}

	var booked, rejected int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			booked++
		case errors.Is(err, ErrRoomUnavailable):
			rejected++
		default:
			t.Fatalf("unexpected booking error: %v", err)
		}
	}

	if booked != 1 || rejected != 1 {
		t.Fatalf("booked = %d, rejected = %d; exactly one racer must win", booked, rejected)
	}

	// Токены списаны ровно у победителя.
	balanceFirst, _ := repo.TokenBalance(ctx, first)
	balanceSecond, _ := repo.TokenBalance(ctx, second)
	if balanceFirst+balanceSecond != 2 {
		t.Fatalf("balances = %d and %d, want exactly one debit of 2", balanceFirst, balanceSecond)
	}
}

func TestRefundRestoresBalance(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	userID := createTestUser(t, repo, "refund")
	fundUser(t, repo, userID, 2)

	room := freshRoom()
	checkIn := time.Now().Unix() + 10*model.SecondsPerDay

	err := repo.CreateReservation(ctx, model.Reservation{
		RoomID: room, CheckIn: checkIn, Nights: 2,
		OccupantName: "foomin", HolderID: userID, TokensHeld: 2,
	})
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	balance, _ := repo.TokenBalance(ctx, userID)
	if balance != 0 {
		t.Fatalf("balance after booking = %d, want 0", balance)
	}

	if err := repo.RefundReservation(ctx, userID, room); err != nil {
		t.Fatalf("refund: %v", err)
	}

	balance, _ = repo.TokenBalance(ctx, userID)
	if balance != 2 {
		t.Fatalf("balance after refund = %d, want 2", balance)
	}

	// Повторный возврат невозможен: активных бронирований не осталось.
	err = repo.RefundReservation(ctx, userID, room)
	if !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("error = %v, want ErrReservationNotFound", err)
	}

	// Журнал хранит все три движения: покупку, списание и возврат.
	entries, err := repo.LedgerHistory(ctx, userID, 10)
	if err != nil {
		t.Fatalf("ledger history: %v", err)
	}
	kinds := map[model.LedgerEntryKind]int{}
	for _, e := range entries {
		kinds[e.Kind]++
	}
	if kinds[model.LedgerEntryPurchase] != 1 || kinds[model.LedgerEntrySpend] != 1 || kinds[model.LedgerEntryRefund] != 1 {
		t.Fatalf("ledger kinds = %v, want one entry of each kind", kinds)
	}
}

func TestAccessStateMachine(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	holder := createTestUser(t, repo, "holder")
	stranger := createTestUser(t, repo, "stranger")
	fundUser(t, repo, holder, 3)

	room := freshRoom()
	checkIn := time.Now().Unix() - 1000
	now := checkIn + 10

	err := repo.CreateReservation(ctx, model.Reservation{
		RoomID: room, CheckIn: checkIn, Nights: 3,
		OccupantName: "foomin", HolderID: holder, TokensHeld: 3,
	})
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	// Чужой не может заселиться по чужому бронированию.
	err = repo.CheckIn(ctx, stranger, room, checkIn, now)
	if !errors.Is(err, ErrNotHolder) {
		t.Fatalf("error = %v, want ErrNotHolder", err)
	}

	// Заселение вне окна проживания отклоняется.
	err = repo.CheckIn(ctx, holder, room, checkIn, checkIn+4*model.SecondsPerDay)
	if !errors.Is(err, ErrOutOfWindow) {
		t.Fatalf("error = %v, want ErrOutOfWindow", err)
	}

	if err := repo.CheckIn(ctx, holder, room, checkIn, now); err != nil {
		t.Fatalf("check in: %v", err)
	}

	err = repo.CheckIn(ctx, holder, room, checkIn, now)
	if !errors.Is(err, ErrAlreadyCheckedIn) {
		t.Fatalf("error = %v, want ErrAlreadyCheckedIn", err)
	}

	// Возврат после заселения запрещён.
	err = repo.RefundReservation(ctx, holder, room)
	if !errors.Is(err, ErrAlreadyCheckedIn) {
		t.Fatalf("error = %v, want ErrAlreadyCheckedIn", err)
	}

	// Дверь нельзя открыть до установки кода.
	pass := model.Passcode{1, 1, 1, 1, 1, 1}
	err = repo.OpenDoor(ctx, holder, room, checkIn, pass)
	if !errors.Is(err, ErrPasscodeNotSet) {
		t.Fatalf("error = %v, want ErrPasscodeNotSet", err)
	}

	if err := repo.SetRoomPasscode(ctx, holder, room, checkIn, pass); err != nil {
		t.Fatalf("set passcode: %v", err)
	}

	wrong := model.Passcode{1, 1, 1, 1, 1, 2}
	err = repo.OpenDoor(ctx, holder, room, checkIn, wrong)
	if !errors.Is(err, ErrWrongPasscode) {
		t.Fatalf("error = %v, want ErrWrongPasscode", err)
	}

	st, err := repo.RoomState(ctx, room)
	if err != nil {
		t.Fatalf("room state: %v", err)
	}
	if st.DoorOpen {
		t.Fatalf("door must stay locked after wrong passcode")
	}

	if err := repo.OpenDoor(ctx, holder, room, checkIn, pass); err != nil {
		t.Fatalf("open door: %v", err)
	}

	st, _ = repo.RoomState(ctx, room)
	if !st.DoorOpen {
		t.Fatalf("door must be open after correct passcode")
	}

	// Выселение с открытой дверью запрещено.
	err = repo.CheckOut(ctx, holder, room, checkIn)
	if !errors.Is(err, ErrDoorOpen) {
		t.Fatalf("error = %v, want ErrDoorOpen", err)
	}

	// Закрытие двери идемпотентно.
	if err := repo.LockDoor(ctx, holder, room, checkIn); err != nil {
		t.Fatalf("lock door: %v", err)
	}
	if err := repo.LockDoor(ctx, holder, room, checkIn); err != nil {
		t.Fatalf("second lock door: %v", err)
	}

	if err := repo.CheckOut(ctx, holder, room, checkIn); err != nil {
		t.Fatalf("check out: %v", err)
	}

	st, _ = repo.RoomState(ctx, room)
	if st.ActiveCheckIn != nil {
		t.Fatalf("active stay must be cleared after check-out")
	}

	// Завершённое проживание не подлежит возврату.
	err = repo.RefundReservation(ctx, holder, room)
	if !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("error = %v, want ErrReservationNotFound", err)
	}
}

func TestSettlePurchaseLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	userID := createTestUser(t, repo, "pending")

	p, err := repo.CreatePendingPurchase(ctx, userID, 2, "dep-test")
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	balance, _ := repo.TokenBalance(ctx, userID)
	if balance != 0 {
		t.Fatalf("balance = %d, tokens must not be credited before settlement", balance)
	}

	if err := repo.SettlePurchase(ctx, p.ID, p.ExpectedValue); err != nil {
		t.Fatalf("settle: %v", err)
	}

	balance, _ = repo.TokenBalance(ctx, userID)
	if balance != 2 {
		t.Fatalf("balance = %d, want 2 after settlement", balance)
	}

	// Повторный расчёт той же покупки отклоняется: зачисление ровно одно.
	err = repo.SettlePurchase(ctx, p.ID, p.ExpectedValue)
	if !errors.Is(err, ErrPurchaseNotPending) {
		t.Fatalf("error = %v, want ErrPurchaseNotPending", err)
	}

	balance, _ = repo.TokenBalance(ctx, userID)
	if balance != 2 {
		t.Fatalf("balance = %d, want unchanged 2", balance)
	}
}
