package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/foomin/smarthotel-system/internal/model"
)

// CheckIn заселяет держателя бронирования. Текущее время передаётся сервисом,
// окно проживания проверяется внутри транзакции.
func (r *PostgresRepository) CheckIn(ctx context.Context, userID, roomID, checkIn, now int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := lockRoom(ctx, tx, roomID); err != nil {
			return err
		}

		var (
			resID     int64
			nights    int64
			holderID  int64
			checkedIn bool
			completed bool
		)
		err = tx.QueryRow(ctx,
			`SELECT id, nights, holder_id, checked_in, completed
			 FROM reservations
			 WHERE room_id = $1 AND check_in = $2 AND NOT cancelled
			 FOR UPDATE`,
			roomID, checkIn,
		).Scan(&resID, &nights, &holderID, &checkedIn, &completed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: room %d at %d", ErrReservationNotFound, roomID, checkIn)
			}
			return fmt.Errorf("select reservation: %w", err)
		}

		if holderID != userID {
			return fmt.Errorf("%w: room %d", ErrNotHolder, roomID)
		}
		if completed {
			return fmt.Errorf("%w: stay already completed", ErrReservationClosed)
		}
		if checkedIn {
			return fmt.Errorf("%w: room %d", ErrAlreadyCheckedIn, roomID)
		}
		if now < checkIn || now >= checkIn+nights*model.SecondsPerDay {
			return fmt.Errorf("%w: now %d, stay [%d, %d)", ErrOutOfWindow, now, checkIn, checkIn+nights*model.SecondsPerDay)
		}

		_, err = tx.Exec(ctx, `UPDATE reservations SET checked_in = TRUE WHERE id = $1`, resID)
		if err != nil {
			return fmt.Errorf("mark checked in: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE room_states SET active_check_in = $2, active_holder_id = $3, door_open = FALSE
			 WHERE room_id = $1`,
			roomID, checkIn, userID,
		)
		if err != nil {
			return fmt.Errorf("set active stay: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// SetRoomPasscode запоминает код замка для активного проживания, затирая
// ранее установленный.
func (r *PostgresRepository) SetRoomPasscode(ctx context.Context, userID, roomID, checkIn int64, pass model.Passcode) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := lockActiveStay(ctx, tx, userID, roomID, checkIn); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE reservations SET passcode = $3
			 WHERE room_id = $1 AND check_in = $2 AND NOT cancelled`,
			roomID, checkIn, pass.String(),
		)
		if err != nil {
			return fmt.Errorf("set passcode: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// OpenDoor открывает дверь при поэлементном совпадении кода с установленным.
// Несовпадение отклоняется без изменения состояния двери.
func (r *PostgresRepository) OpenDoor(ctx context.Context, userID, roomID, checkIn int64, pass model.Passcode) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := lockActiveStay(ctx, tx, userID, roomID, checkIn); err != nil {
			return err
		}

		var stored *string
		err = tx.QueryRow(ctx,
			`SELECT passcode FROM reservations
			 WHERE room_id = $1 AND check_in = $2 AND NOT cancelled`,
			roomID, checkIn,
		).Scan(&stored)
		if err != nil {
			return fmt.Errorf("select passcode: %w", err)
		}
		if stored == nil {
			return fmt.Errorf("%w: room %d", ErrPasscodeNotSet, roomID)
		}

		want, err := parseStoredPasscode(*stored)
		if err != nil {
			return err
		}
		if !pass.Equal(want) {
			return fmt.Errorf("%w: room %d", ErrWrongPasscode, roomID)
		}

		_, err = tx.Exec(ctx, `UPDATE room_states SET door_open = TRUE WHERE room_id = $1`, roomID)
		if err != nil {
			return fmt.Errorf("open door: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// LockDoor закрывает дверь. Код не требуется, повторное закрытие безвредно.
func (r *PostgresRepository) LockDoor(ctx context.Context, userID, roomID, checkIn int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := lockActiveStay(ctx, tx, userID, roomID, checkIn); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE room_states SET door_open = FALSE WHERE room_id = $1`, roomID)
		if err != nil {
			return fmt.Errorf("lock door: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// CheckOut выселяет держателя: дверь обязана быть закрыта, проживание
// помечается завершённым и перестаёт подлежать возврату.
func (r *PostgresRepository) CheckOut(ctx context.Context, userID, roomID, checkIn int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		doorOpen, err := lockActiveStay(ctx, tx, userID, roomID, checkIn)
		if err != nil {
			return err
		}
		if doorOpen {
			return fmt.Errorf("%w: room %d", ErrDoorOpen, roomID)
		}

		_, err = tx.Exec(ctx,
			`UPDATE reservations SET completed = TRUE
			 WHERE room_id = $1 AND check_in = $2 AND NOT cancelled`,
			roomID, checkIn,
		)
		if err != nil {
			return fmt.Errorf("complete reservation: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE room_states SET active_check_in = NULL, active_holder_id = NULL
			 WHERE room_id = $1`,
			roomID,
		)
		if err != nil {
			return fmt.Errorf("clear active stay: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// RoomState возвращает состояние замка и заселения номера. Для ещё не
// тронутого номера возвращается закрытая дверь без активного проживания.
func (r *PostgresRepository) RoomState(ctx context.Context, roomID int64) (*model.RoomState, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT room_id, door_open, active_check_in, active_holder_id
		 FROM room_states WHERE room_id = $1`,
		roomID,
	)

	var st model.RoomState
	err := row.Scan(&st.RoomID, &st.DoorOpen, &st.ActiveCheckIn, &st.ActiveHolder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.RoomState{RoomID: roomID}, nil
		}
		return nil, fmt.Errorf("get room state: %w", err)
	}

	return &st, nil
}

// lockActiveStay берёт состояние номера под блокировку и проверяет, что
// активное проживание соответствует указанной дате заезда и вызывающему.
// Возвращает текущее состояние двери.
func lockActiveStay(ctx context.Context, tx pgx.Tx, userID, roomID, checkIn int64) (bool, error) {
	var (
		doorOpen      bool
		activeCheckIn *int64
		activeHolder  *int64
	)
	err := tx.QueryRow(ctx,
		`SELECT door_open, active_check_in, active_holder_id
		 FROM room_states WHERE room_id = $1 FOR UPDATE`,
		roomID,
	).Scan(&doorOpen, &activeCheckIn, &activeHolder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: room %d", ErrNoActiveCheckIn, roomID)
		}
		return false, fmt.Errorf("lock room state: %w", err)
	}

	if activeCheckIn == nil || *activeCheckIn != checkIn {
		return false, fmt.Errorf("%w: room %d at %d", ErrNoActiveCheckIn, roomID, checkIn)
	}
	if activeHolder == nil || *activeHolder != userID {
		return false, fmt.Errorf("%w: room %d", ErrNotHolder, roomID)
	}

	return doorOpen, nil
}

// parseStoredPasscode восстанавливает код замка из строкового представления.
func parseStoredPasscode(s string) (model.Passcode, error) {
	var p model.Passcode
	if len(s) != model.PasscodeLen {
		return p, fmt.Errorf("stored passcode has length %d", len(s))
	}
	for i := 0; i < model.PasscodeLen; i++ {
		if s[i] < '0' || s[i] > '9' {
			return p, fmt.Errorf("stored passcode has non-digit at %d", i)
		}
		p[i] = s[i] - '0'
	}
	return p, nil
}
