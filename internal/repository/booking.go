package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/foomin/smarthotel-system/internal/model"
)

// CreateReservation бронирует номер: проверка пересечений, списание токенов и
// вставка записи происходят в одной транзакции. Бронирования одного номера
// сериализуются блокировкой строки номера, поэтому из двух гонящихся вызовов
// на пересекающиеся даты детерминированно проходит только первый.
func (r *PostgresRepository) CreateReservation(ctx context.Context, res model.Reservation) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := lockRoom(ctx, tx, res.RoomID); err != nil {
			return err
		}

		// Интервальная арифметика выполняется в Go: под блокировкой номера
		// гонок нет, а вычисление момента выезда остаётся в одном месте.
		rows, err := tx.Query(ctx,
			`SELECT check_in, nights FROM reservations WHERE room_id = $1 AND NOT cancelled`,
			res.RoomID,
		)
		if err != nil {
			return fmt.Errorf("select room reservations: %w", err)
		}

		var overlaps bool
		for rows.Next() {
			var existing model.Reservation
			if err := rows.Scan(&existing.CheckIn, &existing.Nights); err != nil {
				rows.Close()
				return fmt.Errorf("scan reservation interval: %w", err)
			}
			if existing.Overlaps(res.CheckIn, res.CheckOutTS()) {
				overlaps = true
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		if overlaps {
			return fmt.Errorf("%w: room %d at %d", ErrRoomUnavailable, res.RoomID, res.CheckIn)
		}

		reference := fmt.Sprintf("room:%d check_in:%d", res.RoomID, res.CheckIn)
		if err := debitTokens(ctx, tx, res.HolderID, res.TokensHeld, reference); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO reservations (room_id, check_in, nights, occupant_name, holder_id, tokens_held)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			res.RoomID, res.CheckIn, res.Nights, res.OccupantName, res.HolderID, res.TokensHeld,
		)
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// RefundReservation отменяет последнее активное бронирование вызывающего в
// номере и возвращает удержанные токены. Допускается только до заселения;
// отменённая запись сохраняется для аудита.
func (r *PostgresRepository) RefundReservation(ctx context.Context, userID, roomID int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			resID      int64
			checkIn    int64
			holderID   int64
			tokensHeld int64
			checkedIn  bool
		)
		err = tx.QueryRow(ctx,
			`SELECT id, check_in, holder_id, tokens_held, checked_in
			 FROM reservations
			 WHERE room_id = $1 AND NOT cancelled AND NOT completed
			 ORDER BY check_in DESC
			 LIMIT 1
			 FOR UPDATE`,
			roomID,
		).Scan(&resID, &checkIn, &holderID, &tokensHeld, &checkedIn)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: room %d", ErrReservationNotFound, roomID)
			}
			return fmt.Errorf("select reservation: %w", err)
		}

		if holderID != userID {
			return fmt.Errorf("%w: room %d", ErrNotHolder, roomID)
		}
		if checkedIn {
			return fmt.Errorf("%w: refund after check-in", ErrAlreadyCheckedIn)
		}

		_, err = tx.Exec(ctx, `UPDATE reservations SET cancelled = TRUE WHERE id = $1`, resID)
		if err != nil {
			return fmt.Errorf("cancel reservation: %w", err)
		}

		reference := fmt.Sprintf("room:%d check_in:%d", roomID, checkIn)
		if err := creditTokens(ctx, tx, userID, tokensHeld, model.LedgerEntryRefund, reference); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetReservation возвращает бронирование номера на указанную дату заезда.
// Отменённые записи этим методом не видны: слот считается свободным; полный
// журнал, включая отменённые записи, отдаёт ListReservations.
func (r *PostgresRepository) GetReservation(ctx context.Context, roomID, checkIn int64) (*model.Reservation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT room_id, check_in, nights, occupant_name, holder_id, tokens_held,
		        checked_in, completed, cancelled, created_at
		 FROM reservations
		 WHERE room_id = $1 AND check_in = $2 AND NOT cancelled`,
		roomID, checkIn,
	)

	var res model.Reservation
	err := row.Scan(&res.RoomID, &res.CheckIn, &res.Nights, &res.OccupantName, &res.HolderID,
		&res.TokensHeld, &res.CheckedIn, &res.Completed, &res.Cancelled, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}

	return &res, nil
}

// ListReservations возвращает бронирования номера с датой заезда не раньше
// указанной, по возрастанию даты, не более limit записей. В отличие от
// GetReservation отменённые записи включаются: журнал бронирований хранится
// полностью.
func (r *PostgresRepository) ListReservations(ctx context.Context, roomID, fromTS int64, limit int) ([]model.Reservation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT room_id, check_in, nights, occupant_name, holder_id, tokens_held,
		        checked_in, completed, cancelled, created_at
		 FROM reservations
		 WHERE room_id = $1 AND check_in >= $2
		 ORDER BY check_in, id
		 LIMIT $3`,
		roomID, fromTS, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select reservations: %w", err)
	}
	defer rows.Close()

	var res []model.Reservation
	for rows.Next() {
		var rv model.Reservation
		if err := rows.Scan(&rv.RoomID, &rv.CheckIn, &rv.Nights, &rv.OccupantName, &rv.HolderID,
			&rv.TokensHeld, &rv.CheckedIn, &rv.Completed, &rv.Cancelled, &rv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		res = append(res, rv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// lockRoom создаёт строку состояния номера при первом обращении и берёт её
// под блокировку, сериализуя все операции по номеру внутри транзакции.
func lockRoom(ctx context.Context, tx pgx.Tx, roomID int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO room_states (room_id) VALUES ($1) ON CONFLICT (room_id) DO NOTHING`,
		roomID,
	)
	if err != nil {
		return fmt.Errorf("ensure room state: %w", err)
	}

	var dummy int64
	err = tx.QueryRow(ctx, `SELECT room_id FROM room_states WHERE room_id = $1 FOR UPDATE`, roomID).Scan(&dummy)
	if err != nil {
		return fmt.Errorf("lock room: %w", err)
	}

	return nil
}
