// Package repository содержит реализацию доступа к данным в PostgreSQL.
// Каждая операция ядра выполняется в одной транзакции: либо переход состояния
// фиксируется целиком, либо не происходит вовсе.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/foomin/smarthotel-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientBalance возвращается при попытке списать больше токенов, чем есть на счёте.
	ErrInsufficientBalance = errors.New("insufficient token balance")
	// ErrInsufficientPayment возвращается, если внесённая сумма не равна точной стоимости токенов.
	ErrInsufficientPayment = errors.New("deposit does not match token cost")
	// ErrRoomUnavailable возвращается при пересечении с существующим бронированием.
	ErrRoomUnavailable = errors.New("room unavailable for requested dates")
	// ErrReservationNotFound возвращается, если подходящее бронирование отсутствует.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrNotHolder возвращается, если вызывающий не является держателем бронирования.
	ErrNotHolder = errors.New("caller does not hold the reservation")
	// ErrAlreadyCheckedIn возвращается при повторном заселении или возврате после заселения.
	ErrAlreadyCheckedIn = errors.New("reservation already checked in")
	// ErrReservationClosed возвращается для завершённого или отменённого бронирования.
	ErrReservationClosed = errors.New("reservation completed or cancelled")
	// ErrOutOfWindow возвращается, если текущее время вне окна проживания.
	ErrOutOfWindow = errors.New("current time outside the stay window")
	// ErrNoActiveCheckIn возвращается, если в номере нет активного заселения по указанной дате.
	ErrNoActiveCheckIn = errors.New("room has no matching active check-in")
	// ErrPasscodeNotSet возвращается при попытке открыть дверь до установки кода.
	ErrPasscodeNotSet = errors.New("passcode not set for the active stay")
	// ErrWrongPasscode возвращается при несовпадении кода замка.
	ErrWrongPasscode = errors.New("passcode mismatch")
	// ErrDoorOpen возвращается при попытке выселиться с открытой дверью.
	ErrDoorOpen = errors.New("door must be locked")
	// ErrPurchaseNotPending возвращается при попытке повторно рассчитать покупку.
	ErrPurchaseNotPending = errors.New("purchase is not pending")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий, применяет миграции
// и фиксирует начальную цену токена, если она ещё не задана.
func NewPostgresRepository(dsn string, initialTokenPrice int64) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	_, err = pool.Exec(ctx,
		`INSERT INTO hotel_config (id, token_price) VALUES (1, $1) ON CONFLICT (id) DO NOTHING`,
		initialTokenPrice,
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("seed token price: %w", err)
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сбоях сериализации, дедлоках и сетевых ошибках.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя вместе с пустым счётом токенов.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO accounts (user_id) VALUES ($1)`, id)
	if err != nil {
		return 0, fmt.Errorf("create account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// TokenPrice возвращает текущую цену токена в минимальных единицах стоимости.
func (r *PostgresRepository) TokenPrice(ctx context.Context) (int64, error) {
	var price int64
	err := r.pool.QueryRow(ctx, `SELECT token_price FROM hotel_config WHERE id = 1`).Scan(&price)
	if err != nil {
		return 0, fmt.Errorf("get token price: %w", err)
	}
	return price, nil
}

// SetTokenPrice изменяет цену токена. Проверка полномочий выполняется сервисом.
func (r *PostgresRepository) SetTokenPrice(ctx context.Context, price int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE hotel_config SET token_price = $1, updated_at = now() WHERE id = 1`,
		price,
	)
	if err != nil {
		return fmt.Errorf("set token price: %w", err)
	}
	return nil
}

// TokenBalance возвращает баланс токенов пользователя.
func (r *PostgresRepository) TokenBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT token_balance FROM accounts WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}
