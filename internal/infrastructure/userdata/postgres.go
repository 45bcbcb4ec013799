package userdata

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"market_preloader/internal/app/port"
	"market_preloader/internal/domain/entity"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const postgresSourceName = "postgres"

// NotifyChannel receives the user id of every changed account.
const NotifyChannel = "user_account_changes"

// Delays between attempts to re-open a dropped change listener.
const (
	listenRetryMin = 500 * time.Millisecond
	listenRetryMax = 30 * time.Second
)

//go:embed schema.sql
var schemaSQL string

// notificationConn is a connection that has run LISTEN.
type notificationConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// PostgresStore reads accounts from PostgreSQL. Amounts are NUMERIC and scanned
// as shopspring decimals.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	listen   func(ctx context.Context) (notificationConn, error)
	retryMin time.Duration
	retryMax time.Duration
}

var _ port.UserDataStore = (*PostgresStore)(nil)

// NewPostgresPool connects to dbURL with the decimal codec registered and verifies connectivity.
func NewPostgresPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	s := &PostgresStore{
		pool:     pool,
		logger:   logger.Named("PostgresStore"),
		retryMin: listenRetryMin,
		retryMax: listenRetryMax,
	}
	s.listen = s.listenConn
	return s
}

// EnsureSchema creates the tables and the change notification trigger if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// GetAccount loads the account row and its holdings. A missing row is an empty account.
func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (entity.UserAccount, error) {
	var (
		balance decimal.Decimal
		profile map[string]any
	)
	err := s.pool.QueryRow(ctx,
		`SELECT reference_balance, profile FROM user_accounts WHERE user_id = $1`, userID).
		Scan(&balance, &profile)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entity.UserAccount{}, nil
		}
		return entity.UserAccount{}, entity.NewSourceError(postgresSourceName, entity.ErrSourceUnavailable,
			fmt.Errorf("get account %s: %w", userID, err))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT symbol, amount FROM user_holdings WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return entity.UserAccount{}, entity.NewSourceError(postgresSourceName, entity.ErrSourceUnavailable,
			fmt.Errorf("get holdings %s: %w", userID, err))
	}
	defer rows.Close()

	account := entity.UserAccount{
		ReferenceBalance: balance.InexactFloat64(),
		Profile:          profile,
	}
	for rows.Next() {
		var (
			symbol string
			amount decimal.Decimal
		)
		if err := rows.Scan(&symbol, &amount); err != nil {
			return entity.UserAccount{}, entity.NewSourceError(postgresSourceName, entity.ErrMalformedResponse,
				fmt.Errorf("scan holding: %w", err))
		}
		if amount.IsNegative() {
			return entity.UserAccount{}, entity.NewSourceError(postgresSourceName, entity.ErrMalformedResponse,
				fmt.Errorf("holding %s has negative amount %s", symbol, amount))
		}
		account.Holdings = append(account.Holdings, entity.AssetHolding{
			Symbol: entity.NormalizeSymbol(symbol),
			Amount: amount.InexactFloat64(),
		})
	}
	if err := rows.Err(); err != nil {
		return entity.UserAccount{}, entity.NewSourceError(postgresSourceName, entity.ErrSourceUnavailable, err)
	}
	return account, nil
}

// Subscribe LISTENs on NotifyChannel on a dedicated connection and calls onChange
// for notifications carrying userID. A dropped connection is re-opened with a
// doubling delay, and onChange runs once after every reconnect since changes may
// have been missed meanwhile.
func (s *PostgresStore) Subscribe(ctx context.Context, userID string, onChange func()) (func(), error) {
	conn, err := s.listen(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	go s.watch(ctx, conn, userID, onChange)
	return cancel, nil
}

func (s *PostgresStore) watch(ctx context.Context, conn notificationConn, userID string, onChange func()) {
	logger := s.logger.With(zap.String("userID", userID))
	delay := s.retryMin
	for {
		err := s.drain(ctx, conn, userID, onChange)
		conn.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Account change listener dropped, reconnecting", zap.Error(err), zap.Duration("retryIn", delay))

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, s.retryMax)
			conn, err = s.listen(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Failed to reopen account change listener", zap.Error(err), zap.Duration("retryIn", delay))
		}

		if ctx.Err() != nil {
			conn.Close(context.Background())
			return
		}
		logger.Info("Account change listener reconnected")
		delay = s.retryMin
		onChange()
	}
}

// drain delivers notifications for userID until the connection fails or ctx ends.
func (s *PostgresStore) drain(ctx context.Context, conn notificationConn, userID string, onChange func()) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n.Payload == userID {
			onChange()
		}
	}
}

// listenConn takes a connection out of the pool for good and runs LISTEN on it.
func (s *PostgresStore) listenConn(ctx context.Context) (notificationConn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, entity.NewSourceError(postgresSourceName, entity.ErrSourceUnavailable, fmt.Errorf("acquire: %w", err))
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, entity.NewSourceError(postgresSourceName, entity.ErrSourceUnavailable, fmt.Errorf("listen: %w", err))
	}
	return conn.Hijack(), nil
}
