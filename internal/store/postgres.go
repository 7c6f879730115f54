package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bracketcore/internal/types"
)

// PostgresStore keeps the same in-memory ticker map as FileStore and
// write-through persists each mutated ticker as a JSONB row. Reads are served
// from memory; the database is only touched on load and on mutation.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu   sync.Mutex
	data map[string]*types.TickerStrategy
}

// NewPostgresStore connects using POSTGRES_* environment variables, ensures
// the ticker_strategies table exists and loads all rows into memory.
func NewPostgresStore(ctx context.Context, logger *slog.Logger) (*PostgresStore, error) {
	connStr := buildConnectionString()
	logger.Info("[POSTGRES] Connecting to database", "host", os.Getenv("POSTGRES_HOST"))

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger,
		data:   make(map[string]*types.TickerStrategy),
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.load(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("[POSTGRES] Connected to database", "tickers", len(s.data))
	return s, nil
}

// buildConnectionString creates a PostgreSQL connection string from
// environment variables, reading the password from the Docker secret when
// mounted.
func buildConnectionString() string {
	host := getEnvOrDefault("POSTGRES_HOST", "localhost")
	port := getEnvOrDefault("POSTGRES_PORT", "5432")
	user := getEnvOrDefault("POSTGRES_USER", "brackets")
	dbname := getEnvOrDefault("POSTGRES_DB", "brackets")

	password := ""
	if data, err := os.ReadFile("/run/secrets/postgres_password"); err == nil {
		password = strings.TrimSpace(string(data))
	} else {
		password = os.Getenv("POSTGRES_PASSWORD")
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS ticker_strategies (
			ticker TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure ticker_strategies table: %w", err)
	}
	return nil
}

func (s *PostgresStore) load(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT ticker, data FROM ticker_strategies`)
	if err != nil {
		return fmt.Errorf("failed to query ticker strategies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ticker string
		var raw json.RawMessage
		if err := rows.Scan(&ticker, &raw); err != nil {
			s.logger.Error("[POSTGRES] Failed to scan strategy row", "error", err)
			continue
		}
		strat := decodeStrategy(raw)
		if strat == nil {
			s.logger.Warn("[POSTGRES] Skipping undecodable strategy row", "ticker", ticker)
			continue
		}
		if strat.Ticker == "" {
			strat.Ticker = strings.ToUpper(ticker)
		}
		s.data[strat.Ticker] = strat
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating strategy rows: %w", err)
	}
	return nil
}

// persistTicker upserts one ticker row, or deletes it when the strategy is
// gone from memory. Caller holds the lock. Failures are logged; memory stays
// authoritative.
func (s *PostgresStore) persistTicker(ticker string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	strat, ok := s.data[ticker]
	if !ok {
		if _, err := s.pool.Exec(ctx, `DELETE FROM ticker_strategies WHERE ticker = $1`, ticker); err != nil {
			s.logger.Error("[POSTGRES] Failed to delete strategy row", "ticker", ticker, "error", err)
		}
		return
	}

	raw, err := json.Marshal(strat)
	if err != nil {
		s.logger.Error("[POSTGRES] Failed to marshal strategy", "ticker", ticker, "error", err)
		return
	}

	query := `
		INSERT INTO ticker_strategies (ticker, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (ticker) DO UPDATE SET data = $2, updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, ticker, raw); err != nil {
		s.logger.Error("[POSTGRES] Failed to upsert strategy row", "ticker", ticker, "error", err)
	}
}

// AddBrackets implements Store.
func (s *PostgresStore) AddBrackets(subs []types.BracketSubmission) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := mergeSubmissions(s.data, subs)
	if len(added) == 0 {
		return nil
	}

	touched := make(map[string]struct{})
	for _, id := range added {
		if o := findBracket(s.data, id); o != nil {
			touched[o.Ticker] = struct{}{}
		}
	}
	for ticker := range touched {
		s.persistTicker(ticker)
	}
	return added
}

// Get implements Store.
func (s *PostgresStore) Get(parentOrderID string) (types.BracketOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o := findBracket(s.data, parentOrderID); o != nil {
		return copyBracket(o), true
	}
	return types.BracketOrder{}, false
}

// List implements Store.
func (s *PostgresStore) List() []types.BracketOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.BracketOrder
	for _, ticker := range sortedTickers(s.data) {
		for _, o := range s.data[ticker].Orders {
			out = append(out, copyBracket(o))
		}
	}
	return out
}

// Strategies implements Store.
func (s *PostgresStore) Strategies() []types.TickerStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.TickerStrategy, 0, len(s.data))
	for _, ticker := range sortedTickers(s.data) {
		out = append(out, copyStrategy(s.data[ticker]))
	}
	return out
}

// UpdateStatus implements Store.
func (s *PostgresStore) UpdateStatus(parentOrderID, status string, details map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := findBracket(s.data, parentOrderID)
	if o == nil {
		return false
	}

	o.Status = strings.ToUpper(status)
	if len(details) > 0 {
		if o.LastUpdate == nil {
			o.LastUpdate = make(map[string]any, len(details)+1)
		}
		for k, v := range details {
			o.LastUpdate[k] = v
		}
		o.LastUpdate["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	s.persistTicker(o.Ticker)
	return true
}

// RecordContract implements Store.
func (s *PostgresStore) RecordContract(parentOrderID string, contractID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := findBracket(s.data, parentOrderID)
	if o == nil {
		return false
	}
	if o.ContractID == contractID {
		return true
	}
	o.ContractID = contractID
	s.persistTicker(o.Ticker)
	return true
}

// Remove implements Store.
func (s *PostgresStore) Remove(parentOrderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ticker, t := range s.data {
		kept := t.Orders[:0]
		removed := false
		for _, o := range t.Orders {
			if o.ParentOrderID == parentOrderID {
				removed = true
				continue
			}
			kept = append(kept, o)
		}
		if removed {
			t.Orders = kept
			s.persistTicker(ticker)
			return true
		}
	}
	return false
}

// Close implements Store.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.logger.Info("[POSTGRES] Connection closed")
	}
}
