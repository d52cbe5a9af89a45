package ledger

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"bmc/featureflag"
	"bmc/metrics"
	"bmc/position"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	defaultQueueSize     = 256
	defaultBatchSize     = 16
	defaultFlushInterval = 200 * time.Millisecond
	defaultMaxRetries    = 5
	defaultBackoffBase   = 150 * time.Millisecond
	defaultBackoffCap    = 3 * time.Second
	defaultDrainTimeout  = 30 * time.Second
	defaultWriteDeadline = 10 * time.Second
)

// PGStore persists closed positions to PostgreSQL. Writes are asynchronous:
// Close snapshots are enqueued, batched and flushed by a background worker
// with retry and exponential backoff, so a slow database never stalls a risk
// manager's fill path.
type PGStore struct {
	pool  *pgxpool.Pool
	flags *featureflag.RuntimeFlags

	queue  chan position.Position
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

// NewPGStore connects, runs migrations and starts the flush worker.
func NewPGStore(ctx context.Context, dsn string, flags *featureflag.RuntimeFlags) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect ledger database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PGStore{
		pool:  pool,
		flags: flags,
		queue: make(chan position.Position, defaultQueueSize),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

func runMigrations(dsn string) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load ledger migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("init ledger migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply ledger migrations: %w", err)
	}
	return nil
}

// WriteClosed enqueues a terminal position snapshot. Drops (queue full or
// store shut down) are counted and logged, never silent.
func (s *PGStore) WriteClosed(p position.Position) {
	if s.flags != nil && !s.flags.PersistenceEnabled() {
		return
	}
	select {
	case <-s.done:
		metrics.IncLedgerPersistFailures()
		log.Printf("⚠️  ledger store closed, dropping position %s", p.ID)
	case s.queue <- p:
	default:
		metrics.IncLedgerPersistFailures()
		log.Printf("⚠️  ledger queue full, dropping position %s", p.ID)
	}
}

func (s *PGStore) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	batch := make([]position.Position, 0, defaultBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case p := <-s.queue:
			batch = append(batch, p)
			if len(batch) >= defaultBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain whatever is still queued before exiting.
			deadline := time.After(defaultDrainTimeout)
			for {
				select {
				case p := <-s.queue:
					batch = append(batch, p)
					if len(batch) >= defaultBatchSize {
						flush()
					}
				case <-deadline:
					flush()
					return
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *PGStore) writeBatch(batch []position.Position) {
	start := time.Now()
	backoff := defaultBackoffBase
	var err error
	for attempt := 1; attempt <= defaultMaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteDeadline)
		err = s.insertBatch(ctx, batch)
		cancel()
		if err == nil {
			metrics.ObserveLedgerPersistLatency(time.Since(start))
			return
		}
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		if sleep > defaultBackoffCap {
			sleep = defaultBackoffCap
		}
		time.Sleep(sleep)
		backoff *= 2
	}
	metrics.IncLedgerPersistFailures()
	log.Printf("❌ ledger flush failed after %d attempts: %v", defaultMaxRetries, err)
}

func (s *PGStore) insertBatch(ctx context.Context, batch []position.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range batch {
		snapshot, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal position %s: %w", p.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO positions (
				position_id, ticker, contract_key, direction, entry_price,
				initial_qty, exit_reason, realized_pnl_pct, model_version_id,
				opened_at, closed_at, snapshot
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (position_id) DO UPDATE SET
				exit_reason = EXCLUDED.exit_reason,
				realized_pnl_pct = EXCLUDED.realized_pnl_pct,
				closed_at = EXCLUDED.closed_at,
				snapshot = EXCLUDED.snapshot`,
			p.ID, p.Ticker, p.Contract.Key(), p.Direction, p.EntryPrice,
			p.InitialQty, p.ExitReason, realizedPnLPct(p), p.ModelVersionID,
			p.OpenedAt, p.ClosedAt, snapshot,
		)
		if err != nil {
			return fmt.Errorf("insert position %s: %w", p.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// LoadClosed reads back persisted positions, oldest close first.
func (s *PGStore) LoadClosed(ctx context.Context, limit int) ([]position.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT snapshot FROM positions ORDER BY closed_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		var p position.Position
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode position snapshot: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close drains the queue and releases the pool. Safe to call multiple times.
func (s *PGStore) Close() {
	s.closed.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.pool.Close()
	})
}
