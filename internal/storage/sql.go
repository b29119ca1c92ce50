package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on sqlite3 or postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	dbPath string
	mu     sync.RWMutex
}

// OpenSQLite opens (creating if needed) klingswap.db in dataDir.
func OpenSQLite(dataDir string) (*SQLStore, error) {
	dataDir, err := ensureDir(dataDir)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "klingswap.db")

	db, err := sql.Open(DriverSQLite, dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	return newSQLStore(db, DriverSQLite, dbPath)
}

// OpenPostgres connects to the database named by dsn.
func OpenPostgres(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres driver requires a dsn")
	}
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	return newSQLStore(db, DriverPostgres, "")
}

func newSQLStore(db *sql.DB, driver, dbPath string) (*SQLStore, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver, dbPath: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s.runMigrations()

	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Driver returns the database/sql driver name.
func (s *SQLStore) Driver() string {
	return s.driver
}

// rebind rewrites ? placeholders for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) blobType() string {
	if s.driver == DriverPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

// initSchema creates all database tables.
func (s *SQLStore) initSchema() error {
	blob := s.blobType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS peers (
			peer_id TEXT PRIMARY KEY,
			addresses TEXT,
			first_seen BIGINT,
			last_seen BIGINT,
			last_connected BIGINT,
			connection_count INTEGER DEFAULT 0,
			is_bootstrap INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen)`,

		// One row per swap, written once at start.
		`CREATE TABLE IF NOT EXISTS swaps (
			uuid TEXT PRIMARY KEY,
			swap_type TEXT NOT NULL,
			maker_coin TEXT NOT NULL,
			taker_coin TEXT NOT NULL,
			started_at BIGINT NOT NULL,

			secret ` + blob + ` NOT NULL,
			secret_hash ` + blob + ` NOT NULL,
			secret_hash_algo INTEGER NOT NULL,

			maker_volume BIGINT NOT NULL,
			taker_volume BIGINT NOT NULL,
			taker_premium BIGINT NOT NULL DEFAULT 0,
			dex_fee BIGINT NOT NULL DEFAULT 0,
			dex_fee_burn BIGINT NOT NULL DEFAULT 0,
			lock_duration BIGINT NOT NULL,

			maker_coin_confs BIGINT NOT NULL,
			maker_coin_nota INTEGER NOT NULL DEFAULT 0,
			taker_coin_confs BIGINT NOT NULL,
			taker_coin_nota INTEGER NOT NULL DEFAULT 0,

			p2p_privkey ` + blob + `,
			maker_p2p_pubkey ` + blob + `,

			is_finished INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swaps_unfinished ON swaps(swap_type, is_finished)`,

		// Append-only log, ordered by seq within a swap.
		`CREATE TABLE IF NOT EXISTS swap_events (
			uuid TEXT NOT NULL REFERENCES swaps(uuid),
			seq BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			data ` + blob + ` NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE (uuid, seq)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// runMigrations applies additive schema changes to databases created by
// older releases.
func (s *SQLStore) runMigrations() {
	migrations := []string{
		fmt.Sprintf("ALTER TABLE swaps ADD COLUMN swap_version INTEGER NOT NULL DEFAULT %d", LegacySwapVersion),
	}

	for _, migration := range migrations {
		// Ignore errors - column may already exist
		_, _ = s.db.Exec(migration)
	}
}

// InsertSwap writes the snapshot of a new swap.
func (s *SQLStore) InsertSwap(ctx context.Context, rec *SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	version := rec.SwapVersion
	if version == 0 {
		version = LegacySwapVersion
	}

	query := s.rebind(`
		INSERT INTO swaps (
			uuid, swap_type, maker_coin, taker_coin, started_at,
			secret, secret_hash, secret_hash_algo,
			maker_volume, taker_volume, taker_premium, dex_fee, dex_fee_burn, lock_duration,
			maker_coin_confs, maker_coin_nota, taker_coin_confs, taker_coin_nota,
			p2p_privkey, maker_p2p_pubkey, swap_version, is_finished, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO NOTHING
	`)

	res, err := s.db.ExecContext(ctx, query,
		rec.UUID.String(), rec.SwapType, rec.MakerCoin, rec.TakerCoin, int64(rec.StartedAt),
		rec.Secret, rec.SecretHash, int(rec.SecretHashAlgo),
		int64(rec.MakerVolume), int64(rec.TakerVolume), int64(rec.TakerPremium),
		int64(rec.DexFee), int64(rec.DexFeeBurn), int64(rec.LockDuration),
		int64(rec.MakerCoinConfs), boolToInt(rec.MakerCoinNota),
		int64(rec.TakerCoinConfs), boolToInt(rec.TakerCoinNota),
		nullBytes(rec.P2PPrivKey), nullBytes(rec.MakerP2PPubKey),
		int(version), boolToInt(rec.IsFinished), createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert swap %s: %w", rec.UUID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSwapExists, rec.UUID)
	}
	return nil
}

// AppendEvent appends one event at the end of the swap's log.
func (s *SQLStore) AppendEvent(ctx context.Context, id uuid.UUID, eventType string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM swaps WHERE uuid = ?"), id.String()).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}

	if data == nil {
		data = []byte{}
	}

	var last int64
	err = tx.QueryRowContext(ctx,
		s.rebind("SELECT COALESCE(MAX(seq), 0) FROM swap_events WHERE uuid = ?"), id.String(),
	).Scan(&last)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		s.rebind("INSERT INTO swap_events (uuid, seq, event_type, data, created_at) VALUES (?, ?, ?, ?, ?)"),
		id.String(), last+1, eventType, data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("append %s event to %s: %w", eventType, id, err)
	}

	return tx.Commit()
}

// GetSwap reads a snapshot.
func (s *SQLStore) GetSwap(ctx context.Context, id uuid.UUID) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := s.rebind(`
		SELECT uuid, swap_type, maker_coin, taker_coin, started_at,
			secret, secret_hash, secret_hash_algo,
			maker_volume, taker_volume, taker_premium, dex_fee, dex_fee_burn, lock_duration,
			maker_coin_confs, maker_coin_nota, taker_coin_confs, taker_coin_nota,
			p2p_privkey, maker_p2p_pubkey, swap_version, is_finished, created_at
		FROM swaps WHERE uuid = ?
	`)

	rec, err := scanSwapRecord(s.db.QueryRowContext(ctx, query, id.String()))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetEvents returns the swap's log ordered by sequence.
func (s *SQLStore) GetEvents(ctx context.Context, id uuid.UUID) ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT seq, event_type, data, created_at FROM swap_events WHERE uuid = ? ORDER BY seq ASC"),
		id.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var (
			ev        EventRecord
			seq       int64
			createdAt int64
		)
		if err := rows.Scan(&seq, &ev.Type, &ev.Data, &createdAt); err != nil {
			return nil, err
		}
		ev.Seq = uint64(seq)
		ev.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListUnfinished returns swaps of swapType not yet marked finished, oldest first.
func (s *SQLStore) ListUnfinished(ctx context.Context, swapType string) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT uuid FROM swaps WHERE swap_type = ? AND is_finished = 0 ORDER BY started_at ASC"),
		swapType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt swap uuid %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkFinished flags a swap so kickstart skips it.
func (s *SQLStore) MarkFinished(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE swaps SET is_finished = 1 WHERE uuid = ?"), id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	return nil
}

func scanSwapRecord(row *sql.Row) (*SwapRecord, error) {
	var (
		rec                                             SwapRecord
		rawID                                           string
		startedAt, makerVol, takerVol, premium          int64
		dexFee, dexFeeBurn, lockDuration                int64
		makerConfs, takerConfs, createdAt               int64
		algo, makerNota, takerNota, version, isFinished int
	)

	err := row.Scan(
		&rawID, &rec.SwapType, &rec.MakerCoin, &rec.TakerCoin, &startedAt,
		&rec.Secret, &rec.SecretHash, &algo,
		&makerVol, &takerVol, &premium, &dexFee, &dexFeeBurn, &lockDuration,
		&makerConfs, &makerNota, &takerConfs, &takerNota,
		&rec.P2PPrivKey, &rec.MakerP2PPubKey, &version, &isFinished, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("corrupt swap uuid %q: %w", rawID, err)
	}

	rec.UUID = id
	rec.StartedAt = uint64(startedAt)
	rec.SecretHashAlgo = uint8(algo)
	rec.MakerVolume = uint64(makerVol)
	rec.TakerVolume = uint64(takerVol)
	rec.TakerPremium = uint64(premium)
	rec.DexFee = uint64(dexFee)
	rec.DexFeeBurn = uint64(dexFeeBurn)
	rec.LockDuration = uint64(lockDuration)
	rec.MakerCoinConfs = uint64(makerConfs)
	rec.MakerCoinNota = makerNota == 1
	rec.TakerCoinConfs = uint64(takerConfs)
	rec.TakerCoinNota = takerNota == 1
	rec.SwapVersion = uint8(version)
	rec.IsFinished = isFinished == 1
	rec.CreatedAt = time.Unix(createdAt, 0)

	return &rec, nil
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
