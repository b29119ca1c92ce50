package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

type opener struct {
	name string
	open func(t *testing.T) Store
}

func tempDir(t *testing.T) string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "klingswap-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })
	return tmpDir
}

func backends() []opener {
	list := []opener{
		{"sqlite3", func(t *testing.T) Store {
			s, err := OpenSQLite(tempDir(t))
			if err != nil {
				t.Fatalf("OpenSQLite() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}},
		{"bolt", func(t *testing.T) Store {
			s, err := OpenBolt(tempDir(t))
			if err != nil {
				t.Fatalf("OpenBolt() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
	if dsn := os.Getenv("KLINGSWAP_TEST_POSTGRES_DSN"); dsn != "" {
		list = append(list, opener{"postgres", func(t *testing.T) Store {
			s, err := OpenPostgres(dsn)
			if err != nil {
				t.Fatalf("OpenPostgres() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}})
	}
	return list
}

func testRecord(startedAt uint64) *SwapRecord {
	return &SwapRecord{
		UUID:           uuid.New(),
		SwapType:       "taker_v2",
		MakerCoin:      "LTC",
		TakerCoin:      "BTC",
		StartedAt:      startedAt,
		Secret:         make([]byte, 32),
		SecretHash:     []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
		SecretHashAlgo: 1,
		MakerVolume:    500_000,
		TakerVolume:    10_000,
		TakerPremium:   0,
		DexFee:         1_000,
		DexFeeBurn:     250,
		LockDuration:   7800,
		MakerCoinConfs: 1,
		TakerCoinConfs: 2,
		TakerCoinNota:  true,
		P2PPrivKey:     []byte{0xaa, 0xbb},
		SwapVersion:    2,
	}
}

func TestOpenCreatesFiles(t *testing.T) {
	tests := []struct {
		driver string
		file   string
	}{
		{DriverSQLite, "klingswap.db"},
		{DriverBolt, "klingswap.bolt"},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			dir := tempDir(t)
			s, err := Open(&Config{Driver: tt.driver, DataDir: dir})
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer s.Close()

			if _, err := os.Stat(filepath.Join(dir, tt.file)); os.IsNotExist(err) {
				t.Errorf("database file %s was not created", tt.file)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(&Config{Driver: "mysql"})
	if !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("Open(mysql) error = %v, want ErrUnknownDriver", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	expanded := expandPath("~/.test")
	expected := filepath.Join(home, ".test")

	if expanded != expected {
		t.Errorf("expandPath(~/.test) = %s, want %s", expanded, expected)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	got := pg.rebind("SELECT a FROM t WHERE b = ? AND c = ?")
	if got != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Errorf("rebind = %q", got)
	}

	lite := &SQLStore{driver: DriverSQLite}
	if got := lite.rebind("x = ?"); got != "x = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestSwapRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			rec := testRecord(1_700_000_000)

			if err := s.InsertSwap(ctx, rec); err != nil {
				t.Fatalf("InsertSwap() error = %v", err)
			}

			got, err := s.GetSwap(ctx, rec.UUID)
			if err != nil {
				t.Fatalf("GetSwap() error = %v", err)
			}
			if got.UUID != rec.UUID || got.MakerCoin != "LTC" || got.TakerCoin != "BTC" {
				t.Errorf("identity mismatch: %+v", got)
			}
			if got.StartedAt != rec.StartedAt || got.LockDuration != 7800 {
				t.Errorf("timing mismatch: started %d lock %d", got.StartedAt, got.LockDuration)
			}
			if got.DexFee != 1_000 || got.DexFeeBurn != 250 || got.MakerVolume != 500_000 {
				t.Errorf("amount mismatch: %+v", got)
			}
			if !got.TakerCoinNota || got.MakerCoinNota || got.TakerCoinConfs != 2 {
				t.Errorf("confirmation settings mismatch: %+v", got)
			}
			if string(got.SecretHash) != string(rec.SecretHash) || got.SecretHashAlgo != 1 {
				t.Errorf("secret hash mismatch")
			}
			if string(got.P2PPrivKey) != string(rec.P2PPrivKey) || len(got.MakerP2PPubKey) != 0 {
				t.Errorf("p2p keys mismatch: %x %x", got.P2PPrivKey, got.MakerP2PPubKey)
			}
			if got.SwapVersion != 2 {
				t.Errorf("SwapVersion = %d, want 2", got.SwapVersion)
			}
			if got.IsFinished {
				t.Error("new swap reported finished")
			}
		})
	}
}

func TestInsertSwapTwice(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			rec := testRecord(1)

			if err := s.InsertSwap(ctx, rec); err != nil {
				t.Fatalf("InsertSwap() error = %v", err)
			}
			if err := s.InsertSwap(ctx, rec); !errors.Is(err, ErrSwapExists) {
				t.Errorf("second InsertSwap() error = %v, want ErrSwapExists", err)
			}
		})
	}
}

func TestGetSwapNotFound(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			if _, err := s.GetSwap(ctx, uuid.New()); !errors.Is(err, ErrSwapNotFound) {
				t.Errorf("GetSwap() error = %v, want ErrSwapNotFound", err)
			}
			if err := s.AppendEvent(ctx, uuid.New(), "Initialized", []byte("{}")); !errors.Is(err, ErrSwapNotFound) {
				t.Errorf("AppendEvent() error = %v, want ErrSwapNotFound", err)
			}
		})
	}
}

func TestAppendEventsKeepOrder(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			rec := testRecord(1)
			other := testRecord(2)
			for _, r := range []*SwapRecord{rec, other} {
				if err := s.InsertSwap(ctx, r); err != nil {
					t.Fatalf("InsertSwap() error = %v", err)
				}
			}

			types := []string{"Initialized", "Negotiated", "TakerFundingSent", "Aborted"}
			for i, typ := range types {
				if err := s.AppendEvent(ctx, rec.UUID, typ, []byte{byte(i)}); err != nil {
					t.Fatalf("AppendEvent(%s) error = %v", typ, err)
				}
				// Interleave writes to another swap.
				if err := s.AppendEvent(ctx, other.UUID, "Initialized", nil); err != nil {
					t.Fatalf("AppendEvent(other) error = %v", err)
				}
			}

			events, err := s.GetEvents(ctx, rec.UUID)
			if err != nil {
				t.Fatalf("GetEvents() error = %v", err)
			}
			if len(events) != len(types) {
				t.Fatalf("GetEvents() returned %d events, want %d", len(events), len(types))
			}
			for i, ev := range events {
				if ev.Type != types[i] {
					t.Errorf("event %d type = %s, want %s", i, ev.Type, types[i])
				}
				if ev.Seq != uint64(i+1) {
					t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
				}
				if len(ev.Data) != 1 || ev.Data[0] != byte(i) {
					t.Errorf("event %d data = %x", i, ev.Data)
				}
			}

			empty := testRecord(3)
			if err := s.InsertSwap(ctx, empty); err != nil {
				t.Fatalf("InsertSwap() error = %v", err)
			}
			events, err = s.GetEvents(ctx, empty.UUID)
			if err != nil || len(events) != 0 {
				t.Errorf("GetEvents(empty) = %v, %v", events, err)
			}
		})
	}
}

func TestListUnfinishedAndMarkFinished(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)

			later := testRecord(200)
			earlier := testRecord(100)
			maker := testRecord(50)
			maker.SwapType = "maker_v2"
			for _, r := range []*SwapRecord{later, earlier, maker} {
				if err := s.InsertSwap(ctx, r); err != nil {
					t.Fatalf("InsertSwap() error = %v", err)
				}
			}

			ids, err := s.ListUnfinished(ctx, "taker_v2")
			if err != nil {
				t.Fatalf("ListUnfinished() error = %v", err)
			}
			if len(ids) != 2 || ids[0] != earlier.UUID || ids[1] != later.UUID {
				t.Fatalf("ListUnfinished() = %v, want [%s %s]", ids, earlier.UUID, later.UUID)
			}

			if err := s.MarkFinished(ctx, earlier.UUID); err != nil {
				t.Fatalf("MarkFinished() error = %v", err)
			}
			// Marking twice is harmless.
			if err := s.MarkFinished(ctx, earlier.UUID); err != nil {
				t.Fatalf("second MarkFinished() error = %v", err)
			}

			ids, err = s.ListUnfinished(ctx, "taker_v2")
			if err != nil {
				t.Fatalf("ListUnfinished() error = %v", err)
			}
			if len(ids) != 1 || ids[0] != later.UUID {
				t.Errorf("ListUnfinished() after finish = %v", ids)
			}

			got, err := s.GetSwap(ctx, earlier.UUID)
			if err != nil {
				t.Fatalf("GetSwap() error = %v", err)
			}
			if !got.IsFinished {
				t.Error("finished swap not flagged")
			}

			if err := s.MarkFinished(ctx, uuid.New()); !errors.Is(err, ErrSwapNotFound) {
				t.Errorf("MarkFinished(unknown) error = %v, want ErrSwapNotFound", err)
			}
		})
	}
}

func TestLegacySnapshotVersion(t *testing.T) {
	ctx := context.Background()

	s, err := OpenSQLite(tempDir(t))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer s.Close()

	// A row written by a release without the swap_version column.
	rec := testRecord(1)
	_, err = s.DB().Exec(`INSERT INTO swaps (uuid, swap_type, maker_coin, taker_coin, started_at,
		secret, secret_hash, secret_hash_algo, maker_volume, taker_volume, lock_duration,
		maker_coin_confs, taker_coin_confs, created_at)
		VALUES (?, 'taker_v2', 'LTC', 'BTC', 1, ?, ?, 1, 1, 1, 7800, 1, 1, 0)`,
		rec.UUID.String(), rec.Secret, rec.SecretHash)
	if err != nil {
		t.Fatalf("raw insert error = %v", err)
	}

	got, err := s.GetSwap(ctx, rec.UUID)
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if got.SwapVersion != LegacySwapVersion {
		t.Errorf("SwapVersion = %d, want %d", got.SwapVersion, LegacySwapVersion)
	}
	if got.P2PPrivKey != nil {
		t.Errorf("P2PPrivKey = %x, want nil", got.P2PPrivKey)
	}
}

func TestPeers(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			now := time.Now()

			peer := &PeerRecord{
				PeerID:    "12D3KooWA",
				Addresses: []string{"/ip4/127.0.0.1/tcp/4001"},
				FirstSeen: now.Add(-time.Hour),
				LastSeen:  now,
			}
			if err := s.SavePeer(peer); err != nil {
				t.Fatalf("SavePeer() error = %v", err)
			}
			stale := &PeerRecord{
				PeerID:      "12D3KooWB",
				FirstSeen:   now.Add(-72 * time.Hour),
				LastSeen:    now.Add(-48 * time.Hour),
				IsBootstrap: true,
			}
			if err := s.SavePeer(stale); err != nil {
				t.Fatalf("SavePeer() error = %v", err)
			}

			got, err := s.GetPeer("12D3KooWA")
			if err != nil || got == nil {
				t.Fatalf("GetPeer() = %v, %v", got, err)
			}
			if len(got.Addresses) != 1 || got.Addresses[0] != "/ip4/127.0.0.1/tcp/4001" {
				t.Errorf("Addresses = %v", got.Addresses)
			}

			missing, err := s.GetPeer("nope")
			if err != nil || missing != nil {
				t.Errorf("GetPeer(nope) = %v, %v", missing, err)
			}

			all, err := s.ListPeers(0)
			if err != nil || len(all) != 2 || all[0].PeerID != "12D3KooWA" {
				t.Errorf("ListPeers() = %v, %v", all, err)
			}

			recent, err := s.ListRecentPeers(24*time.Hour, 10)
			if err != nil || len(recent) != 1 {
				t.Errorf("ListRecentPeers() = %v, %v", recent, err)
			}

			if err := s.UpdatePeerConnected("12D3KooWA"); err != nil {
				t.Fatalf("UpdatePeerConnected() error = %v", err)
			}
			got, _ = s.GetPeer("12D3KooWA")
			if got.ConnectionCount != 1 || got.LastConnected.IsZero() {
				t.Errorf("after connect: count %d last %v", got.ConnectionCount, got.LastConnected)
			}

			if err := s.DeletePeer("12D3KooWB"); err != nil {
				t.Fatalf("DeletePeer() error = %v", err)
			}
			if n, err := s.PeerCount(); err != nil || n != 1 {
				t.Errorf("PeerCount() = %d, %v", n, err)
			}
		})
	}
}
