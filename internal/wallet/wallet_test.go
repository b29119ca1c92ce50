package wallet

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingswap/internal/chain"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	if words := strings.Fields(mnemonic); len(words) != 24 {
		t.Errorf("expected 24 words, got %d", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic should be valid")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		mnemonic string
		valid    bool
	}{
		{testMnemonic, true},
		{"invalid mnemonic words", false},
		{"", false},
		{"abandon", false},
	}
	for _, tc := range tests {
		if got := ValidateMnemonic(tc.mnemonic); got != tc.valid {
			t.Errorf("ValidateMnemonic(%q) = %v, want %v", tc.mnemonic, got, tc.valid)
		}
	}
}

func TestNewFromMnemonicInvalid(t *testing.T) {
	if _, err := NewFromMnemonic("invalid mnemonic", "", chain.Mainnet); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

// BIP84 test vectors.
func TestDeriveAddressBIP84(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}

	tests := []struct {
		change, index uint32
		want          string
	}{
		{0, 0, "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"},
		{0, 1, "bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g"},
		{1, 0, "bc1q8c6fshw2dlwun7ekn9qwf37cu2rn755upcp6el"},
	}
	for _, tc := range tests {
		addr, err := w.DeriveAddress("BTC", 0, tc.change, tc.index)
		if err != nil {
			t.Fatalf("DeriveAddress(%d/%d) error = %v", tc.change, tc.index, err)
		}
		if addr != tc.want {
			t.Errorf("DeriveAddress(%d/%d) = %s, want %s", tc.change, tc.index, addr, tc.want)
		}
	}
}

func TestDeriveAddressPerChain(t *testing.T) {
	tests := []struct {
		symbol  string
		network chain.Network
		prefix  string
		wantErr bool
	}{
		{"BTC", chain.Mainnet, "bc1q", false},
		{"LTC", chain.Mainnet, "ltc1q", false},
		{"BTC", chain.Testnet, "tb1q", false},
		{"LTC", chain.Testnet, "tltc1q", false},
		{"ETH", chain.Mainnet, "", true},
	}
	for _, tc := range tests {
		w, _ := NewFromMnemonic(testMnemonic, "", tc.network)
		addr, err := w.DeriveAddress(tc.symbol, 0, 0, 0)
		if tc.wantErr {
			if err == nil {
				t.Errorf("DeriveAddress(%s) should return error", tc.symbol)
			}
			continue
		}
		if err != nil {
			t.Errorf("DeriveAddress(%s %s) error = %v", tc.symbol, tc.network, err)
			continue
		}
		if !strings.HasPrefix(addr, tc.prefix) {
			t.Errorf("DeriveAddress(%s %s) = %s, want prefix %s", tc.symbol, tc.network, addr, tc.prefix)
		}
	}
}

func TestDeterministicDerivation(t *testing.T) {
	w1, _ := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	w2, _ := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	w3, _ := NewFromMnemonic(testMnemonic, "TREZOR", chain.Mainnet)

	k1, err := w1.DerivePrivateKey("LTC", 0, 0, 7)
	if err != nil {
		t.Fatalf("DerivePrivateKey error = %v", err)
	}
	k2, _ := w2.DerivePrivateKey("LTC", 0, 0, 7)
	k3, _ := w3.DerivePrivateKey("LTC", 0, 0, 7)

	if string(k1.Serialize()) != string(k2.Serialize()) {
		t.Error("same mnemonic should derive the same key")
	}
	if string(k1.Serialize()) == string(k3.Serialize()) {
		t.Error("passphrase should change the derived key")
	}

	// Served from the cache the second time.
	again, _ := w1.DeriveKey("LTC", 0, 0, 7)
	first, _ := w1.DeriveKey("LTC", 0, 0, 7)
	if again != first {
		t.Error("expected cached key")
	}
}

func TestEncryptDecryptMnemonic(t *testing.T) {
	encrypted, err := EncryptMnemonic(testMnemonic, "Correct-Horse-1")
	if err != nil {
		t.Fatalf("EncryptMnemonic error = %v", err)
	}
	if strings.Contains(string(encrypted.Ciphertext), "abandon") {
		t.Error("ciphertext contains plaintext")
	}

	got, err := DecryptMnemonic(encrypted, "Correct-Horse-1")
	if err != nil {
		t.Fatalf("DecryptMnemonic error = %v", err)
	}
	if got != testMnemonic {
		t.Errorf("DecryptMnemonic = %q", got)
	}

	if _, err := DecryptMnemonic(encrypted, "wrong"); err != ErrWrongPassword {
		t.Errorf("wrong password error = %v, want ErrWrongPassword", err)
	}
	if _, err := EncryptMnemonic(testMnemonic, ""); err == nil {
		t.Error("expected error for empty password")
	}
}

func TestLoadOrCreateMnemonic(t *testing.T) {
	dir := t.TempDir()

	for _, password := range []string{"", "Correct-Horse-1"} {
		path := filepath.Join(dir, "seed-"+password)

		created, isNew, err := LoadOrCreateMnemonic(path, password)
		if err != nil {
			t.Fatalf("create (password %q) error = %v", password, err)
		}
		if !isNew || !ValidateMnemonic(created) {
			t.Fatalf("expected a fresh valid mnemonic, got %v %q", isNew, created)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat error = %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
		}

		loaded, isNew, err := LoadOrCreateMnemonic(path, password)
		if err != nil {
			t.Fatalf("load (password %q) error = %v", password, err)
		}
		if isNew || loaded != created {
			t.Errorf("reload returned a different mnemonic")
		}
	}

	// Plain files tolerate extra whitespace.
	plain := filepath.Join(dir, "plain")
	if err := os.WriteFile(plain, []byte("  "+strings.ReplaceAll(testMnemonic, " ", "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	got, _, err := LoadOrCreateMnemonic(plain, "")
	if err != nil || got != testMnemonic {
		t.Errorf("plain load = %q, %v", got, err)
	}

	bad := filepath.Join(dir, "bad")
	if err := os.WriteFile(bad, []byte("not a mnemonic"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadOrCreateMnemonic(bad, ""); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}
