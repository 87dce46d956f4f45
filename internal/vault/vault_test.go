package vault

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.enc")
	v, err := New(zerolog.Nop(), path, "test-passphrase")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte(`{"hello":"world"}`)
	ciphertext, err := encrypt(plaintext, []byte("passphrase"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	got, err := decrypt(ciphertext, []byte("passphrase"))
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("round-trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptWithWrongPassphraseFails(t *testing.T) {
	ciphertext, err := encrypt([]byte("secret"), []byte("right"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decrypt(ciphertext, []byte("wrong")); err == nil {
		t.Error("expected decrypt with wrong passphrase to fail or produce invalid padding")
	}
}

func TestBootstrapIsIdempotentForExistingUsers(t *testing.T) {
	v := newTestVault(t)
	v.Bootstrap([]string{"user1"}, []string{"pw1"}, []int{1}, []int{5}, []int{1000})
	v.RecordFailure("user1", nil)

	// Re-bootstrapping should not clobber existing failure-ledger state.
	v.Bootstrap([]string{"user1"}, []string{"pw-changed"}, []int{1}, []int{5}, []int{1000})
	c, ok := v.Get("user1")
	if !ok {
		t.Fatal("expected user1 to exist")
	}
	if c.ConsecutiveFailures != 1 {
		t.Errorf("expected failure ledger preserved across re-bootstrap, got %d", c.ConsecutiveFailures)
	}
	if c.Password != "pw1" {
		t.Errorf("expected original password preserved, got %q", c.Password)
	}
}

func TestNextAccountPrefersLowerPriority(t *testing.T) {
	v := newTestVault(t)
	v.Bootstrap(
		[]string{"low-priority", "high-priority"},
		[]string{"pw1", "pw2"},
		[]int{5, 1},
		[]int{5, 5},
		[]int{1000, 1000},
	)
	c, ok := v.NextAccount()
	if !ok {
		t.Fatal("expected a candidate")
	}
	if c.Username != "high-priority" {
		t.Errorf("expected high-priority (priority=1) account, got %q", c.Username)
	}
}

func TestNextAccountSkipsExhaustedFailureBudget(t *testing.T) {
	v := newTestVault(t)
	v.Bootstrap([]string{"user1"}, []string{"pw1"}, []int{1}, []int{2}, []int{60000})
	v.RecordFailure("user1", nil)
	v.RecordFailure("user1", nil)

	if _, ok := v.NextAccount(); ok {
		t.Error("expected no candidates once failure threshold and cooldown are triggered")
	}
}

func TestRecordSuccessResetsFailureLedger(t *testing.T) {
	v := newTestVault(t)
	v.Bootstrap([]string{"user1"}, []string{"pw1"}, []int{1}, []int{3}, []int{1000})
	v.RecordFailure("user1", nil)
	v.RecordFailure("user1", nil)
	v.RecordSuccess("user1")

	c, _ := v.Get("user1")
	if c.ConsecutiveFailures != 0 {
		t.Errorf("expected failure count reset, got %d", c.ConsecutiveFailures)
	}
	if c.InCooldown {
		t.Error("expected cooldown cleared on success")
	}
}

func TestCooldownExpiresAfterWindow(t *testing.T) {
	v := newTestVault(t)
	v.Bootstrap([]string{"user1"}, []string{"pw1"}, []int{1}, []int{1}, []int{10})
	v.RecordFailure("user1", nil)

	if _, ok := v.NextAccount(); ok {
		t.Fatal("expected account unavailable immediately after tripping cooldown")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := v.NextAccount(); !ok {
		t.Error("expected account available again after cooldown window elapses")
	}
}

func TestUnlockAccountClearsState(t *testing.T) {
	v := newTestVault(t)
	v.Bootstrap([]string{"user1"}, []string{"pw1"}, []int{1}, []int{1}, []int{60000})
	v.RecordFailure("user1", nil)
	if !v.UnlockAccount("user1") {
		t.Fatal("expected unlock to report success for known user")
	}
	c, _ := v.Get("user1")
	if c.ConsecutiveFailures != 0 || c.InCooldown {
		t.Errorf("expected unlocked state, got %+v", c)
	}
}

func TestPersistAndReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.enc")
	v1, err := New(zerolog.Nop(), path, "passphrase-1")
	if err != nil {
		t.Fatal(err)
	}
	v1.Bootstrap([]string{"user1"}, []string{"pw1"}, []int{1}, []int{5}, []int{1000})
	if err := v1.Persist(); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	v2, err := New(zerolog.Nop(), path, "passphrase-1")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	c, ok := v2.Get("user1")
	if !ok {
		t.Fatal("expected reloaded vault to contain user1")
	}
	if c.Password != "pw1" {
		t.Errorf("expected password to survive persist/reload, got %q", c.Password)
	}
}

func TestAllOrdersByPriority(t *testing.T) {
	v := newTestVault(t)
	v.Bootstrap(
		[]string{"b", "a"},
		[]string{"pw", "pw"},
		[]int{5, 1},
		[]int{5, 5},
		[]int{1000, 1000},
	)
	all := v.All()
	if len(all) != 2 || all[0].Username != "a" || all[1].Username != "b" {
		t.Errorf("expected priority-ascending order, got %+v", all)
	}
}
