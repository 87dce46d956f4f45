/*
Logic: encrypted-at-rest credential vault holding a priority-ordered list of
warehouse identities with per-identity failure ledgers (§4.2). Adapted from
the donor gateway's security.BYOKEncryptor envelope-encryption shape
(security/security.go), but switched to the spec-mandated salted,
IV-prefixed AES-256-CBC with PBKDF2 key derivation (§9 flags the donor's
mixed KDF paths as an open question the spec resolves explicitly — only the
modern salted scheme is implemented here).
*/
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

const (
	pbkdf2Iterations = 200000
	saltLen          = 16
	keyLen           = 32 // AES-256
)

// Credential is a single ranked warehouse identity with its failure state.
type Credential struct {
	Username           string        `json:"username"`
	Password            string        `json:"password"`
	Priority             int           `json:"priority"` // 1..10, ascending = preferred
	MaxFailures          int           `json:"max_failures"`
	CooldownMs           int64         `json:"cooldown_ms"`
	MaxConnections       int           `json:"max_connections"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	InCooldown           bool          `json:"in_cooldown"`
	CooldownUntil        time.Time     `json:"cooldown_until"`
	LastSuccess          time.Time     `json:"last_success"`
	LastFailure          time.Time     `json:"last_failure"`
	IsActive             bool          `json:"is_active"`
}

// Vault holds the ranked identity list, persisted encrypted at rest.
type Vault struct {
	mu         sync.Mutex
	persistMu  sync.Mutex // held by Persist from snapshot to file write
	logger     zerolog.Logger
	path       string
	encKey     []byte // raw passphrase bytes, not the derived AES key
	creds      map[string]*Credential
}

// New creates a vault backed by the file at path, encrypted with encKey.
// If the file exists it is loaded and decrypted; otherwise an empty vault
// is returned and the file is created on first Persist call.
func New(logger zerolog.Logger, path, encKey string) (*Vault, error) {
	v := &Vault{
		logger: logger.With().Str("component", "vault").Logger(),
		path:   path,
		encKey: []byte(encKey),
		creds:  make(map[string]*Credential),
	}
	if _, err := os.Stat(path); err == nil {
		if err := v.load(); err != nil {
			return nil, fmt.Errorf("load vault: %w", err)
		}
	}
	return v, nil
}

// Bootstrap seeds the vault from parallel CSV-derived config slices
// (§6: WAREHOUSE_ACCOUNTS/PASSWORDS/PRIORITIES/MAX_FAILURES/COOLDOWN_MS).
// Existing identities with the same username are left untouched so that
// failure-ledger state survives a config reload.
func (v *Vault) Bootstrap(users, passwords []string, priorities, maxFailures []int, cooldownMs []int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, u := range users {
		if _, exists := v.creds[u]; exists {
			continue
		}
		c := &Credential{
			Username:       u,
			Priority:       10,
			MaxFailures:    5,
			CooldownMs:     30000,
			MaxConnections: 10,
			IsActive:       true,
		}
		if i < len(passwords) {
			c.Password = passwords[i]
		}
		if i < len(priorities) {
			c.Priority = priorities[i]
		}
		if i < len(maxFailures) {
			c.MaxFailures = maxFailures[i]
		}
		if i < len(cooldownMs) {
			c.CooldownMs = int64(cooldownMs[i])
		}
		v.creds[u] = c
	}
}

// NextAccount filters to active, non-cooldown identities, orders by
// priority ascending, and returns the first whose consecutive-failure count
// is below its threshold, preferring the last-successful identity on ties.
func (v *Vault) NextAccount() (*Credential, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now()

	candidates := make([]*Credential, 0, len(v.creds))
	for _, c := range v.creds {
		if !c.IsActive {
			continue
		}
		if c.InCooldown && now.Before(c.CooldownUntil) {
			continue
		}
		if c.InCooldown && !now.Before(c.CooldownUntil) {
			c.InCooldown = false
			c.ConsecutiveFailures = 0
		}
		if c.ConsecutiveFailures >= c.MaxFailures {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].LastSuccess.After(candidates[j].LastSuccess)
	})
	cp := *candidates[0]
	return &cp, true
}

// Get returns a copy of the named credential.
func (v *Vault) Get(username string) (*Credential, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.creds[username]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// RecordSuccess resets the failure ledger for username and stamps
// last_success. Persistence errors are logged, not returned — the
// in-memory state updates regardless so a momentary disk failure doesn't
// defeat the breaker (§4.2).
func (v *Vault) RecordSuccess(username string) {
	v.mu.Lock()
	c, ok := v.creds[username]
	if ok {
		c.ConsecutiveFailures = 0
		c.InCooldown = false
		c.LastSuccess = time.Now()
	}
	v.mu.Unlock()
	if ok {
		v.persistBestEffort()
	}
}

// RecordFailure increments the failure ledger and, once the max-failures
// threshold is reached, opens a cooldown window.
func (v *Vault) RecordFailure(username string, cause error) {
	v.mu.Lock()
	c, ok := v.creds[username]
	if ok {
		c.ConsecutiveFailures++
		c.LastFailure = time.Now()
		if c.ConsecutiveFailures >= c.MaxFailures {
			c.InCooldown = true
			c.CooldownUntil = time.Now().Add(time.Duration(c.CooldownMs) * time.Millisecond)
		}
	}
	v.mu.Unlock()
	if ok {
		if cause != nil {
			v.logger.Warn().Str("username", username).Err(cause).Msg("warehouse identity failure recorded")
		}
		v.persistBestEffort()
	}
}

// UnlockAccount is an administrative operation clearing cooldown and
// failure count for username.
func (v *Vault) UnlockAccount(username string) bool {
	v.mu.Lock()
	c, ok := v.creds[username]
	if ok {
		c.ConsecutiveFailures = 0
		c.InCooldown = false
		c.CooldownUntil = time.Time{}
	}
	v.mu.Unlock()
	if ok {
		v.logger.Info().Str("username", username).Msg("warehouse identity unlocked")
		v.persistBestEffort()
	}
	return ok
}

// All returns copies of every stored credential, ordered by priority.
func (v *Vault) All() []Credential {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Credential, 0, len(v.creds))
	for _, c := range v.creds {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (v *Vault) persistBestEffort() {
	if err := v.Persist(); err != nil {
		v.logger.Error().Err(err).Msg("vault persist failed; in-memory state remains authoritative")
	}
}

// Persist encrypts and writes the full credential ledger under a single
// serializing lock (§5).
func (v *Vault) Persist() error {
	v.persistMu.Lock()
	defer v.persistMu.Unlock()
	v.mu.Lock()
	plaintext, err := json.Marshal(v.creds)
	v.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}
	ciphertext, err := encrypt(plaintext, v.encKey)
	if err != nil {
		return fmt.Errorf("encrypt vault: %w", err)
	}
	return os.WriteFile(v.path, ciphertext, 0600)
}

func (v *Vault) load() error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return err
	}
	plaintext, err := decrypt(raw, v.encKey)
	if err != nil {
		return fmt.Errorf("decrypt vault: %w", err)
	}
	var creds map[string]*Credential
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return fmt.Errorf("unmarshal vault: %w", err)
	}
	v.mu.Lock()
	v.creds = creds
	v.mu.Unlock()
	return nil
}

// ─── Envelope: salt-per-file + PBKDF2 + AES-256-CBC ─────────

// encrypt derives a per-file key via PBKDF2-HMAC-SHA3 over a fresh random
// salt, then encrypts plaintext with AES-256-CBC under a random IV. Output
// layout: salt(16) || iv(16) || ciphertext.
func encrypt(plaintext, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := pbkdf2.Key(passphrase, salt, pbkdf2Iterations, keyLen, sha3.New256)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, saltLen+aes.BlockSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return []byte(base64.StdEncoding.EncodeToString(out)), nil
}

func decrypt(encoded, passphrase []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(raw, encoded)
	if err != nil {
		return nil, err
	}
	raw = raw[:n]
	if len(raw) < saltLen+aes.BlockSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	salt := raw[:saltLen]
	iv := raw[saltLen : saltLen+aes.BlockSize]
	ciphertext := raw[saltLen+aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext not block-aligned")
	}

	key := pbkdf2.Key(passphrase, salt, pbkdf2Iterations, keyLen, sha3.New256)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, iv)
	cbc.CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	return data[:len(data)-padLen], nil
}
