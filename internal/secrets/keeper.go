// Package secrets seals external API credentials (publishing targets, LLM
// provider keys) at rest and exposes them to callers only as opaque
// handles. Plaintext exists in memory for the duration of a single
// WithCredential call.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Record is a sealed credential as persisted.
type Record struct {
	Handle    string
	OrgID     string
	Kind      string // e.g. "wordpress", "llm"
	Nonce     []byte
	Sealed    []byte
	CreatedAt time.Time
}

// Store captures the persistence the keeper needs.
type Store interface {
	InsertCredential(ctx context.Context, rec Record) error
	GetCredential(ctx context.Context, orgID, handle string) (Record, bool, error)
	DeleteCredential(ctx context.Context, orgID, handle string) error
}

// Keeper seals and opens credentials with a master key.
type Keeper struct {
	store Store
	key   [32]byte
}

// New constructs a Keeper from a hex-encoded 32-byte master key.
func New(st Store, masterKeyHex string) (*Keeper, error) {
	raw, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(raw))
	}
	k := &Keeper{store: st}
	copy(k.key[:], raw)
	return k, nil
}

// Seal encrypts the credential and stores it, returning the opaque handle.
func (k *Keeper) Seal(ctx context.Context, orgID, kind string, plaintext []byte) (string, error) {
	if orgID == "" {
		return "", fmt.Errorf("org_id must be provided")
	}
	if len(plaintext) == 0 {
		return "", fmt.Errorf("credential material must be provided")
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nil, plaintext, &nonce, &k.key)
	rec := Record{
		Handle:    uuid.NewString(),
		OrgID:     orgID,
		Kind:      kind,
		Nonce:     nonce[:],
		Sealed:    sealed,
		CreatedAt: time.Now().UTC(),
	}
	if err := k.store.InsertCredential(ctx, rec); err != nil {
		return "", fmt.Errorf("store credential: %w", err)
	}
	return rec.Handle, nil
}

// WithCredential opens the credential behind handle and passes the
// plaintext to fn. The buffer is zeroed before returning.
func (k *Keeper) WithCredential(ctx context.Context, orgID, handle string, fn func(plaintext []byte) error) error {
	rec, ok, err := k.store.GetCredential(ctx, orgID, handle)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if !ok {
		return fmt.Errorf("credential %s not found", handle)
	}
	if len(rec.Nonce) != nonceSize {
		return fmt.Errorf("credential %s has malformed nonce", handle)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], rec.Nonce)
	plaintext, okOpen := secretbox.Open(nil, rec.Sealed, &nonce, &k.key)
	if !okOpen {
		return fmt.Errorf("credential %s failed to open: wrong key or corrupted material", handle)
	}
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()
	return fn(plaintext)
}

// Remove deletes a sealed credential.
func (k *Keeper) Remove(ctx context.Context, orgID, handle string) error {
	return k.store.DeleteCredential(ctx, orgID, handle)
}
