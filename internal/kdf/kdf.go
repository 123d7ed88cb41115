// Package kdf derives per-chunk AEAD keys from a user password via
// Argon2id. There is no session-scoped key to wrap: every chunk's key is
// derived directly from the password and that chunk's own random salt, so
// every chunk stands alone.
package kdf

import (
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/kenneth/backupvault/internal/engineerr"
)

// KeySize is the derived key length in bytes (256 bits), matching
// chacha20poly1305's key size.
const KeySize = 32

// SaltSize is the per-chunk salt length in bytes.
const SaltSize = 16

// Params are the Argon2id cost parameters. They are fixed for
// interoperability: any repository writer and reader must agree on them, so
// they are recorded once in a repository marker rather than carried per
// chunk. Values follow OWASP's current minimum recommendation for
// interactive Argon2id use (19 MiB floor); memory is raised well above that
// floor since backup/restore is not latency sensitive in the way an
// interactive login is.
type Params struct {
	MemoryKiB   uint32 `json:"memory_kib"`
	Time        uint32 `json:"time"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultParams are used when a repository is created without explicit
// tuning.
var DefaultParams = Params{
	MemoryKiB:   64 * 1024, // 64 MiB
	Time:        3,
	Parallelism: 4,
}

// Validate rejects parameters too weak to be worth deriving a key with.
func (p Params) Validate() error {
	if p.MemoryKiB < 8*1024 {
		return fmt.Errorf("%w: argon2id memory cost below 8MiB floor", engineerr.ErrUserInput)
	}
	if p.Time < 1 {
		return fmt.Errorf("%w: argon2id time cost must be >= 1", engineerr.ErrUserInput)
	}
	if p.Parallelism < 1 {
		return fmt.Errorf("%w: argon2id parallelism must be >= 1", engineerr.ErrUserInput)
	}
	return nil
}

// DeriveChunkKey derives the 256-bit AEAD key for one chunk from the
// repository password and that chunk's random salt. Every chunk gets an
// independent derivation: a leaked key for one chunk reveals nothing about
// any other chunk's key.
func DeriveChunkKey(password []byte, salt []byte, p Params) []byte {
	return argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Parallelism, KeySize)
}
