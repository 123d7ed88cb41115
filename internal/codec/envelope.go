// Package codec implements the chunk codec pipeline: plaintext bytes become
// a storable blob via zstd compression and an optional authenticated
// encryption envelope, and back. Every encrypted chunk carries its own
// random salt and nonce, so each one decrypts independently under a key
// derived fresh from the password.
package codec

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kenneth/backupvault/internal/engineerr"
	"github.com/kenneth/backupvault/internal/kdf"
)

const (
	magicByte   byte = 0xB5
	versionByte byte = 1

	flagEncrypted byte = 1 << 0

	headerSize = 3 // magic + version + flags
	nonceSize  = chacha20poly1305.NonceSize
	saltSize   = kdf.SaltSize
)

// Options configures one Encode/Decode call.
type Options struct {
	// Level is the zstd compression level, 1-22. Zero means the package
	// default (3).
	Level int
	// Password, when non-nil, requests the encrypted envelope. An empty
	// but non-nil password is valid and distinct from "no password".
	Password []byte
	// KDFParams controls the Argon2id cost parameters used to derive the
	// per-chunk key. Callers pass the value recorded in the repository's
	// kdf-params marker.
	KDFParams kdf.Params
}

func (o Options) level() int {
	if o.Level == 0 {
		return 3
	}
	return o.Level
}

// Encode compresses plaintext and, if opts.Password is non-nil, wraps it in
// an authenticated envelope keyed by a fresh per-chunk derivation. chunkID
// is bound as associated data so a ciphertext cannot be relabeled under a
// different chunk-id without detection.
func Encode(plaintext []byte, chunkID string, opts Options) ([]byte, error) {
	compressed, err := compress(plaintext, opts.level())
	if err != nil {
		return nil, fmt.Errorf("compress chunk: %w", err)
	}

	if opts.Password == nil {
		out := make([]byte, 0, headerSize+len(compressed))
		out = append(out, magicByte, versionByte, 0)
		out = append(out, compressed...)
		return out, nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	key := kdf.DeriveChunkKey(opts.Password, salt, opts.KDFParams)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	out := make([]byte, 0, headerSize+saltSize+nonceSize+len(compressed)+aead.Overhead())
	out = append(out, magicByte, versionByte, flagEncrypted)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, compressed, []byte(chunkID))
	return out, nil
}

// Decode reverses Encode. password must be non-nil if and only if the
// envelope was encrypted with one; callers who don't know in advance can
// peek the envelope's flag byte first.
func Decode(blob []byte, chunkID string, opts Options) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: blob shorter than envelope header", engineerr.ErrCorrupt)
	}
	if blob[0] != magicByte {
		return nil, fmt.Errorf("%w: bad magic byte", engineerr.ErrCorrupt)
	}
	if blob[1] != versionByte {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", engineerr.ErrCorrupt, blob[1])
	}
	encrypted := blob[2]&flagEncrypted != 0
	rest := blob[headerSize:]

	if !encrypted {
		return decompress(rest)
	}

	if opts.Password == nil {
		return nil, fmt.Errorf("%w: chunk %s is encrypted", engineerr.ErrMissingPassword, chunkID)
	}
	if len(rest) < nonceSize+saltSize {
		return nil, fmt.Errorf("%w: envelope truncated before nonce/salt", engineerr.ErrCorrupt)
	}
	salt := rest[:saltSize]
	nonce := rest[saltSize : saltSize+nonceSize]
	ciphertext := rest[saltSize+nonceSize:]

	key := kdf.DeriveChunkKey(opts.Password, salt, opts.KDFParams)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	compressed, err := aead.Open(nil, nonce, ciphertext, []byte(chunkID))
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %s", engineerr.ErrWrongPassword, chunkID)
	}
	return decompress(compressed)
}

// IsEncrypted inspects the envelope's flag byte without decoding further.
func IsEncrypted(blob []byte) (bool, error) {
	if len(blob) < headerSize {
		return false, fmt.Errorf("%w: blob shorter than envelope header", engineerr.ErrCorrupt)
	}
	if blob[0] != magicByte {
		return false, fmt.Errorf("%w: bad magic byte", engineerr.ErrCorrupt)
	}
	return blob[2]&flagEncrypted != 0, nil
}

func compress(plaintext []byte, level int) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(plaintext, make([]byte, 0, len(plaintext))), nil
}

func decompress(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: init decompressor: %v", engineerr.ErrCorrupt, err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", engineerr.ErrCorrupt, err)
	}
	return out, nil
}
