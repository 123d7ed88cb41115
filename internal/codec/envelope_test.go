package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kenneth/backupvault/internal/engineerr"
	"github.com/kenneth/backupvault/internal/kdf"
)

func TestEncodeDecode_Unencrypted(t *testing.T) {
	plaintext := bytes.Repeat([]byte("chunk data "), 1000)
	blob, err := Encode(plaintext, "chunk-id-1", Options{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(blob, "chunk-id-1", Options{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("decoded plaintext does not match original")
	}

	encrypted, err := IsEncrypted(blob)
	if err != nil {
		t.Fatalf("IsEncrypted: %v", err)
	}
	if encrypted {
		t.Error("expected unencrypted envelope")
	}
}

func TestEncodeDecode_Encrypted(t *testing.T) {
	plaintext := []byte("secret chunk data")
	opts := Options{Password: []byte("hunter2"), KDFParams: kdf.DefaultParams}

	blob, err := Encode(plaintext, "chunk-id-2", opts)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	encrypted, err := IsEncrypted(blob)
	if err != nil {
		t.Fatalf("IsEncrypted: %v", err)
	}
	if !encrypted {
		t.Error("expected encrypted envelope")
	}

	got, err := Decode(blob, "chunk-id-2", opts)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("decoded plaintext does not match original")
	}
}

func TestDecode_WrongPassword(t *testing.T) {
	plaintext := []byte("secret chunk data")
	opts := Options{Password: []byte("correct"), KDFParams: kdf.DefaultParams}
	blob, err := Encode(plaintext, "chunk-id-3", opts)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	wrongOpts := Options{Password: []byte("incorrect"), KDFParams: kdf.DefaultParams}
	_, err = Decode(blob, "chunk-id-3", wrongOpts)
	if err == nil {
		t.Fatal("expected an error decoding with the wrong password")
	}
	if !errors.Is(err, engineerr.ErrWrongPassword) {
		t.Errorf("expected ErrWrongPassword, got %v", err)
	}
	if !errors.Is(err, engineerr.ErrAuthFailed) {
		t.Errorf("expected a wrong-password failure to also be an auth failure, got %v", err)
	}
}

func TestDecode_MissingPassword(t *testing.T) {
	plaintext := []byte("secret chunk data")
	opts := Options{Password: []byte("correct"), KDFParams: kdf.DefaultParams}
	blob, err := Encode(plaintext, "chunk-id-4", opts)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, err = Decode(blob, "chunk-id-4", Options{})
	if err == nil {
		t.Fatal("expected an error decoding an encrypted blob without a password")
	}
}

func TestDecode_WrongChunkIDRejectedAsAssociatedData(t *testing.T) {
	plaintext := []byte("secret chunk data")
	opts := Options{Password: []byte("correct"), KDFParams: kdf.DefaultParams}
	blob, err := Encode(plaintext, "chunk-id-5", opts)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, err = Decode(blob, "a-different-chunk-id", opts)
	if err == nil {
		t.Fatal("expected AEAD authentication to fail when chunk-id associated data differs")
	}
}

func TestDecode_CorruptBlob(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x00}, "chunk-id-6", Options{})
	if err == nil {
		t.Fatal("expected an error for a too-short blob")
	}

	badMagic := []byte{0xFF, versionByte, 0}
	_, err = Decode(badMagic, "chunk-id-6", Options{})
	if err == nil {
		t.Fatal("expected an error for a bad magic byte")
	}
}
