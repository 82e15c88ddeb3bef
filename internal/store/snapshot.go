package store

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/scrypt"
)

// Snapshot layout: 4-byte magic "DMP1", 16-byte scrypt salt, 12-byte GCM
// nonce, then the AES-256-GCM ciphertext of the gob-encoded document set.
// Gob is self-describing, so byte slices, nested arrays, and time values
// round-trip with their exact types.
var snapshotMagic = []byte("DMP1")

const (
	saltLen      = 16
	minPassLen   = 16
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// ErrBadSnapshot is returned when a snapshot file is malformed or the
// passphrase does not match.
var ErrBadSnapshot = errors.New("store: malformed or unreadable snapshot")

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]byte{})
	gob.Register(time.Time{})
}

// snapshotter persists the memory store state to an encrypted file.
type snapshotter struct {
	path       string
	passphrase string
}

func newSnapshotter(path, passphrase string) (*snapshotter, error) {
	if len(passphrase) < minPassLen {
		return nil, fmt.Errorf("store: snapshot passphrase must be at least %d characters", minPassLen)
	}
	return &snapshotter{path: path, passphrase: passphrase}, nil
}

func (s *snapshotter) deriveKey(salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(s.passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
}

// dump writes the full state atomically (temp file + rename).
func (s *snapshotter) dump(state map[string]any) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(state); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key, err := s.deriveKey(salt)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	var out bytes.Buffer
	out.Write(snapshotMagic)
	out.Write(salt)
	out.Write(nonce)
	out.Write(gcm.Seal(nil, nonce, payload.Bytes(), snapshotMagic))

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, out.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// restore reads the snapshot; a missing file yields (nil, nil).
func (s *snapshotter) restore() (map[string]any, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) < len(snapshotMagic)+saltLen+12 || !bytes.Equal(raw[:len(snapshotMagic)], snapshotMagic) {
		return nil, ErrBadSnapshot
	}
	raw = raw[len(snapshotMagic):]
	salt, raw := raw[:saltLen], raw[saltLen:]

	key, err := s.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, ErrBadSnapshot
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	payload, err := gcm.Open(nil, nonce, ciphertext, snapshotMagic)
	if err != nil {
		return nil, ErrBadSnapshot
	}

	var state map[string]any
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&state); err != nil {
		return nil, ErrBadSnapshot
	}
	return state, nil
}
