package service

import (
	"encoding/hex"
	"fmt"
	"unicode"

	"github.com/Dhoini/license-service/internal/domain"
	"golang.org/x/crypto/blake2b"
)

const (
	minFingerprintLen = 32
	maxFingerprintLen = 512
	minHashKeyLen     = 16
)

// FingerprintHasher превращает сырой отпечаток устройства в deviceId.
// Хеш с ключом, чтобы по утекшей базе нельзя было сопоставить отпечатки.
type FingerprintHasher struct {
	key []byte
}

// NewFingerprintHasher создает хешер с серверным ключом (16..64 байта)
func NewFingerprintHasher(key []byte) (*FingerprintHasher, error) {
	if len(key) < minHashKeyLen || len(key) > blake2b.Size {
		return nil, fmt.Errorf("%w: fingerprint key must be %d..%d bytes", domain.ErrInvalidArgument, minHashKeyLen, blake2b.Size)
	}
	return &FingerprintHasher{key: append([]byte(nil), key...)}, nil
}

// Hash проверяет отпечаток и возвращает его хеш в hex
func (h *FingerprintHasher) Hash(fingerprint string) (string, error) {
	if err := validateFingerprint(fingerprint); err != nil {
		return "", err
	}
	mac, err := blake2b.New256(h.key)
	if err != nil {
		return "", fmt.Errorf("init blake2b: %w", err)
	}
	mac.Write([]byte(fingerprint))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func validateFingerprint(fp string) error {
	var verrs domain.ValidationErrors
	switch {
	case fp == "":
		verrs.Add("fingerprint", "is required")
	case len(fp) < minFingerprintLen:
		verrs.Add("fingerprint", fmt.Sprintf("must be at least %d characters", minFingerprintLen))
	case len(fp) > maxFingerprintLen:
		verrs.Add("fingerprint", fmt.Sprintf("must be at most %d characters", maxFingerprintLen))
	default:
		for _, r := range fp {
			if !unicode.IsPrint(r) || unicode.IsSpace(r) {
				verrs.Add("fingerprint", "must contain printable characters only")
				break
			}
		}
	}
	return verrs.Err()
}
