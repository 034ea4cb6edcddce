package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTTL срок жизни токена лицензии, много короче периода оплаты
	DefaultTTL = 24 * time.Hour

	minSigningKeyLen = 32
)

// LicenseClaims содержимое токена лицензии
type LicenseClaims struct {
	DeviceID string      `json:"did"`
	Tier     domain.Tier `json:"tier"`
	Features []string    `json:"features"`
	jwt.RegisteredClaims
}

// Issuer выпускает и проверяет токены лицензии (HS256)
type Issuer struct {
	key    []byte
	ttl    time.Duration
	issuer string
}

// NewIssuer создает издателя токенов
func NewIssuer(key []byte, ttl time.Duration, issuer string) (*Issuer, error) {
	if len(key) < minSigningKeyLen {
		return nil, fmt.Errorf("%w: license signing key must be at least %d bytes", domain.ErrInvalidArgument, minSigningKeyLen)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{key: append([]byte(nil), key...), ttl: ttl, issuer: issuer}, nil
}

// IssueLicense подписывает токен для пары пользователь и устройство
func (i *Issuer) IssueLicense(sub *domain.Subscription, deviceID string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(i.ttl).UTC().Truncate(time.Second)
	claims := LicenseClaims{
		DeviceID: deviceID,
		Tier:     sub.Tier,
		Features: append([]string(nil), sub.Features...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.UserID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign license token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse проверяет подпись и срок токена лицензии
func (i *Issuer) Parse(tokenString string, opts ...jwt.ParserOption) (*LicenseClaims, error) {
	opts = append([]jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}, opts...)
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	claims := &LicenseClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	}, opts...)
	if err != nil {
		return nil, classify(err)
	}
	if !tok.Valid {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrUnauthenticated)
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: malformed token", domain.ErrUnauthenticated)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: invalid token signature", domain.ErrUnauthenticated)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: token expired", domain.ErrUnauthenticated)
	default:
		return fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
}
