package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// IdentityClaims токен внешнего слоя аутентификации
type IdentityClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Scope         string `json:"scope"`
	jwt.RegisteredClaims
}

// IdentityValidator проверяет токен личности и возвращает пользователя
type IdentityValidator interface {
	Validate(tokenString string) (domain.Identity, error)
}

// ValidatorOptions ожидания к токену личности
type ValidatorOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

func (o ValidatorOptions) parserOptions(methods []string) []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if o.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(o.Issuer))
	}
	if o.Audience != "" {
		opts = append(opts, jwt.WithAudience(o.Audience))
	}
	if o.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(o.Leeway))
	}
	return opts
}

// HMACValidator проверяет токены, подписанные общим секретом
type HMACValidator struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewHMACValidator создает валидатор с общим секретом
func NewHMACValidator(secret []byte, o ValidatorOptions) *HMACValidator {
	return &HMACValidator{
		secret: secret,
		opts:   o.parserOptions([]string{"HS256", "HS384", "HS512"}),
	}
}

func (v *HMACValidator) Validate(tokenString string) (domain.Identity, error) {
	return parseIdentity(tokenString, func(*jwt.Token) (interface{}, error) { return v.secret, nil }, v.opts)
}

// JWKSValidator проверяет токены по ключам JWKS провайдера личности
type JWKSValidator struct {
	kf   keyfunc.Keyfunc
	opts []jwt.ParserOption
}

// NewJWKSValidator загружает JWKS и обновляет его в фоне
func NewJWKSValidator(jwksURL string, o ValidatorOptions) (*JWKSValidator, error) {
	kf, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("load jwks from %s: %w", jwksURL, err)
	}
	return &JWKSValidator{
		kf:   kf,
		opts: o.parserOptions([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"}),
	}, nil
}

func (v *JWKSValidator) Validate(tokenString string) (domain.Identity, error) {
	return parseIdentity(tokenString, v.kf.Keyfunc, v.opts)
}

func parseIdentity(tokenString string, keyFunc jwt.Keyfunc, opts []jwt.ParserOption) (domain.Identity, error) {
	claims := &IdentityClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, keyFunc, opts...)
	if err != nil {
		return domain.Identity{}, classify(err)
	}
	if !tok.Valid {
		return domain.Identity{}, fmt.Errorf("%w: invalid token", domain.ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return domain.Identity{}, fmt.Errorf("%w: subject missing in token", domain.ErrUnauthenticated)
	}

	identity := domain.Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Scopes: strings.Fields(claims.Scope),
	}
	if claims.IssuedAt != nil {
		identity.VerifiedAt = claims.IssuedAt.Time
	}
	return identity, nil
}

// SignIdentity подписывает identity токен общим секретом (HS256).
// Нужен для локальной разработки, когда внешний провайдер личности недоступен.
func SignIdentity(secret []byte, claims IdentityClaims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign identity token: %w", err)
	}
	return signed, nil
}
