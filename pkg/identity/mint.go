package identity

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// Mint issues an HS256 token for id. It exists for operator tooling and tests;
// production tokens come from the identity service.
func Mint(signingKey string, id Identity, ttl time.Duration, now time.Time) (string, error) {
	if signingKey == "" {
		return "", ErrConfigurationMissing
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(signingKey)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}
	if id.TokenID == "" {
		id.TokenID = uuid.New().String()
	}
	std := jwt.Claims{
		Subject:  id.SubjectID,
		ID:       id.TokenID,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	custom := Claims{
		Email:       id.Email,
		Role:        id.Role,
		TenantID:    id.TenantID,
		Permissions: id.Permissions,
	}
	token, err := jwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize token: %w", err)
	}
	return token, nil
}
