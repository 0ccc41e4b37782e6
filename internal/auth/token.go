// ABOUTME: Minting and verification of expiring device tokens in token mode.
// ABOUTME: Uses HS256 JWTs signed with the same shared secret clients would present.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrExpiredToken = errors.New("token expired")
	ErrMintDisabled = errors.New("token minting requires token auth mode")
)

// MintToken creates a device token naming the holder in the "sub" claim.
// Only meaningful in token mode, where the shared secret signs it.
func (g *Guard) MintToken(subject string, expiresIn time.Duration) (string, error) {
	if g.mode != ModeToken {
		return "", ErrMintDisabled
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// verifyDeviceToken validates an HS256 JWT against the shared secret.
func (g *Guard) verifyDeviceToken(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
