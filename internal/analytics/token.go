package analytics

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for continuation tokens that fail verification
// or belong to another execution.
var ErrInvalidToken = errors.New("invalid continuation token")

type pageClaims struct {
	ExecutionID string `json:"eid"`
	Offset      int    `json:"off"`
	jwt.RegisteredClaims
}

func (e *Engine) signToken(executionID string, offset int) (string, error) {
	claims := pageClaims{
		ExecutionID: executionID,
		Offset:      offset,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(e.now().Add(e.opts.ResultTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.opts.TokenSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

func (e *Engine) parseToken(executionID, token string) (int, error) {
	claims := &pageClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return e.opts.TokenSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExecutionID != executionID || claims.Offset < 0 {
		return 0, ErrInvalidToken
	}
	return claims.Offset, nil
}
