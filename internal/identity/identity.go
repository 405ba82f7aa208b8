package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the gateway access token.
const (
	RoleUser   = "user"
	RoleRunner = "runner"
)

// Claims is the identity context extracted from the gateway access token.
// The engine replays room joins with it after every reconnect.
type Claims struct {
	UserID string
	Role   string
}

// FromToken decodes the access token's claims without verifying the
// signature. Verification is the gateway's job at authenticate time; the
// engine only needs the identity for room-intent replay.
func FromToken(raw string) (*Claims, error) {
	var mc jwt.MapClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &mc); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}

	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("access token missing subject")
	}

	role := RoleUser
	if r, ok := mc["role"].(string); ok && r != "" {
		role = r
	}

	return &Claims{UserID: sub, Role: role}, nil
}
