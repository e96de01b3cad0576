package authz

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"stripefs/pkg/types"
)

const tokenIssuer = "stripefs-authz"

type capabilityClaims struct {
	Container uint64 `json:"cid"`
	Ops       uint8  `json:"ops"`
	jwt.RegisteredClaims
}

// TokenSigner issues and verifies HS256 capability tokens. Targets only need
// the shared key to verify what the authorization service issued.
type TokenSigner struct {
	key []byte
	ttl time.Duration
}

// NewTokenSigner creates a signer. A zero ttl issues tokens without expiry,
// matching a capability cache that never refreshes.
func NewTokenSigner(key []byte, ttl time.Duration) (*TokenSigner, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty capability signing key", types.ErrConfiguration)
	}
	return &TokenSigner{key: append([]byte(nil), key...), ttl: ttl}, nil
}

// Issue signs a capability for ops on container held by principal.
func (s *TokenSigner) Issue(container types.ContainerID, ops types.OpSet, principal string) ([]byte, error) {
	now := time.Now()
	claims := capabilityClaims{
		Container: uint64(container),
		Ops:       uint8(ops),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  principal,
			Audience: jwt.ClaimStrings{strconv.FormatUint(uint64(container), 10)},
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign capability: %w", err)
	}
	return []byte(signed), nil
}

// Verify implements Verifier.
func (s *TokenSigner) Verify(capability types.Capability, container types.ContainerID, need types.OpSet) error {
	if len(capability.Token) == 0 {
		return fmt.Errorf("%w: missing capability token", types.ErrPermissionDenied)
	}

	claims := &capabilityClaims{}
	_, err := jwt.ParseWithClaims(string(capability.Token), claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return fmt.Errorf("%w: capability expired", types.ErrPermissionDenied)
		}
		return fmt.Errorf("%w: invalid capability: %v", types.ErrPermissionDenied, err)
	}

	if types.ContainerID(claims.Container) != container {
		return fmt.Errorf("%w: capability for container %d used on container %d",
			types.ErrPermissionDenied, claims.Container, container)
	}
	if granted := types.OpSet(claims.Ops); !granted.Has(need) {
		return fmt.Errorf("%w: capability grants %s, need %s", types.ErrPermissionDenied, granted, need)
	}
	return nil
}
