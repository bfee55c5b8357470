package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// NodeClaims are carried by node auth tokens. The registered ID (jti) changes
// on every registration so older tokens stop validating.
type NodeClaims struct {
	NodeID      string `json:"nid"`
	Fingerprint string `json:"fp"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies node tokens with HS256.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer; ttl <= 0 issues tokens without expiry.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token and its id.
func (i *TokenIssuer) Issue(nodeID, fingerprint string) (token, tokenID string, err error) {
	now := i.now()
	tokenID = uuid.NewString()
	claims := NodeClaims{
		NodeID:      nodeID,
		Fingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       tokenID,
			Subject:  nodeID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", err
	}
	return token, tokenID, nil
}

func (i *TokenIssuer) Parse(tokenStr string) (*NodeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &NodeClaims{}, func(_ *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*NodeClaims)
	if !ok || claims.NodeID == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
