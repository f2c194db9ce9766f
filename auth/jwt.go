// Package auth implements the peer-identity/boot-id handshake token that
// concretizes the abstract "bootId" field MessageFilter.anyConnectionsDropped
// and BulkTransmitter's peer-restart check rely on: a short-lived signed
// token, issued fresh on every process start, carrying a bootId claim that
// changes iff the issuing peer restarted.
//
// Follows connect/jwt.go's claim-parsing shape (golang-jwt/jwt/v5), generalized
// from the platform's ByJwt client-session claims to a peer-to-peer boot
// announcement exchanged directly between two nodes.
package auth

import (
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/freenet-go/corexfer/comm"
)

var ErrInvalidToken = errors.New("invalid peer identity token")

// PeerClaims is the payload of a peer identity token: who is announcing
// themselves, and under which boot id.
type PeerClaims struct {
	PeerId    comm.PeerId
	BootId    uint64
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	PeerId string `json:"peer_id"`
	BootId uint64 `json:"boot_id"`
	gojwt.RegisteredClaims
}

// Issuer signs PeerClaims with a shared HS256 key. A production deployment
// would use per-peer asymmetric keys exchanged out of band; HS256 with a
// link-level shared secret mirrors ByJwt's own usage closely enough, and
// key distribution itself is out of scope for this subsystem.
type Issuer struct {
	key []byte
	ttl time.Duration
}

func NewIssuer(key []byte, ttl time.Duration) *Issuer {
	return &Issuer{key: key, ttl: ttl}
}

// Issue mints a token announcing peerId under bootId, valid for the
// issuer's configured ttl from now.
func (iss *Issuer) Issue(peerId comm.PeerId, bootId uint64) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		PeerId: peerId.String(),
		BootId: bootId,
		RegisteredClaims: gojwt.RegisteredClaims{
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(iss.ttl)),
		},
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(iss.key)
}

// Verifier checks tokens issued by an Issuer sharing the same key.
type Verifier struct {
	key []byte
}

func NewVerifier(key []byte) *Verifier {
	return &Verifier{key: key}
}

// Verify parses and validates tok, returning the peer claims it carries.
func (v *Verifier) Verify(tok string) (*PeerClaims, error) {
	var claims tokenClaims
	parsed, err := gojwt.ParseWithClaims(tok, &claims, func(t *gojwt.Token) (any, error) {
		if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	peerId, err := comm.ParsePeerId(claims.PeerId)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &PeerClaims{
		PeerId:    peerId,
		BootId:    claims.BootId,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
