package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrBadSignature indicates the token failed signature or structure checks.
	ErrBadSignature = errors.New("bad token signature")
	// ErrExpired signals that the token expiry is in the past.
	ErrExpired = errors.New("token expired")
	// ErrUnknown indicates the token subject is not a recognised session.
	ErrUnknown = errors.New("unknown session")
	// ErrTimeout indicates a session lookup exceeded its in-memory budget.
	ErrTimeout = errors.New("session lookup timeout")
)

// Role names carried inside session tokens.
const (
	RoleMember    = "member"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// Principal is the authenticated identity derived at handshake. It is
// immutable for the life of the connection.
type Principal struct {
	UserID        string
	WalletAddress string
	Roles         map[string]struct{}
	ClanID        string
	Network       string
	Anonymous     bool
}

// HasRole reports whether the principal carries the named role.
func (p *Principal) HasRole(role string) bool {
	if p == nil || p.Roles == nil {
		return false
	}
	_, ok := p.Roles[role]
	return ok
}

// RoleNames returns the sorted role set for wire responses.
func (p *Principal) RoleNames() []string {
	if p == nil || len(p.Roles) == 0 {
		return []string{}
	}
	names := make([]string, 0, len(p.Roles))
	for role := range p.Roles {
		names = append(names, role)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

// Anonymous returns the reduced-privilege principal used when the endpoint
// accepts unauthenticated handshakes.
func Anonymous() *Principal {
	return &Principal{Roles: map[string]struct{}{}, Anonymous: true}
}

// sessionClaims is the JWT payload the platform issues for hub sessions.
type sessionClaims struct {
	Roles   []string `json:"roles,omitempty"`
	ClanID  string   `json:"clan_id,omitempty"`
	Wallet  string   `json:"wallet,omitempty"`
	Network string   `json:"network,omitempty"`
	jwt.RegisteredClaims
}

// RevocationChecker answers whether a session subject has been revoked. The
// check must be an in-memory hit; the verifier never blocks on it.
type RevocationChecker interface {
	Revoked(userID string) (bool, error)
}

// Verifier validates HS256 session tokens and optional wallet challenges.
type Verifier struct {
	secret      []byte
	leeway      time.Duration
	now         func() time.Time
	revocations RevocationChecker
}

// NewVerifier constructs a verifier for the shared secret and clock skew
// allowance.
func NewVerifier(secret string, leeway time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &Verifier{secret: []byte(secret), leeway: leeway, now: time.Now}, nil
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *Verifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}

// WithRevocations wires an in-memory revocation check into the verifier.
func (v *Verifier) WithRevocations(checker RevocationChecker) {
	if v == nil {
		return
	}
	v.revocations = checker
}

// Verify parses and validates the token, returning the embedded Principal.
func (v *Verifier) Verify(token string) (*Principal, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrBadSignature
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway), jwt.WithTimeFunc(v.now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !parsed.Valid {
		return nil, ErrBadSignature
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, ErrBadSignature
	}

	if v.revocations != nil {
		revoked, err := v.revocations.Revoked(subject)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if revoked {
			return nil, ErrUnknown
		}
	}

	roles := make(map[string]struct{}, len(claims.Roles))
	for _, role := range claims.Roles {
		if name := strings.TrimSpace(role); name != "" {
			roles[name] = struct{}{}
		}
	}

	return &Principal{
		UserID:        subject,
		WalletAddress: strings.TrimSpace(claims.Wallet),
		Roles:         roles,
		ClanID:        strings.TrimSpace(claims.ClanID),
		Network:       strings.TrimSpace(claims.Network),
	}, nil
}

// VerifyWalletChallenge checks that the wallet signature matches the HMAC of
// the challenge material under the shared secret. The platform issues the
// challenge out of band; the hub only confirms possession.
func (v *Verifier) VerifyWalletChallenge(wallet, challenge, signature string) error {
	if v == nil || len(v.secret) == 0 {
		return errors.New("verifier not initialised")
	}
	wallet = strings.TrimSpace(wallet)
	signature = strings.TrimSpace(signature)
	if wallet == "" || signature == "" {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(wallet))
	mac.Write([]byte(":"))
	mac.Write([]byte(challenge))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrBadSignature
	}
	return nil
}
