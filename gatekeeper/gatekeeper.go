// Package gatekeeper is the authorization gatekeeper: an ordered rule table
// matched against inbound method+path, each rule requiring either a bearer
// JWT or a bcrypt-checked operator secret — a single table-driven check any
// transport layer can consult before running a handler.
package gatekeeper

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Requirement is what a matching Rule demands of a request.
type Requirement int

const (
	// RequireNone lets the request through unchecked.
	RequireNone Requirement = iota
	// RequireBearer demands a valid "Authorization: Bearer <jwt>" header.
	RequireBearer
	// RequireOperatorSecret demands a bcrypt-matching shared secret, sent
	// as a plain header value (e.g. an operator/admin console).
	RequireOperatorSecret
)

// Rule matches a method + path pattern (path.Match syntax, e.g. "/admin/*")
// against one Requirement. Rules are evaluated in order; the first match
// wins.
type Rule struct {
	Method      string // "" matches any method
	PathPattern string
	Require     Requirement
}

// Claims is the JWT payload a bearer token must carry.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Gatekeeper holds the ordered rule table plus the secrets needed to check
// bearer tokens and operator secrets.
type Gatekeeper struct {
	rules          []Rule
	jwtSecret      []byte
	operatorHashes [][]byte
	now            func() time.Time
}

// New builds a Gatekeeper. operatorHashes are bcrypt hashes (from
// HashOperatorSecret), any of which satisfies RequireOperatorSecret.
func New(rules []Rule, jwtSecret []byte, operatorHashes [][]byte) *Gatekeeper {
	return &Gatekeeper{
		rules:          rules,
		jwtSecret:      jwtSecret,
		operatorHashes: operatorHashes,
		now:            time.Now,
	}
}

// HashOperatorSecret bcrypt-hashes a plaintext operator secret for storage.
func HashOperatorSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ErrDenied is returned by Check when no credential satisfies the matched
// rule.
var ErrDenied = errors.New("gatekeeper: access denied")

// Check matches method+urlPath against the rule table and validates
// whatever credential the matched rule requires. bearerToken and
// operatorSecret are the raw values pulled from the request (empty string
// if absent); only the one the matched rule actually needs is consulted.
//
// Returns the bearer token's claims when RequireBearer is satisfied, nil
// otherwise.
func (g *Gatekeeper) Check(method, urlPath, bearerToken, operatorSecret string) (*Claims, error) {
	rule, ok := g.match(method, urlPath)
	if !ok || rule.Require == RequireNone {
		return nil, nil
	}

	switch rule.Require {
	case RequireBearer:
		return g.checkBearer(bearerToken)
	case RequireOperatorSecret:
		return nil, g.checkOperatorSecret(operatorSecret)
	default:
		return nil, nil
	}
}

func (g *Gatekeeper) match(method, urlPath string) (Rule, bool) {
	for _, r := range g.rules {
		if r.Method != "" && !strings.EqualFold(r.Method, method) {
			continue
		}
		if matched, _ := path.Match(r.PathPattern, urlPath); matched {
			return r, true
		}
	}
	return Rule{}, false
}

func (g *Gatekeeper) checkBearer(raw string) (*Claims, error) {
	raw = strings.TrimPrefix(raw, "Bearer ")
	if raw == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrDenied)
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDenied, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", ErrDenied)
	}
	return claims, nil
}

func (g *Gatekeeper) checkOperatorSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: missing operator secret", ErrDenied)
	}
	for _, hash := range g.operatorHashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: operator secret mismatch", ErrDenied)
}

// IssueBearer mints a signed HS256 JWT for role, valid for ttl.
func (g *Gatekeeper) IssueBearer(role string, ttl time.Duration) (string, error) {
	now := g.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.jwtSecret)
}
