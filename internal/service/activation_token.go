package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"accounts/internal/domain"
)

const (
	activationTokenSalt       = "accounts.activation"
	defaultActivationTokenTTL = 72 * time.Hour
)

var ErrTokenSecretRequired = errors.New("activation token secret is required")

// ActivationTokenGenerator emite y valida tokens de activacion sin estado.
// El MAC incluye IsActive, asi que un token deja de ser valido en cuanto la
// cuenta se activa.
type ActivationTokenGenerator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewActivationTokenGenerator(secret string, ttl time.Duration) (*ActivationTokenGenerator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrTokenSecretRequired
	}
	if ttl <= 0 {
		ttl = defaultActivationTokenTTL
	}
	return &ActivationTokenGenerator{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Make devuelve un token "<ts base36>-<hmac hex>" para el estado actual del usuario.
func (g *ActivationTokenGenerator) Make(user domain.User) string {
	return g.makeAt(user, g.now().UTC().Unix())
}

// Check recalcula el token para el estado actual del usuario y verifica
// que no haya expirado. Un token mal formado siempre devuelve false.
func (g *ActivationTokenGenerator) Check(user domain.User, token string) bool {
	if user.ID == "" || token == "" {
		return false
	}
	tsPart, macPart, ok := strings.Cut(token, "-")
	if !ok || tsPart == "" || macPart == "" {
		return false
	}
	ts, err := strconv.ParseInt(tsPart, 36, 64)
	if err != nil || ts < 0 {
		return false
	}
	if _, err := hex.DecodeString(macPart); err != nil {
		return false
	}

	expected := g.makeAt(user, ts)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return false
	}

	issuedAt := time.Unix(ts, 0)
	age := g.now().UTC().Sub(issuedAt)
	if age < 0 || age > g.ttl {
		return false
	}
	return true
}

func (g *ActivationTokenGenerator) makeAt(user domain.User, ts int64) string {
	tsPart := strconv.FormatInt(ts, 36)
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(activationTokenSalt))
	mac.Write([]byte{0})
	mac.Write([]byte(user.ID))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatBool(user.IsActive)))
	mac.Write([]byte{0})
	mac.Write([]byte(tsPart))
	return tsPart + "-" + hex.EncodeToString(mac.Sum(nil))
}
