package githubapp

import (
	"crypto/rsa"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AppAuth signs the short-lived App JWTs that GitHub exchanges for
// installation access tokens.
type AppAuth struct {
	appID int64
	key   *rsa.PrivateKey
}

// NewAppAuth parses the App private key, either from the PEM body or, when
// empty, from keyPath.
func NewAppAuth(appID int64, keyPEM string, keyPath string) (*AppAuth, error) {
	if keyPEM == "" && keyPath != "" {
		raw, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read github app private key: %w", err)
		}
		keyPEM = string(raw)
	}
	if keyPEM == "" {
		return nil, fmt.Errorf("github app private key not configured")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse github app private key: %w", err)
	}
	return &AppAuth{appID: appID, key: key}, nil
}

// AppJWT signs a token valid for ten minutes. The issued-at is backdated a
// minute to absorb clock drift between us and GitHub.
func (a *AppAuth) AppJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    strconv.FormatInt(a.appID, 10),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
}
