package storage

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/psalmprax/ettametta/config"
)

// LocalSigner produces expiring signed URLs for locally served outputs, the
// same gate shape presigned object-store URLs give us in the cloud path.
type LocalSigner struct {
	// base URL of the static file server fronting the outputs directory
	Prefix string
	key    []byte
}

func NewLocalSigner(prefix string, secrets config.SecretResolver) *LocalSigner {
	key := secrets.Resolve(config.SecretLocalURLSignKey)
	if prefix == "" || key == "" {
		return nil
	}
	return &LocalSigner{Prefix: prefix, key: []byte(key)}
}

func (s *LocalSigner) SignPath(localPath string) (string, error) {
	name := filepath.Base(localPath)
	claims := jwt.RegisteredClaims{
		Subject:   name,
		ExpiresAt: jwt.NewNumericDate(config.Clock.GetTime().Add(config.PresignDuration)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing local URL: %w", err)
	}
	return fmt.Sprintf("%s/%s?token=%s", s.Prefix, url.PathEscape(name), token), nil
}

// Verify checks a token produced by SignPath against the object name.
func (s *LocalSigner) Verify(name, tokenString string) error {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return err
	}
	if !token.Valid || claims.Subject != name {
		return fmt.Errorf("token does not match object")
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.Before(time.Now()) {
		return fmt.Errorf("token expired")
	}
	return nil
}
