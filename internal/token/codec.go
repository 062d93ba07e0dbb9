// Package token mints and verifies the tamper-evident attendance tokens embedded in QR codes.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/hkdf"
)

// ErrInvalid is returned for any token that fails structure, parse or digest checks.
var ErrInvalid = errors.New("invalid token")

const keyInfo = "qr-attendance-token"

// Claims are the verified contents of a token.
type Claims struct {
	SessionID string
	ExpiresAt time.Time
}

type payload struct {
	SessionID string `json:"sid"`
	Expiry    int64  `json:"exp"`
}

// Codec holds a MAC key derived from the shared secret.
type Codec struct {
	key []byte
}

// NewCodec derives the MAC key from secret with HKDF-SHA256.
func NewCodec(secret string) *Codec {
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails once more than 255*HashLen bytes are read
		panic("token: hkdf: " + err.Error())
	}
	return &Codec{key: key}
}

// Mint is a convenience wrapper around NewCodec(secret).Mint.
func Mint(sessionID string, expiresAt time.Time, secret string) (string, error) {
	return NewCodec(secret).Mint(sessionID, expiresAt)
}

// Verify is a convenience wrapper around NewCodec(secret).Verify.
func Verify(tok, secret string) (Claims, error) {
	return NewCodec(secret).Verify(tok)
}

// Mint builds the token for sessionID expiring at expiresAt (second resolution).
// The same inputs always produce the same token.
func (c *Codec) Mint(sessionID string, expiresAt time.Time) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id required")
	}
	if !utf8.ValidString(sessionID) {
		return "", errors.New("session id must be valid UTF-8")
	}
	exp := expiresAt.Unix()
	if exp <= 0 {
		return "", errors.New("expiry must be after the Unix epoch")
	}
	body, err := json.Marshal(payload{SessionID: sessionID, Expiry: exp})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(body) + "." + c.digest(sessionID, exp), nil
}

// Verify checks the token digest and returns its claims. Expiry is not enforced here.
func (c *Codec) Verify(tok string) (Claims, error) {
	encoded, sum, ok := strings.Cut(strings.TrimSpace(tok), ".")
	if !ok || encoded == "" || sum == "" || strings.Contains(sum, ".") {
		return Claims{}, ErrInvalid
	}
	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ErrInvalid
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Claims{}, ErrInvalid
	}
	if p.SessionID == "" || p.Expiry <= 0 {
		return Claims{}, ErrInvalid
	}
	want := c.digest(p.SessionID, p.Expiry)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sum)) != 1 {
		return Claims{}, ErrInvalid
	}
	return Claims{SessionID: p.SessionID, ExpiresAt: time.Unix(p.Expiry, 0).UTC()}, nil
}

func (c *Codec) digest(sessionID string, exp int64) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(sessionID))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
