// Package qr renders session tokens as QR code images.
package qr

import (
	"errors"
	"net/url"

	"github.com/skip2/go-qrcode"
)

// DefaultSize is the edge length in pixels used when none is given.
const DefaultSize = 256

const maxSize = 1024

// Render encodes content as a PNG at Medium recovery level.
func Render(content string, size int) ([]byte, error) {
	if content == "" {
		return nil, errors.New("qr: empty content")
	}
	if size <= 0 {
		size = DefaultSize
	}
	if size > maxSize {
		size = maxSize
	}
	return qrcode.Encode(content, qrcode.Medium, size)
}

// Content returns what the QR code should carry: the bare token, or a scan URL
// with the token in its query when baseURL is set.
func Content(baseURL, token string) (string, error) {
	if baseURL == "" {
		return token, nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
