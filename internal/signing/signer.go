// Package signing reproduces the SKPORT request signature: a canonical string
// of path, body, timestamp and a fixed-order header object, digested as
// hex(MD5(hex(HMAC-SHA256(secret, canonical)))).
package signing

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSignatureInput marks a malformed request description. It is a
	// programming error and is never retried.
	ErrSignatureInput = errors.New("signing: invalid signature input")
	// ErrNoSecret means the request must go out unsigned.
	ErrNoSecret = errors.New("signing: no secret")
)

const (
	KeyPlatform  = "platform"
	KeyTimestamp = "timestamp"
	KeyDeviceID  = "dId"
	KeyVersion   = "vName"

	// HeaderSign carries the digest.
	HeaderSign = "sign"
)

// HeaderOrder is the order in which header fields enter the canonical string.
var HeaderOrder = []string{KeyPlatform, KeyTimestamp, KeyDeviceID, KeyVersion}

// Request describes one outbound call. Build a new one per call; the
// timestamp is part of the signature.
type Request struct {
	Path      string
	Method    string
	Body      string
	Timestamp string
	Platform  string
	DeviceID  string
	Version   string
}

// NewRequest stamps the request with now as decimal seconds since epoch.
func NewRequest(method, path, body string, now time.Time, platform, version string) Request {
	return Request{
		Path:      path,
		Method:    method,
		Body:      body,
		Timestamp: strconv.FormatInt(now.Unix(), 10),
		Platform:  platform,
		Version:   version,
	}
}

func (r Request) validate() error {
	if r.Path == "" {
		return fmt.Errorf("%w: empty path", ErrSignatureInput)
	}
	if r.Method == "" {
		return fmt.Errorf("%w: empty method", ErrSignatureInput)
	}
	if r.Timestamp == "" {
		return fmt.Errorf("%w: empty timestamp", ErrSignatureInput)
	}
	for _, c := range r.Timestamp {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: timestamp %q is not decimal seconds", ErrSignatureInput, r.Timestamp)
		}
	}
	return nil
}

func (r Request) header(key string) string {
	switch key {
	case KeyPlatform:
		return r.Platform
	case KeyTimestamp:
		return r.Timestamp
	case KeyDeviceID:
		return r.DeviceID
	case KeyVersion:
		return r.Version
	}
	return ""
}

// Canonical returns the exact byte string that is signed.
// Empty header fields are left out of the header object, except the device
// id which is always present (as "" when unknown).
func Canonical(r Request) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(r.Path)
	if r.Method != http.MethodGet {
		b.WriteString(r.Body)
	}
	b.WriteString(r.Timestamp)

	b.WriteByte('{')
	first := true
	for _, key := range HeaderOrder {
		v := r.header(key)
		if v == "" && key != KeyDeviceID {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		writeJSONString(&b, key)
		b.WriteByte(':')
		writeJSONString(&b, v)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// Sign returns the 32 character hex digest. With an empty secret it returns
// ErrNoSecret and the caller must omit the sign header.
func Sign(r Request, secret string) (string, error) {
	canonical, err := Canonical(r)
	if err != nil {
		return "", err
	}
	if secret == "" {
		return "", ErrNoSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	// The upstream hashes the hex text of the HMAC, not its raw bytes.
	macHex := hex.EncodeToString(mac.Sum(nil))
	sum := md5.Sum([]byte(macHex))
	return hex.EncodeToString(sum[:]), nil
}

// Apply writes the signed header set onto h, preserving the upstream's
// header name casing. The sign header is omitted when secret is empty.
func Apply(h http.Header, r Request, secret string) error {
	digest, err := Sign(r, secret)
	if err != nil && !errors.Is(err, ErrNoSecret) {
		return err
	}
	set := func(k, v string) {
		if v != "" {
			h[k] = []string{v}
		}
	}
	set(KeyPlatform, r.Platform)
	set(KeyTimestamp, r.Timestamp)
	set(KeyDeviceID, r.DeviceID)
	set(KeyVersion, r.Version)
	set(HeaderSign, digest)
	return nil
}

// writeJSONString quotes s the way JSON.stringify does, which is what the
// upstream verifier hashes.
func writeJSONString(b *strings.Builder, s string) {
	const hexDigits = "0123456789abcdef"
	b.WriteByte('"')
	for _, c := range s {
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0xf])
				continue
			}
			b.WriteRune(c)
		}
	}
	b.WriteByte('"')
}
