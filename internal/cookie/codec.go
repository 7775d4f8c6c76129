// Package cookie encodes and decodes the session cookie value.
//
// codec.go -- Versioned, authenticated-encrypted cookie payloads.
//
// Two wire formats are understood:
//
//	v0  raw hex token, no envelope. Decoded for old clients, never written.
//	v1  "v1." + base64url(nonce || XChaCha20-Poly1305(JSON payload))
//
// Decode never returns an error. Anything malformed, tampered with or
// encrypted under another secret comes back as "no cookie".
package cookie

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	v1Prefix = "v1."

	// maxCookieLen bounds work done on attacker-supplied values.
	maxCookieLen = 4096

	// TokenHexLen is the length of a hex-encoded 32-byte session token.
	TokenHexLen = 64
	// legacyShortHexLen is the 16-byte token length older clients still carry.
	legacyShortHexLen = 32
)

// b64 rejects non-canonical encodings, so flipping unused trailing bits is detected too.
var b64 = base64.RawURLEncoding.Strict()

// hkdfInfo binds derived keys to this use so the secret can be shared with other derivations.
var hkdfInfo = []byte("portcullis session cookie v1")

// ErrUnencodable is returned by Encode for payloads that are never written, such as Legacy.
var ErrUnencodable = errors.New("payload cannot be encoded")

// Payload is a decoded cookie: either Legacy or Structured.
type Payload interface {
	// RawToken returns the unhashed session token carried by the cookie.
	RawToken() string
	isPayload()
}

// Legacy is a v0 cookie: only the raw token, no user binding.
type Legacy struct {
	Token string
}

// Structured is a v1 cookie. IssuedAt has second precision.
type Structured struct {
	UserID     int64
	Token      string
	TrustLevel int
	IssuedAt   time.Time
}

func (l Legacy) RawToken() string     { return l.Token }
func (s Structured) RawToken() string { return s.Token }
func (Legacy) isPayload()             {}
func (Structured) isPayload()         {}

// wirePayload is the JSON sealed inside a v1 cookie. Short keys keep cookies small.
type wirePayload struct {
	UserID     int64  `json:"u"`
	Token      string `json:"t"`
	TrustLevel int    `json:"tl"`
	IssuedAt   int64  `json:"iat"`
}

// Codec encodes and decodes cookie values for one cookie name.
// Safe for concurrent use.
type Codec struct {
	aead        cipher.AEAD
	ad          []byte
	allowLegacy bool
}

// NewCodec derives the cookie key from secret with HKDF-SHA256.
// cookieName is bound into every ciphertext, so a value cannot be replayed under another cookie.
func NewCodec(secret []byte, cookieName string, allowLegacy bool) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("cookie secret is empty")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("deriving cookie key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cookie cipher: %w", err)
	}
	return &Codec{
		aead:        aead,
		ad:          []byte(cookieName + "|" + v1Prefix),
		allowLegacy: allowLegacy,
	}, nil
}

// Encode seals p into a v1 cookie value. Only Structured payloads are encodable.
func (c *Codec) Encode(p Payload) (string, error) {
	s, ok := p.(Structured)
	if !ok {
		return "", ErrUnencodable
	}
	w := wirePayload{
		UserID:     s.UserID,
		Token:      s.Token,
		TrustLevel: s.TrustLevel,
		IssuedAt:   s.IssuedAt.Unix(),
	}
	if !w.valid() {
		return "", fmt.Errorf("%w: invalid structured payload", ErrUnencodable)
	}
	plain, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("marshaling cookie payload: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating cookie nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, c.ad)
	return v1Prefix + b64.EncodeToString(sealed), nil
}

// Decode parses a cookie value. ok is false for anything that is not a valid cookie.
func (c *Codec) Decode(value string) (p Payload, ok bool) {
	if value == "" || len(value) > maxCookieLen {
		return nil, false
	}
	if rest, found := strings.CutPrefix(value, v1Prefix); found {
		return c.decodeV1(rest)
	}
	if c.allowLegacy && isLegacyToken(value) {
		return Legacy{Token: value}, true
	}
	return nil, false
}

func (c *Codec) decodeV1(body string) (Payload, bool) {
	sealed, err := b64.DecodeString(body)
	if err != nil {
		return nil, false
	}
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return nil, false
	}
	plain, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], c.ad)
	if err != nil {
		return nil, false
	}
	var w wirePayload
	if err := json.Unmarshal(plain, &w); err != nil || !w.valid() {
		return nil, false
	}
	return Structured{
		UserID:     w.UserID,
		Token:      w.Token,
		TrustLevel: w.TrustLevel,
		IssuedAt:   time.Unix(w.IssuedAt, 0).UTC(),
	}, true
}

func (w wirePayload) valid() bool {
	return w.UserID > 0 && w.IssuedAt > 0 && w.TrustLevel >= 0 &&
		len(w.Token) == TokenHexLen && isLowerHex(w.Token)
}

func isLegacyToken(s string) bool {
	return (len(s) == TokenHexLen || len(s) == legacyShortHexLen) && isLowerHex(s)
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if (b < '0' || b > '9') && (b < 'a' || b > 'f') {
			return false
		}
	}
	return true
}

// NewToken returns a fresh 256-bit session token, hex-encoded.
func NewToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating token with rand: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// HashToken returns the hex SHA-256 of a raw token. Only hashes are persisted.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
