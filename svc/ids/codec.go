// Package ids maps the store's integer paste ids to short public slugs.
//
// The mapping is a keyed permutation of uint64 (multiply by a salt-derived odd
// constant, then xor a salt-derived mask) followed by base62 encoding padded
// to a fixed minimum length. Odd multipliers are invertible modulo 2^64, so
// every integer has exactly one slug and vice versa; the salt keeps slugs from
// revealing issue order.
package ids

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

const (
	alphabet   = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	base       = uint64(len(alphabet))
	minSlugLen = 6
	maxSlugLen = 11 // ceil(64 / log2(62))
)

var (
	ErrMalformedSlug = errors.New("malformed slug")
	ErrNegativeID    = errors.New("id must be non-negative")
)

var digitValue = func() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		t[alphabet[i]] = int8(i)
	}
	return t
}()

// Codec is safe for concurrent use.
type Codec struct {
	mul  uint64
	inv  uint64
	mask uint64
}

// NewCodec derives the permutation constants from salt. The same salt must be
// used for the lifetime of a store: changing it orphans every issued slug.
func NewCodec(salt []byte) (*Codec, error) {
	if len(salt) < 16 {
		return nil, errors.New("slug salt must be at least 16 bytes")
	}
	mul := derive(salt, "slug-multiplier-v1") | 1 // odd, hence invertible mod 2^64
	c := &Codec{
		mul:  mul,
		inv:  modInverse(mul),
		mask: derive(salt, "slug-mask-v1"),
	}
	return c, nil
}

// Encode returns the canonical slug for id.
func (c *Codec) Encode(id int64) (string, error) {
	if id < 0 {
		return "", ErrNegativeID
	}
	return c.encode((uint64(id) * c.mul) ^ c.mask), nil
}

// Decode reverses Encode. It rejects anything Encode cannot have produced:
// wrong length, foreign characters, non-canonical zero padding, or a value
// outside the signed id range.
func (c *Codec) Decode(slug string) (int64, error) {
	if len(slug) < minSlugLen || len(slug) > maxSlugLen {
		return 0, ErrMalformedSlug
	}
	var v uint64
	for i := 0; i < len(slug); i++ {
		d := digitValue[slug[i]]
		if d < 0 {
			return 0, ErrMalformedSlug
		}
		if v > (math.MaxUint64-uint64(d))/base {
			return 0, ErrMalformedSlug
		}
		v = v*base + uint64(d)
	}
	if c.encode(v) != slug {
		return 0, ErrMalformedSlug
	}
	id := (v ^ c.mask) * c.inv
	if id > math.MaxInt64 {
		return 0, ErrMalformedSlug
	}
	return int64(id), nil
}

func (c *Codec) encode(v uint64) string {
	var buf [maxSlugLen]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = alphabet[v%base]
		v /= base
	}
	for len(buf)-i < minSlugLen {
		i--
		buf[i] = alphabet[0]
	}
	return string(buf[i:])
}

func derive(salt []byte, label string) uint64 {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(label))
	return binary.BigEndian.Uint64(mac.Sum(nil))
}

// modInverse computes a^-1 mod 2^64 for odd a via Newton's method; five
// iterations double the correct bits from 5 past 64.
func modInverse(a uint64) uint64 {
	x := a // correct to 5 bits for odd a
	for i := 0; i < 5; i++ {
		x *= 2 - a*x
	}
	return x
}
