package util

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// IPHasher produces one-way client-address hashes for abuse tracking. The
// hashing key is derived per epoch from a long-lived pepper, so hashes from
// different rotation windows cannot be correlated while hashes within a
// window still collide for the same client.
type IPHasher struct {
	pepper           []byte
	rotationInterval time.Duration
}

func NewIPHasher(pepper []byte, rotationInterval time.Duration) (*IPHasher, error) {
	if len(pepper) < 32 || len(pepper) > 64 {
		return nil, errors.New("ip hash pepper must be 32 to 64 bytes")
	}
	if rotationInterval < 15*time.Minute {
		return nil, errors.New("ip hash rotation interval must be at least 15 minutes")
	}
	h := &IPHasher{
		pepper:           append([]byte(nil), pepper...),
		rotationInterval: rotationInterval,
	}
	return h, nil
}

// HashIP returns "b2b:<epoch>:<hex>" for the current epoch.
func (h *IPHasher) HashIP(ip string) (string, error) {
	epoch := h.epoch(time.Now())
	sum, err := h.hashWithEpoch(ip, epoch)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("b2b:%d:%s", epoch, sum), nil
}

// Matches reports whether hashStr was produced for ip in the current or an
// adjacent epoch, tolerating rotation races.
func (h *IPHasher) Matches(ip, hashStr string) (bool, error) {
	epoch := h.epoch(time.Now())
	for _, e := range []int64{epoch, epoch - 1, epoch + 1} {
		sum, err := h.hashWithEpoch(ip, e)
		if err != nil {
			return false, err
		}
		if fmt.Sprintf("b2b:%d:%s", e, sum) == hashStr {
			return true, nil
		}
	}
	return false, nil
}

func (h *IPHasher) epoch(t time.Time) int64 {
	return t.Unix() / int64(h.rotationInterval.Seconds())
}

func (h *IPHasher) hashWithEpoch(ip string, epoch int64) (string, error) {
	key, err := h.deriveKey(epoch)
	if err != nil {
		return "", err
	}
	mac, err := blake2b.New256(key)
	if err != nil {
		return "", errors.Wrap(err, "init keyed hash")
	}
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (h *IPHasher) deriveKey(epoch int64) ([]byte, error) {
	kdf, err := blake2b.New256(h.pepper)
	if err != nil {
		return nil, errors.Wrap(err, "init key derivation")
	}
	fmt.Fprintf(kdf, "ip-hasher-v1:%d", epoch)
	return kdf.Sum(nil), nil
}
