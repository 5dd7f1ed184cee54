// Package yubico validates Yubikey one-time passwords in Yubico OTP mode.
//
// Validation is local: the token is decrypted with the key's AES secret, its
// CRC and private identity are checked and its counters must advance past
// the last accepted OTP for the same key. When API credentials are
// configured the OTP is additionally confirmed with the YubiCloud validation
// service.
package yubico

import (
	"context"
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/jmcleod/authgate/internal/secret"
)

const (
	tokenLen    = 32
	maxOTPLen   = 48
	aesKeyLen   = 16
	uidLen      = 6
	crcResidual = 0xf0b8
)

var (
	ErrFormat     = errors.New("malformed OTP")
	ErrCRC        = errors.New("OTP checksum mismatch")
	ErrPrivateUID = errors.New("OTP private identity mismatch")
	ErrReplay     = errors.New("OTP replayed")
	ErrCloud      = errors.New("OTP rejected by validation server")
)

// Result is a decrypted, accepted OTP.
type Result struct {
	PublicID       string
	PrivateUID     string
	UseCounter     uint16
	SessionCounter uint8
	Timestamp      uint32
}

// counter orders OTPs from one key. The use counter is persisted by the key
// across power cycles; the session counter increments within one.
func (r Result) counter() uint32 {
	return uint32(r.UseCounter)<<8 | uint32(r.SessionCounter)
}

// Config configures a Validator.
type Config struct {
	// AESKey is the 16-byte key secret, required.
	AESKey *secret.Secret
	// PrivateUID is the hex encoded 6-byte private identity. Empty skips the check.
	PrivateUID string
	// Cloud, when non-nil, confirms OTPs with YubiCloud.
	Cloud *CloudClient
}

// Validator checks OTPs. It is safe for concurrent use.
type Validator struct {
	aesKey     *secret.Secret
	privateUID []byte
	cloud      *CloudClient

	mu       sync.Mutex
	counters map[string]uint32
}

// New returns a Validator.
func New(cfg Config) (*Validator, error) {
	if cfg.AESKey.Empty() {
		return nil, errors.New("yubikey AES key is required")
	}
	err := cfg.AESKey.Use(func(k []byte) error {
		if len(k) != aesKeyLen {
			return fmt.Errorf("yubikey AES key must be %d bytes, got %d", aesKeyLen, len(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	v := &Validator{
		aesKey:   cfg.AESKey,
		cloud:    cfg.Cloud,
		counters: make(map[string]uint32),
	}
	if cfg.PrivateUID != "" {
		uid, err := hex.DecodeString(cfg.PrivateUID)
		if err != nil || len(uid) != uidLen {
			return nil, fmt.Errorf("yubikey private UID must be %d hex encoded bytes", uidLen)
		}
		v.privateUID = uid
	}
	return v, nil
}

// Validate checks otp and records its counter. A given OTP is accepted at
// most once.
func (v *Validator) Validate(ctx context.Context, otp string) (*Result, error) {
	res, err := v.decrypt(otp)
	if err != nil {
		return nil, err
	}

	if !v.fresh(res) {
		return nil, ErrReplay
	}
	if v.cloud != nil {
		if err := v.cloud.Verify(ctx, otp); err != nil {
			return nil, err
		}
	}
	if !v.commit(res) {
		return nil, ErrReplay
	}
	return res, nil
}

func (v *Validator) decrypt(otp string) (*Result, error) {
	if len(otp) <= tokenLen || len(otp) > maxOTPLen {
		return nil, ErrFormat
	}
	publicID := otp[:len(otp)-tokenLen]
	if _, err := DecodeModhex(publicID); err != nil {
		return nil, ErrFormat
	}
	token, err := DecodeModhex(otp[len(otp)-tokenLen:])
	if err != nil {
		return nil, ErrFormat
	}

	plain := make([]byte, aes.BlockSize)
	err = v.aesKey.Use(func(k []byte) error {
		block, err := aes.NewCipher(k)
		if err != nil {
			return err
		}
		block.Decrypt(plain, token)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decrypting OTP: %w", err)
	}

	if crc16(plain) != crcResidual {
		return nil, ErrCRC
	}
	uid := plain[:uidLen]
	if v.privateUID != nil && subtle.ConstantTimeCompare(uid, v.privateUID) != 1 {
		return nil, ErrPrivateUID
	}
	return &Result{
		PublicID:       publicID,
		PrivateUID:     hex.EncodeToString(uid),
		UseCounter:     binary.LittleEndian.Uint16(plain[6:8]),
		Timestamp:      uint32(plain[8]) | uint32(plain[9])<<8 | uint32(plain[10])<<16,
		SessionCounter: plain[11],
	}, nil
}

func (v *Validator) fresh(res *Result) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	last, seen := v.counters[res.PublicID]
	return !seen || res.counter() > last
}

func (v *Validator) commit(res *Result) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	last, seen := v.counters[res.PublicID]
	if seen && res.counter() <= last {
		return false
	}
	v.counters[res.PublicID] = res.counter()
	return true
}

// crc16 is the ISO 13239 CRC used by Yubico OTP. Over a whole valid token it
// yields the fixed residual 0xf0b8.
func crc16(data []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			lsb := crc & 1
			crc >>= 1
			if lsb != 0 {
				crc ^= 0x8408
			}
		}
	}
	return crc
}
