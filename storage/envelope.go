package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/jmcleod/authgate/internal/util"
)

const (
	envelopeVer    = 1
	envelopeScheme = "aes256gcm"
	aadRecord      = "AUTHGATE-RECORD"
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      append([]byte(nil), e.Nonce...),
		Ciphertext: append([]byte(nil), e.Ciphertext...),
		Version:    e.Version,
	}
}

// AADRecord binds a ciphertext to its storage address so an envelope cannot
// be replayed under another record.
func AADRecord(recordType, recordID string) []byte {
	var res []byte
	for _, part := range []string{aadRecord, recordType, recordID} {
		res = binary.BigEndian.AppendUint32(res, uint32(len(part)))
		res = append(res, part...)
	}
	return binary.BigEndian.AppendUint32(res, envelopeVer)
}

// SealRecord encrypts plaintext for (recordType, recordID) with the given
// record key. version is stored unencrypted for CAS.
func SealRecord(recordKey []byte, recordType, recordID string, plaintext []byte, version uint64) (*Envelope, error) {
	sealed, err := util.SealGCM(plaintext, recordKey, AADRecord(recordType, recordID))
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        envelopeVer,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:util.GCMNonceSize],
		Ciphertext: sealed[util.GCMNonceSize:],
		Version:    version,
	}, nil
}

// OpenRecord decrypts an Envelope previously sealed for (recordType, recordID).
func OpenRecord(recordKey []byte, recordType, recordID string, envelope *Envelope) ([]byte, error) {
	if envelope.Ver != envelopeVer {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	full := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(full, envelope.Nonce)
	copy(full[len(envelope.Nonce):], envelope.Ciphertext)

	return util.OpenGCM(full, recordKey, AADRecord(recordType, recordID))
}
