package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	BinarySubtypeUUID      byte = 0x04
	BinarySubtypeEncrypted byte = 0x06

	bsonTypeString byte = 0x02

	dataKeyLength = 32
	headerLength  = 1 + 16 + 1
	nonceLength   = 12
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrMalformedBlob    = errors.New("malformed ciphertext envelope")
)

var hkdfInfo = []byte("paypollen field encryption v1")

// DataKey is an unwrapped data-encryption key. The plaintext material never
// leaves memory; only the derived subkeys are kept.
type DataKey struct {
	ID      uuid.UUID
	AltName string

	encKey []byte
	macKey []byte
}

// NewDataKey derives the AEAD key and the deterministic-nonce MAC key from
// 32 bytes of key material.
func NewDataKey(id uuid.UUID, altName string, material []byte) (*DataKey, error) {
	if len(material) != dataKeyLength {
		return nil, fmt.Errorf("data key %s: expected %d bytes of key material, got %d", id, dataKeyLength, len(material))
	}

	derived := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, id[:], hkdfInfo), derived); err != nil {
		return nil, fmt.Errorf("data key %s: derive subkeys: %w", id, err)
	}

	return &DataKey{
		ID:      id,
		AltName: altName,
		encKey:  derived[:32],
		macKey:  derived[32:],
	}, nil
}

// seal produces header || nonce || AES-256-GCM(plaintext). The header and
// the field path are authenticated as associated data.
func (k *DataKey) seal(algorithm Algorithm, path string, plaintext []byte) ([]byte, error) {
	gcm, err := k.aead()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	header := make([]byte, 0, headerLength)
	header = append(header, byte(algorithm))
	header = append(header, k.ID[:]...)
	header = append(header, bsonTypeString)

	var nonce []byte
	switch algorithm {
	case AlgorithmDeterministic:
		mac := hmac.New(sha256.New, k.macKey)
		mac.Write([]byte(path))
		mac.Write([]byte{0})
		mac.Write(plaintext)
		nonce = mac.Sum(nil)[:nonceLength]
	case AlgorithmRandom:
		nonce = make([]byte, nonceLength)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrEncryptionFailed, algorithm)
	}

	blob := make([]byte, 0, headerLength+nonceLength+len(plaintext)+gcm.Overhead())
	blob = append(blob, header...)
	blob = append(blob, nonce...)
	return gcm.Seal(blob, nonce, plaintext, associatedData(header, path)), nil
}

func (k *DataKey) open(blob []byte, path string) ([]byte, error) {
	if len(blob) < headerLength+nonceLength {
		return nil, ErrMalformedBlob
	}
	gcm, err := k.aead()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	header := blob[:headerLength]
	nonce := blob[headerLength : headerLength+nonceLength]
	plaintext, err := gcm.Open(nil, nonce, blob[headerLength+nonceLength:], associatedData(header, path))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecryptionFailed, path, err)
	}
	return plaintext, nil
}

func (k *DataKey) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.encKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func associatedData(header []byte, path string) []byte {
	aad := make([]byte, 0, len(header)+len(path))
	aad = append(aad, header...)
	return append(aad, path...)
}

// parseHeader reads the algorithm and key id from an envelope.
func parseHeader(blob []byte) (Algorithm, uuid.UUID, error) {
	if len(blob) < headerLength+nonceLength {
		return 0, uuid.Nil, ErrMalformedBlob
	}
	algorithm := Algorithm(blob[0])
	if !algorithm.valid() {
		return 0, uuid.Nil, fmt.Errorf("%w: unknown algorithm %d", ErrMalformedBlob, blob[0])
	}
	if blob[headerLength-1] != bsonTypeString {
		return 0, uuid.Nil, fmt.Errorf("%w: unsupported original type 0x%02x", ErrMalformedBlob, blob[headerLength-1])
	}
	id, err := uuid.FromBytes(blob[1:17])
	if err != nil {
		return 0, uuid.Nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	return algorithm, id, nil
}
