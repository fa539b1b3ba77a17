package models

import (
	"time"

	"github.com/google/uuid"
)

const DataKeyStatusActive = 0

// MasterKey identifies the KMS master key that wraps a data key.
type MasterKey struct {
	Provider string `bson:"provider" json:"provider"`
	Key      string `bson:"key,omitempty" json:"key,omitempty"`
	Region   string `bson:"region,omitempty" json:"region,omitempty"`
}

// DataEncryptionKey is one document of the key vault. KeyMaterial is the
// data key wrapped by the master key; the plaintext is never persisted.
type DataEncryptionKey struct {
	ID          uuid.UUID `bson:"-" json:"id"`
	AltNames    []string  `bson:"keyAltNames" json:"key_alt_names"`
	KeyMaterial []byte    `bson:"keyMaterial" json:"-"`
	MasterKey   MasterKey `bson:"masterKey" json:"master_key"`
	Status      int       `bson:"status" json:"status"`
	CreatedAt   time.Time `bson:"creationDate" json:"created_at"`
	UpdatedAt   time.Time `bson:"updateDate" json:"updated_at"`
}

// HasAltName reports whether the key is registered under name.
func (k *DataEncryptionKey) HasAltName(name string) bool {
	for _, alt := range k.AltNames {
		if alt == name {
			return true
		}
	}
	return false
}
