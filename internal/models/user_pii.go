package models

import "time"

type Address struct {
	Street  string `bson:"street,omitempty" json:"street,omitempty"`
	City    string `bson:"city,omitempty" json:"city,omitempty"`
	State   string `bson:"state,omitempty" json:"state,omitempty"`
	ZipCode string `bson:"zip_code,omitempty" json:"zip_code,omitempty"`
}

func (a *Address) IsZero() bool {
	return a == nil || (a.Street == "" && a.City == "" && a.State == "" && a.ZipCode == "")
}

// UserPIIRecord is the plaintext form of a users document. It only exists
// in memory between the encrypted collection and the HTTP response.
type UserPIIRecord struct {
	UserID    string    `bson:"user_id" json:"user_id"`
	Email     string    `bson:"email" json:"email"`
	Phone     string    `bson:"phone" json:"phone"`
	SSN       string    `bson:"ssn,omitempty" json:"ssn,omitempty"`
	Address   *Address  `bson:"address,omitempty" json:"address,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// PIIPatch carries the fields of a partial update. Nil means unchanged.
type PIIPatch struct {
	Email   *string  `json:"email,omitempty"`
	Phone   *string  `json:"phone,omitempty"`
	SSN     *string  `json:"ssn,omitempty"`
	Address *Address `json:"address,omitempty"`
}

func (p PIIPatch) IsEmpty() bool {
	return p.Email == nil && p.Phone == nil && p.SSN == nil && p.Address == nil
}

// PIIView is the disclosed form of a record. SSN is set only for
// elevated readers.
type PIIView struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	SSN       string    `json:"ssn,omitempty"`
	Address   *Address  `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
