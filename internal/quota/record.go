// Package quota tracks per API key query allowances and their usage.
package quota

import (
	"errors"

	"github.com/goccy/go-json"
)

// Unlimited is the Quota value of a key that is never throttled.
const Unlimited int64 = -1

var (
	ErrNotFound            = errors.New("quota record not found")
	ErrExists              = errors.New("identifier already has a quota record")
	ErrKeyInUse            = errors.New("api key already in use")
	ErrIdentifierImmutable = errors.New("identifier cannot be changed")
	ErrConflict            = errors.New("quota record changed concurrently")
	ErrTransient           = errors.New("quota ledger temporarily unavailable")
	ErrInvalid             = errors.New("invalid quota record")
)

// Record is the ledger entry of one API key.
type Record struct {
	Identifier string
	Key        string
	Quota      int64
	Used       int64
}

// Remaining returns the units left, or Unlimited.
func (r Record) Remaining() int64 {
	if r.Quota == Unlimited {
		return Unlimited
	}
	if rem := r.Quota - r.Used; rem > 0 {
		return rem
	}
	return 0
}

// WouldExceed reports whether charging units would take the record past its quota.
func WouldExceed(r Record, units int64) bool {
	return r.Quota != Unlimited && r.Used+units > r.Quota
}

func (r Record) validate() error {
	switch {
	case r.Identifier == "":
		return errors.New("empty identifier")
	case r.Key == "":
		return errors.New("empty key")
	case r.Quota < Unlimited:
		return errors.New("quota must be -1 or non-negative")
	case r.Used < 0:
		return errors.New("used must be non-negative")
	case r.Quota != Unlimited && r.Used > r.Quota:
		return errors.New("used exceeds quota")
	}
	return nil
}

// document is the stored shape of a record.
type document struct {
	Identifier string `json:"Identifier"`
	API        struct {
		Key   string `json:"Key"`
		Quota int64  `json:"Quota"`
		Used  int64  `json:"Used"`
	} `json:"API"`
}

func encode(r Record) ([]byte, error) {
	var d document
	d.Identifier = r.Identifier
	d.API.Key, d.API.Quota, d.API.Used = r.Key, r.Quota, r.Used
	return json.Marshal(d)
}

func decode(b []byte) (Record, error) {
	var d document
	if err := json.Unmarshal(b, &d); err != nil {
		return Record{}, err
	}
	return Record{Identifier: d.Identifier, Key: d.API.Key, Quota: d.API.Quota, Used: d.API.Used}, nil
}
