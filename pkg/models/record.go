package models

import "fmt"

// Record is a single user entry. ID is assigned by the authority and never
// changes; Name is the only field a client edits.
type Record struct {
	ID   int64  `json:"id" cbor:"id"`
	Name string `json:"name" cbor:"name"`
}

func (r Record) String() string {
	return fmt.Sprintf("%d:%s", r.ID, r.Name)
}

// WithName returns a copy of r carrying the given name.
func (r Record) WithName(name string) Record {
	r.Name = name
	return r
}
