// Package events defines the domain events exchanged between services.
package events

import (
	"errors"
	"fmt"
	"strconv"
)

// TopicUserModified carries the full current state of a user after any
// authoritative change.
const TopicUserModified = "UserModified"

type UserStatus string

const (
	StatusActive   UserStatus = "ACTIVE"
	StatusInactive UserStatus = "INACTIVE"
)

func (s UserStatus) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// UserModified is a full snapshot of a user, not a diff. Consumers may
// overwrite their copy wholesale.
type UserModified struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	HashedRT  *string    `json:"hashedRt"`
	Status    UserStatus `json:"status"`
	UpdatedAt Timestamp  `json:"updatedAt"`
}

// ReferenceID returns the numeric id of the user in the authoritative store.
func (e UserModified) ReferenceID() (int64, error) {
	id, err := strconv.ParseInt(e.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("reference id %q: %w", e.ID, err)
	}
	return id, nil
}

// Validate reports every problem with the payload at once.
func (e UserModified) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("id is required"))
	} else if _, err := e.ReferenceID(); err != nil {
		errs = append(errs, err)
	}
	if e.Email == "" {
		errs = append(errs, errors.New("email is required"))
	}
	if !e.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown status %q", e.Status))
	}
	return errors.Join(errs...)
}
