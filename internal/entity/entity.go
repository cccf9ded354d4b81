// Package entity defines the closed set of entity kinds held in the graph and
// the factory that turns a stored type code plus attribute values into a
// concrete entity.
package entity

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Key identifies one persisted entity.
type Key struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

func (k Key) String() string {
	return k.Type + ":" + strconv.FormatInt(k.ID, 10)
}

// ParseKey parses the "type:id" form produced by Key.String.
func ParseKey(s string) (Key, error) {
	code, id, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("invalid entity key %q", s)
	}
	if _, err := Lookup(code); err != nil {
		return Key{}, err
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("invalid entity id in %q: %w", s, err)
	}
	return Key{Type: code, ID: n}, nil
}

// Entity is implemented only by the kinds in this package.
type Entity interface {
	Key() Key
	isEntity()
}

type Account struct {
	ID         int64      `attr:"id" json:"id"`
	Name       string     `attr:"name" json:"name"`
	OwnerID    *int64     `attr:"owner_id" json:"owner_id,omitempty"`
	ExpireDate *time.Time `attr:"expire_date" json:"expire_date,omitempty"`
	CreateDate time.Time  `attr:"create_date" json:"create_date"`
	NPType     *string    `attr:"np_type" json:"np_type,omitempty"`
}

func (a *Account) Key() Key { return Key{Type: CodeAccount, ID: a.ID} }
func (*Account) isEntity()  {}

// Expired reports whether the account's expire date is on or before day.
func (a *Account) Expired(day time.Time) bool {
	return a.ExpireDate != nil && !a.ExpireDate.After(truncateDate(day))
}

type Person struct {
	ID        int64      `attr:"id" json:"id"`
	FirstName *string    `attr:"first_name" json:"first_name,omitempty"`
	LastName  *string    `attr:"last_name" json:"last_name,omitempty"`
	BirthDate *time.Time `attr:"birth_date" json:"birth_date,omitempty"`
	Gender    *string    `attr:"gender" json:"gender,omitempty"`
}

func (p *Person) Key() Key { return Key{Type: CodePerson, ID: p.ID} }
func (*Person) isEntity()  {}

type Group struct {
	ID          int64      `attr:"id" json:"id"`
	Name        string     `attr:"name" json:"name"`
	Description *string    `attr:"description" json:"description,omitempty"`
	Visibility  string     `attr:"visibility" json:"visibility"`
	ExpireDate  *time.Time `attr:"expire_date" json:"expire_date,omitempty"`
}

func (g *Group) Key() Key { return Key{Type: CodeGroup, ID: g.ID} }
func (*Group) isEntity()  {}

type OU struct {
	ID       int64   `attr:"id" json:"id"`
	Name     string  `attr:"name" json:"name"`
	Acronym  *string `attr:"acronym" json:"acronym,omitempty"`
	ParentID *int64  `attr:"parent_id" json:"parent_id,omitempty"`
}

func (o *OU) Key() Key { return Key{Type: CodeOU, ID: o.ID} }
func (*OU) isEntity()  {}

// Build constructs the concrete entity for code from canonical attribute values.
func Build(code string, attrs map[string]any) (Entity, error) {
	var target Entity
	switch code {
	case CodeAccount:
		target = &Account{}
	case CodePerson:
		target = &Person{}
	case CodeGroup:
		target = &Group{}
	case CodeOU:
		target = &OU{}
	default:
		return nil, &NoSuchTypeError{Code: code}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "attr",
		Result:  target,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(attrs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", code, err)
	}
	return target, nil
}
