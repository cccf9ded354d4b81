package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Entity is the id registry shared by every kind. Its entity_type column
// lets a bare id be resolved to a type code.
type Entity struct {
	bun.BaseModel `bun:"table:entities,alias:ent"`

	ID         int64     `bun:"id,pk,autoincrement"`
	EntityType string    `bun:"entity_type,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// Account is a login account. PasswordHash never leaves the auth layer.
type Account struct {
	bun.BaseModel `bun:"table:accounts,alias:acc"`

	ID           int64      `bun:"id,pk"` // FK to entities(id)
	Name         string     `bun:"name,notnull,unique"`
	OwnerID      *int64     `bun:"owner_id"` // FK to persons(id), nullable for system accounts
	ExpireDate   *time.Time `bun:"expire_date,type:date"`
	CreateDate   time.Time  `bun:"create_date,type:date,notnull"`
	NPType       *string    `bun:"np_type"` // Non-personal account type
	PasswordHash string     `bun:"password_hash,notnull"`
}

// Person is a physical person that may own accounts.
type Person struct {
	bun.BaseModel `bun:"table:persons,alias:per"`

	ID        int64      `bun:"id,pk"`
	FirstName string     `bun:"first_name"`
	LastName  string     `bun:"last_name"`
	BirthDate *time.Time `bun:"birth_date,type:date"`
	Gender    *string    `bun:"gender"`
}

// Group collects members of any kind.
type Group struct {
	bun.BaseModel `bun:"table:groups,alias:grp"`

	ID          int64      `bun:"id,pk"`
	Name        string     `bun:"name,notnull,unique"`
	Description string     `bun:"description"`
	Visibility  string     `bun:"visibility,notnull,default:'A'"`
	ExpireDate  *time.Time `bun:"expire_date,type:date"`
}

// GroupMember is one edge from a group to a member entity.
type GroupMember struct {
	bun.BaseModel `bun:"table:group_members,alias:gm"`

	GroupID  int64 `bun:"group_id,pk"`
	MemberID int64 `bun:"member_id,pk"`
}

// OU is an organizational unit. ParentID forms the OU tree.
type OU struct {
	bun.BaseModel `bun:"table:ous,alias:ou"`

	ID       int64  `bun:"id,pk"`
	Name     string `bun:"name,notnull"`
	Acronym  string `bun:"acronym"`
	ParentID *int64 `bun:"parent_id"`
}

// Quarantine blocks logins for an account between StartDate and EndDate.
// A nil EndDate means the quarantine is open-ended.
type Quarantine struct {
	bun.BaseModel `bun:"table:quarantines,alias:q"`

	ID        int64      `bun:"id,pk,autoincrement"`
	AccountID int64      `bun:"account_id,notnull"`
	Type      string     `bun:"type,notnull"`
	Reason    string     `bun:"reason"`
	StartDate time.Time  `bun:"start_date,notnull"`
	EndDate   *time.Time `bun:"end_date"`
}

// ActiveAt reports whether the quarantine applies at t.
func (q *Quarantine) ActiveAt(t time.Time) bool {
	if t.Before(q.StartDate) {
		return false
	}
	return q.EndDate == nil || t.Before(*q.EndDate)
}
