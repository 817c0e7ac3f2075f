package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// Role is the closed set of board roles.
type Role int

const (
	RoleMember Role = iota + 1
	RoleAdmin
)

type Capability int

const (
	CapViewTasks Capability = iota
	CapEditTasks
	CapManageBoard
	CapManageMembers
)

// Can reports whether the role grants the capability.
func (r Role) Can(c Capability) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleMember:
		return c == CapViewTasks || c == CapEditTasks
	}
	return false
}

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleMember:
		return "member"
	}
	return "unknown"
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "admin":
		return RoleAdmin, nil
	case "member":
		return RoleMember, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	if r != RoleAdmin && r != RoleMember {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MarshalBSONValue stores the role as its string name so documents written
// by other services stay readable.
func (r Role) MarshalBSONValue() (bsontype.Type, []byte, error) {
	text, err := r.MarshalText()
	if err != nil {
		return 0, nil, err
	}
	return bson.TypeString, bsoncore.AppendString(nil, string(text)), nil
}

func (r *Role) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	if t != bson.TypeString {
		return fmt.Errorf("role: unexpected bson type %s", t)
	}
	s, _, ok := bsoncore.ReadString(data)
	if !ok {
		return fmt.Errorf("role: malformed string")
	}
	return r.UnmarshalText([]byte(s))
}

type Membership struct {
	BoardID   primitive.ObjectID  `json:"board" bson:"board"`
	UserID    primitive.ObjectID  `json:"user" bson:"user"`
	Role      Role                `json:"role" bson:"role"`
	InvitedBy *primitive.ObjectID `json:"invitedBy,omitempty" bson:"invitedBy,omitempty"`
	JoinedAt  time.Time           `json:"joinedAt" bson:"joinedAt"`
}

// Identity is the authenticated caller, resolved once by the auth middleware
// and passed explicitly to every service call.
type Identity struct {
	UserID primitive.ObjectID
	Email  string
}
