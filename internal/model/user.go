// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Roles a user can hold.
const (
	RoleUser      = "user"
	RoleAdmin     = "admin"
	RoleManager   = "manager"
	RoleHead      = "head"
	RolePI        = "pi"
	RoleDeveloper = "developer"
)

// AllRoles lists the known roles in display order.
var AllRoles = []string{RoleUser, RoleAdmin, RoleManager, RoleHead, RolePI, RoleDeveloper}

// StatusActive is shared by users, resources and applications.
const StatusActive = "active"

// User is a facility user. Lab members point to their principal investigator
// through PIID; PIs are their own PI.
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	Name         string    `json:"name"`
	Created      time.Time `json:"created"`
	Status       string    `json:"status"`
	Roles        []string  `json:"roles"`
	PasswordHash string    `json:"-"`
	ProfileImage string    `json:"profile_image"`
	PIID         *int      `json:"pi_id"`
	Extra        Extra     `json:"extra"`
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role string) bool {
	return u != nil && containsString(u.Roles, role)
}

// IsDeveloper reports the developer role.
func (u *User) IsDeveloper() bool { return u.HasRole(RoleDeveloper) }

// IsAdmin is true for admins and developers.
func (u *User) IsAdmin() bool { return u.HasRole(RoleAdmin) || u.IsDeveloper() }

// IsManager is true for managers and anyone with admin rights.
func (u *User) IsManager() bool { return u.HasRole(RoleManager) || u.IsAdmin() }

// IsPI reports the principal investigator role.
func (u *User) IsPI() bool { return u.HasRole(RolePI) }

// IsActive reports whether the account is active.
func (u *User) IsActive() bool { return u != nil && u.Status == StatusActive }

// PIRef returns the id of the user's PI: the user itself when it is a PI,
// otherwise PIID (which may be nil).
func (u *User) PIRef() *int {
	if u == nil {
		return nil
	}
	if u.IsPI() {
		id := u.ID
		return &id
	}
	return u.PIID
}

// SamePI reports whether both users belong to the same lab.
func (u *User) SamePI(other *User) bool {
	a, b := u.PIRef(), other.PIRef()
	return a != nil && b != nil && *a == *b
}

// SetPassword replaces the password hash with a bcrypt hash of password.
func (u *User) SetPassword(password string) error {
	if password == "" {
		return errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

// CheckPassword reports whether password matches the stored hash.
func (u *User) CheckPassword(password string) bool {
	if u == nil || u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// CanBookResource reports whether the user may book resource outside of an
// explicit slot, given the user's active applications.
func (u *User) CanBookResource(r *Resource, apps []Application) bool {
	if u.IsManager() || !r.RequiresSlot() {
		return true
	}
	for i := range apps {
		if apps[i].NoSlot(r.ID) {
			return true
		}
	}
	return false
}
