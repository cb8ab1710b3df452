package models

import (
	"encoding/json"
	"strings"
)

// User is a profile as read from the users collection.
type User struct {
	ID        string `json:"id" mapstructure:"-"`
	Name      string `json:"name" mapstructure:"name"`
	Handle    string `json:"handle" mapstructure:"username"`
	AvatarURL string `json:"avatar_url" mapstructure:"photoURL"`
}

// UserFromDocument decodes a users document.
func UserFromDocument(doc *Document) (User, error) {
	var user User
	if err := decodeDocument(doc, "user", &user); err != nil {
		return User{}, err
	}
	user.ID = doc.ID
	return user, nil
}

// Fields returns the persisted shape of the user.
func (u User) Fields() map[string]any {
	return map[string]any{
		"name":     u.Name,
		"username": u.Handle,
		"photoURL": u.AvatarURL,
	}
}

// Placeholder holds the labels shown when a user cannot be resolved.
type Placeholder struct {
	Name      string `json:"name"`
	Handle    string `json:"handle"`
	AvatarURL string `json:"avatar_url"`
}

// DefaultPlaceholder returns the stock "Unknown User" labels.
func DefaultPlaceholder() Placeholder {
	return Placeholder{
		Name:      "Unknown User",
		Handle:    "unknown",
		AvatarURL: "/default-avatar.png",
	}
}

// UserRef is either a resolved user or a placeholder standing in for one.
type UserRef struct {
	user        User
	placeholder bool
}

// Resolved wraps a user that was found.
func Resolved(user User) UserRef {
	return UserRef{user: user}
}

// Unresolved builds a placeholder reference for id using p's labels.
func Unresolved(id string, p Placeholder) UserRef {
	return UserRef{
		user: User{
			ID:        id,
			Name:      p.Name,
			Handle:    p.Handle,
			AvatarURL: p.AvatarURL,
		},
		placeholder: true,
	}
}

// IsPlaceholder reports whether the user could not be resolved.
func (r UserRef) IsPlaceholder() bool {
	return r.placeholder
}

// User returns the resolved user or the placeholder's labels.
// Blank profile fields of a resolved user are not filled in; use Display for that.
func (r UserRef) User() User {
	return r.user
}

// ID returns the referenced user id, which may be empty for placeholders.
func (r UserRef) ID() string {
	return r.user.ID
}

// Display returns the user with blank profile fields backed by p.
func (r UserRef) Display(p Placeholder) User {
	out := r.user
	if strings.TrimSpace(out.Name) == "" {
		out.Name = p.Name
	}
	if strings.TrimSpace(out.Handle) == "" {
		out.Handle = p.Handle
	}
	if strings.TrimSpace(out.AvatarURL) == "" {
		out.AvatarURL = p.AvatarURL
	}
	return out
}

// MarshalJSON exposes the tag alongside the user fields.
func (r UserRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		User
		Placeholder bool `json:"placeholder"`
	}{User: r.user, Placeholder: r.placeholder})
}
