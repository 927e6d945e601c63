// Package profiles resolves the display snapshot (name, email, avatar, role)
// attached to messages at read time.
//
// Profiles are owned by the surrounding platform; this package only reads
// them. A missing profile is not an error: callers get a zero Profile.
package profiles

import (
	"context"
	"errors"
	"strings"
)

// Role of a marketplace user.
const (
	RoleStudent = "student"
	RoleWriter  = "writer"
)

// Profile is the denormalized user snapshot shown next to a message.
type Profile struct {
	UserID      string
	DisplayName string
	Email       string
	AvatarURL   string
	Role        string
}

// IsZero reports whether p carries no data beyond its id.
func (p Profile) IsZero() bool {
	return p.DisplayName == "" && p.Email == "" && p.AvatarURL == "" && p.Role == ""
}

// Source looks up profiles by user id. Unknown ids are omitted from the result.
type Source interface {
	Lookup(ctx context.Context, userIDs []string) (map[string]Profile, error)
}

// ErrInvalidInput is returned for malformed profile writes.
var ErrInvalidInput = errors.New("profiles: invalid input")

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeRole maps free-form role strings onto the known roles ("" when unknown).
func NormalizeRole(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case RoleStudent:
		return RoleStudent
	case RoleWriter:
		return RoleWriter
	default:
		return ""
	}
}

func normalize(p Profile) (Profile, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return Profile{}, ErrInvalidInput
	}
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	p.Email = NormalizeEmail(p.Email)
	p.AvatarURL = strings.TrimSpace(p.AvatarURL)
	p.Role = NormalizeRole(p.Role)
	return p, nil
}

// dedupe drops empty and repeated ids, preserving first-seen order.
func dedupe(userIDs []string) []string {
	out := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
