package trends

import (
	"time"

	"github.com/tOgg1/flock/internal/models"
)

// Directory is an immutable author lookup. Refresh by building a new one.
type Directory struct {
	users   map[string]models.User
	builtAt time.Time
}

// NewDirectory indexes users by id.
func NewDirectory(users []models.User, builtAt time.Time) *Directory {
	index := make(map[string]models.User, len(users))
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		index[u.ID] = u
	}
	return &Directory{users: index, builtAt: builtAt}
}

// DirectoryFromDocuments decodes users documents. Documents that fail to
// decode are left out and returned as skipped ids.
func DirectoryFromDocuments(docs []*models.Document, builtAt time.Time) (*Directory, []string) {
	users := make([]models.User, 0, len(docs))
	var skipped []string
	for _, doc := range docs {
		user, err := models.UserFromDocument(doc)
		if err != nil {
			if doc != nil {
				skipped = append(skipped, doc.ID)
			}
			continue
		}
		users = append(users, user)
	}
	return NewDirectory(users, builtAt), skipped
}

// Lookup returns the user with id.
func (d *Directory) Lookup(id string) (models.User, bool) {
	if d == nil {
		return models.User{}, false
	}
	u, ok := d.users[id]
	return u, ok
}

// Len returns the number of users.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.users)
}

// BuiltAt returns when the directory was built.
func (d *Directory) BuiltAt() time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.builtAt
}
