package session

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// User is an entry in the external user directory.
type User struct {
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
}

// Directory resolves user names against the application's user store. The
// registry treats it as an opaque collaborator.
type Directory interface {
	Resolve(userName string) (*User, bool)
}

// AllowAllDirectory accepts every user name, echoing it back as the display
// name. Used when no user file is configured.
type AllowAllDirectory struct{}

// Resolve implements Directory.
func (AllowAllDirectory) Resolve(userName string) (*User, bool) {
	if userName == "" {
		return nil, false
	}
	return &User{UserName: userName, DisplayName: userName}, true
}

// StaticDirectory resolves users from a fixed map keyed by user name.
type StaticDirectory map[string]User

// Resolve implements Directory.
func (d StaticDirectory) Resolve(userName string) (*User, bool) {
	u, ok := d[userName]
	if !ok {
		return nil, false
	}
	return &u, true
}

// FileDirectory resolves users from a JSON file holding an array of User
// entries. The file is re-read when its modification time changes, so edits
// made by the desktop application are picked up without a restart.
type FileDirectory struct {
	path string

	mu      sync.Mutex
	users   map[string]User
	modTime time.Time
}

// NewFileDirectory constructs a directory backed by the given file. A
// missing file resolves nothing until it appears.
func NewFileDirectory(path string) *FileDirectory {
	return &FileDirectory{path: path, users: make(map[string]User)}
}

// Resolve implements Directory.
func (d *FileDirectory) Resolve(userName string) (*User, bool) {
	if d == nil || userName == "" {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reloadLocked()
	u, ok := d.users[userName]
	if !ok {
		return nil, false
	}
	return &u, true
}

func (d *FileDirectory) reloadLocked() {
	info, err := os.Stat(d.path)
	if err != nil {
		return
	}
	if !info.ModTime().After(d.modTime) {
		return
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return
	}
	var entries []User
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	users := make(map[string]User, len(entries))
	for _, u := range entries {
		if u.UserName != "" {
			users[u.UserName] = u
		}
	}
	d.users = users
	d.modTime = info.ModTime()
}
