package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/vmail/engine/internal/config"
	"github.com/vdavid/vmail/engine/internal/models"
)

// folderMap pairs each movable location with its server folder.
type folderMap struct {
	byLocation map[models.Location]string
	byName     map[string]models.Location
	// ordered lists the folders in models.Locations order.
	ordered []string
}

func newFolderMap(folders config.Folders) (*folderMap, error) {
	pairs := []struct {
		location models.Location
		name     string
	}{
		{models.LocationInbox, folders.Inbox},
		{models.LocationDraft, folders.Drafts},
		{models.LocationSent, folders.Sent},
		{models.LocationTrash, folders.Trash},
		{models.LocationSpam, folders.Spam},
		{models.LocationArchive, folders.Archive},
	}

	m := &folderMap{
		byLocation: make(map[models.Location]string, len(pairs)),
		byName:     make(map[string]models.Location, len(pairs)),
	}
	for _, p := range pairs {
		if p.name == "" {
			return nil, fmt.Errorf("no folder configured for %s", p.location)
		}
		if other, dup := m.byName[p.name]; dup {
			return nil, fmt.Errorf("folder %q is configured for both %s and %s", p.name, other, p.location)
		}
		m.byLocation[p.location] = p.name
		m.byName[p.name] = p.location
		m.ordered = append(m.ordered, p.name)
	}
	return m, nil
}

// folderFor returns the folder of a movable location.
func (m *folderMap) folderFor(location models.Location) (string, bool) {
	name, ok := m.byLocation[location]
	return name, ok
}

// ListFolders lists all folders on the IMAP server.
func ListFolders(c *client.Client) ([]string, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var folders []string
	for m := range mailboxes {
		folders = append(folders, m.Name)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return folders, nil
}

// ensureFolders creates every mapped folder missing on the server.
func ensureFolders(c *client.Client, m *folderMap) error {
	existing, err := ListFolders(c)
	if err != nil {
		return err
	}

	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}

	for _, name := range m.ordered {
		if have[name] {
			continue
		}
		if err := c.Create(name); err != nil {
			return fmt.Errorf("failed to create folder %s: %w", name, err)
		}
	}
	return nil
}
