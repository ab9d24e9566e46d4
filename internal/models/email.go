package models

import "time"

// Location is the single exclusive folder a message resides in.
type Location string

const (
	LocationInbox   Location = "inbox"
	LocationDraft   Location = "draft"
	LocationSent    Location = "sent"
	LocationTrash   Location = "trash"
	LocationSpam    Location = "spam"
	LocationArchive Location = "archive"
	LocationAllMail Location = "all-mail"
	LocationStarred Location = "starred"
)

// Locations lists every location kind in a stable order.
var Locations = []Location{
	LocationInbox,
	LocationDraft,
	LocationSent,
	LocationTrash,
	LocationSpam,
	LocationArchive,
	LocationAllMail,
	LocationStarred,
}

// Valid reports whether l is one of the fixed location kinds.
func (l Location) Valid() bool {
	for _, known := range Locations {
		if l == known {
			return true
		}
	}
	return false
}

// Movable reports whether a message can be moved into l.
// all-mail and starred are aggregate views, never a message's own location.
func (l Location) Movable() bool {
	switch l {
	case LocationInbox, LocationDraft, LocationSent, LocationTrash, LocationSpam, LocationArchive:
		return true
	default:
		return false
	}
}

// Reserved label IDs. Folders are modeled as labels for aggregate views.
const (
	LabelInbox     = "0"
	LabelAllDrafts = "1"
	LabelAllSent   = "2"
	LabelTrash     = "3"
	LabelSpam      = "4"
	LabelAllMail   = "5"
	LabelArchive   = "6"
	LabelSent      = "7"
	LabelDrafts    = "8"
	LabelStarred   = "10"
)

var reservedLabels = map[string]string{
	LabelInbox:     "inbox",
	LabelAllDrafts: "all-drafts",
	LabelAllSent:   "all-sent",
	LabelTrash:     "trash",
	LabelSpam:      "spam",
	LabelAllMail:   "all-mail",
	LabelArchive:   "archive",
	LabelSent:      "sent",
	LabelDrafts:    "drafts",
	LabelStarred:   "starred",
}

// IsReservedLabel reports whether id is one of the reserved folder labels.
func IsReservedLabel(id string) bool {
	_, ok := reservedLabels[id]
	return ok
}

// ReservedLabels returns the reserved labels as Label values.
func ReservedLabels() []Label {
	labels := make([]Label, 0, len(reservedLabels))
	for id, name := range reservedLabels {
		labels = append(labels, Label{ID: id, Name: name, Exclusive: true, Reserved: true})
	}
	return labels
}

// LocationLabel returns the reserved label paired with a location, or "" for
// aggregate locations.
func LocationLabel(l Location) string {
	switch l {
	case LocationInbox:
		return LabelInbox
	case LocationDraft:
		return LabelDrafts
	case LocationSent:
		return LabelSent
	case LocationTrash:
		return LabelTrash
	case LocationSpam:
		return LabelSpam
	case LocationArchive:
		return LabelArchive
	default:
		return ""
	}
}

// LocationForLabel maps a reserved location label back to its location.
func LocationForLabel(labelID string) (Location, bool) {
	for _, l := range Locations {
		if LocationLabel(l) == labelID && labelID != "" {
			return l, true
		}
	}
	return "", false
}

// Message is a message in the local mirror.
type Message struct {
	LocalID     string     `json:"local_id"`
	ServerID    *string    `json:"server_id,omitempty"`
	Location    Location   `json:"location"`
	LabelIDs    []string   `json:"label_ids"`
	IsRead      bool       `json:"is_read"`
	IsStarred   bool       `json:"is_starred"`
	Subject     string     `json:"subject"`
	FromAddress string     `json:"from_address"`
	ToAddresses []string   `json:"to_addresses"`
	BodyText    string     `json:"body_text,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}

// HasLabel reports whether the message carries labelID.
func (m *Message) HasLabel(labelID string) bool {
	for _, id := range m.LabelIDs {
		if id == labelID {
			return true
		}
	}
	return false
}

// Label is a user label, a user folder (Exclusive) or a reserved folder label.
type Label struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	Exclusive bool   `json:"exclusive"`
	Display   bool   `json:"display"`
	Reserved  bool   `json:"reserved"`
}

// Draft is the content of a draft handed to the remote service.
type Draft struct {
	LocalID     string   `json:"local_id"`
	FromAddress string   `json:"from_address"`
	ToAddresses []string `json:"to_addresses"`
	Subject     string   `json:"subject"`
	BodyText    string   `json:"body_text"`
}

// PendingAction marks a message with an in-flight draft or send task.
type PendingAction struct {
	MessageID string    `json:"message_id"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}
