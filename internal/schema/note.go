package schema

import "unicode/utf8"

// MaxTitleLength bounds Note titles, in runes.
const MaxTitleLength = 500

// Note is a titled document. Its Blocks hold the content.
type Note struct {
	Meta
	OwnerID  string `json:"owner_id"`
	Title    string `json:"title"`
	Emoji    string `json:"emoji,omitempty"`
	Favorite bool   `json:"favorite,omitempty"`
}

func (n *Note) Kind() EntityType { return TypeNote }
func (n *Note) Header() *Meta    { return &n.Meta }
func (n *Note) ParentID() string { return "" }

func (n *Note) Clone() Entity {
	c := *n
	return &c
}

// Validate checks if the Note has valid field values.
func (n *Note) Validate() error {
	if err := n.Meta.validate(); err != nil {
		return err
	}
	if n.OwnerID == "" {
		return invalidf("owner_id is required")
	}
	if l := utf8.RuneCountInString(n.Title); l > MaxTitleLength {
		return invalidf("title must be %d characters or less (got %d)", MaxTitleLength, l)
	}
	if utf8.RuneCountInString(n.Emoji) > 8 {
		return invalidf("emoji must be a single glyph")
	}
	return nil
}

// SameContent reports whether n and other hold the same user-visible fields.
func (n *Note) SameContent(other *Note) bool {
	return n.Title == other.Title &&
		n.Emoji == other.Emoji &&
		n.Favorite == other.Favorite &&
		n.OwnerID == other.OwnerID &&
		n.Deleted == other.Deleted
}
