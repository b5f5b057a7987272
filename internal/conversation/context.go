package conversation

import (
	"fmt"
	"net/url"
	"strings"
)

// Kind distinguishes group channels from private chats.
type Kind string

const (
	Group   Kind = "group"
	Private Kind = "private"
)

// Context identifies the conversation currently being viewed. Exactly one of
// ChannelID and ContactID is set. Values are never mutated; a switch replaces
// the whole Context.
type Context struct {
	Kind      Kind
	ChannelID string
	ContactID string
	Name      string
}

// NewGroup returns a Context for a group channel.
func NewGroup(channelID, name string) Context {
	return Context{Kind: Group, ChannelID: channelID, Name: name}
}

// NewPrivate returns a Context for a private chat with a contact.
func NewPrivate(contactID, name string) Context {
	return Context{Kind: Private, ContactID: contactID, Name: name}
}

// Parse builds a Context from a kind name and id, as typed on the command line.
func Parse(kind, id, name string) (Context, error) {
	var c Context
	switch Kind(strings.ToLower(kind)) {
	case Group:
		c = NewGroup(id, name)
	case Private:
		c = NewPrivate(id, name)
	default:
		return Context{}, fmt.Errorf("unknown conversation kind %q", kind)
	}
	return c, c.Validate()
}

// Validate checks the channel-XOR-contact rule and that Kind agrees with it.
func (c Context) Validate() error {
	hasChannel := strings.TrimSpace(c.ChannelID) != ""
	hasContact := strings.TrimSpace(c.ContactID) != ""
	switch {
	case hasChannel && hasContact:
		return fmt.Errorf("conversation has both channel %q and contact %q", c.ChannelID, c.ContactID)
	case !hasChannel && !hasContact:
		return fmt.Errorf("conversation has neither channel nor contact id")
	case hasChannel && c.Kind != Group:
		return fmt.Errorf("channel %q must have kind %s, got %q", c.ChannelID, Group, c.Kind)
	case hasContact && c.Kind != Private:
		return fmt.Errorf("contact %q must have kind %s, got %q", c.ContactID, Private, c.Kind)
	}
	return nil
}

// ID returns whichever identifier is set.
func (c Context) ID() string {
	if c.Kind == Group {
		return c.ChannelID
	}
	return c.ContactID
}

// Key is the stable identifier used on the wire and for presence entries,
// e.g. "group:42" or "private:alice".
func (c Context) Key() string {
	if c.IsZero() {
		return ""
	}
	return string(c.Kind) + ":" + c.ID()
}

// IsZero reports whether no conversation is set.
func (c Context) IsZero() bool {
	return c.ChannelID == "" && c.ContactID == ""
}

// Same reports whether both values address the same conversation. Display
// names are ignored.
func (c Context) Same(other Context) bool {
	return c.Kind == other.Kind && c.ChannelID == other.ChannelID && c.ContactID == other.ContactID
}

// Query returns the query parameters that scope a request to this
// conversation: group_id for channels, recipient_id for private chats.
func (c Context) Query() url.Values {
	v := url.Values{}
	if c.Kind == Group {
		v.Set("group_id", c.ChannelID)
	} else {
		v.Set("recipient_id", c.ContactID)
	}
	return v
}

func (c Context) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%s (%s)", c.Name, c.Key())
	}
	return c.Key()
}
