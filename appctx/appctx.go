// Package appctx describes what the surrounding application provides to the
// print dispatch core. A Context is handed to every device session at
// construction; tests inject fakes.
package appctx

import "github.com/john/printlink/printer"

// MaterialLookup resolves a material GUID to its catalog record.
type MaterialLookup interface {
	LookupMaterial(guid string) (printer.Material, bool)
}

// Preferences is a read-only view of user preferences.
type Preferences interface {
	Get(key string) string
}

// Metadata is the per-machine key/value store.
type Metadata interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string) error
}

// ActiveMachine is the machine currently selected by the user.
type ActiveMachine interface {
	// Key returns the device id of the active machine, empty when none.
	Key() string
	// MetadataFor returns the metadata store of the machine with the given key.
	MetadataFor(key string) Metadata
}

// MessageKind is the severity of a user-facing message.
type MessageKind string

const (
	Info     MessageKind = "info"
	Warning  MessageKind = "warning"
	Error    MessageKind = "error"
	Progress MessageKind = "progress"
)

// Action is a button on a message. Run is invoked on the serial context.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Run   func() `json:"-"`
}

// Message is a user-facing notification.
type Message struct {
	Kind     MessageKind `json:"kind"`
	Title    string      `json:"title"`
	Text     string      `json:"text"`
	Device   string      `json:"device,omitempty"`
	Progress float64     `json:"progress,omitempty"`
	// Lifetime in seconds; zero keeps the message until hidden.
	Lifetime int      `json:"lifetime,omitempty"`
	Actions  []Action `json:"actions,omitempty"`
}

// MessageHandle controls a shown message.
type MessageHandle interface {
	SetProgress(percent float64)
	SetText(text string)
	Hide()
}

// Confirmation asks the user to accept a list of warnings.
type Confirmation struct {
	Device  string   `json:"device"`
	Title   string   `json:"title"`
	Text    string   `json:"text"`
	Details []string `json:"details,omitempty"`
}

// RenameRequest asks the user for a different file name.
type RenameRequest struct {
	Device  string `json:"device"`
	Current string `json:"current"`
	Reason  string `json:"reason"`
}

// UI is the user interface collaborator. Answers arrive on the returned
// channels; the session reads them off the serial context and posts back.
type UI interface {
	ShowMessage(m Message) MessageHandle
	Confirm(c Confirmation) <-chan bool
	// Rename returns the new name, or "" when the user cancels.
	Rename(r RenameRequest) <-chan string
	// SetStage switches the UI to a named stage such as "monitor".
	SetStage(name string)
}

// Context bundles the capabilities above.
type Context struct {
	Materials   MaterialLookup
	Preferences Preferences
	Machine     ActiveMachine
	UI          UI
	// Application and Version identify this program to printers.
	Application string
	Version     string
	// User is the local account name sent with authentication requests.
	User string
}

// ResolveMaterial returns the catalog record for guid, falling back to
// printer.UnknownMaterial.
func (c *Context) ResolveMaterial(guid string) printer.Material {
	if guid == "" {
		return printer.Material{}
	}
	if c.Materials != nil {
		if m, ok := c.Materials.LookupMaterial(guid); ok {
			m.GUID = guid
			return m
		}
	}
	m := printer.UnknownMaterial
	m.GUID = guid
	return m
}
