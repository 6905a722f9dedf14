package protocol

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Message is one decoded protocol message. Exactly one kind per value.
type Message interface {
	Tag() string
}

// Banner announces the accepting side's product, version and scheme.
type Banner struct {
	Product string
	Version string
	Scheme  string
}

// ParseBanner splits a banner string on spaces into at most three fields.
func ParseBanner(s string) *Banner {
	parts := strings.SplitN(s, " ", 3)
	b := &Banner{Product: parts[0]}
	if len(parts) > 1 {
		b.Version = parts[1]
	}
	if len(parts) > 2 {
		b.Scheme = parts[2]
	}
	return b
}

func (b *Banner) String() string {
	return b.Product + " " + b.Version + " " + b.Scheme
}

// Prompt asks the client for one line of input.
type Prompt struct{ Text string }

// Raw is output text for display.
type Raw struct{ Text string }

// Msg is a chat message to peers of the same session.
type Msg struct{ Text string }

// MsgBroadcast is a chat message to every peer in the process.
type MsgBroadcast struct{ Text string }

// ShellCmd asks the server to run a shell command.
type ShellCmd struct{ Command string }

// ShellResult carries a shell command's exit code. -1 means the command
// was refused or could not start.
type ShellResult struct{ Code int }

// ShellData is subprocess output (server to client) or input (client to
// server) while a shell command runs.
type ShellData struct{ Data []byte }

// ShellSignal asks the server to signal the running shell command.
type ShellSignal struct{ Signal string }

// CompletionRequest asks for completions of a partial input.
type CompletionRequest struct{ Prefix string }

// CompletionResult answers a CompletionRequest.
type CompletionResult struct{ Candidates []string }

// ClearBuffer tells the client to drop pending input.
type ClearBuffer struct{}

// AuthRequest carries credentials.
type AuthRequest struct {
	User string
	Pass string
}

// AuthResponse is both the server's challenge (Granted false, no reason)
// and its verdict. A non-empty Reason is a failure explanation.
type AuthResponse struct {
	Granted bool
	Reason  string
}

// Heartbeat keeps a registration alive.
type Heartbeat struct{ ID string }

// RegisterServer adds or refreshes a registry entry.
type RegisterServer struct{ Server ServerDescription }

// UnregisterServer removes a registry entry.
type UnregisterServer struct{ ID string }

// ServerList is the broker's registry snapshot.
type ServerList struct {
	Servers map[string]ServerDescription
}

// ServerListReloadRequest asks the broker for a fresh ServerList.
type ServerListReloadRequest struct{}

// StartTLS asks the peer to upgrade the connection to TLS.
type StartTLS struct{}

// ProxyConnection asks the broker to relay this connection to URL.
type ProxyConnection struct{ URL string }

// Unknown is any well-formed payload that is not a recognised message.
type Unknown struct{ Value any }

func (*Banner) Tag() string                  { return TagBanner }
func (*Prompt) Tag() string                  { return TagPrompt }
func (*Raw) Tag() string                     { return TagRaw }
func (*Msg) Tag() string                     { return TagMsg }
func (*MsgBroadcast) Tag() string            { return TagMsgBroadcast }
func (*ShellCmd) Tag() string                { return TagShellCmd }
func (*ShellResult) Tag() string             { return TagShellResult }
func (*ShellData) Tag() string               { return TagShellData }
func (*ShellSignal) Tag() string             { return TagShellSignal }
func (*CompletionRequest) Tag() string       { return TagCompletion }
func (*CompletionResult) Tag() string        { return TagCompletion }
func (*ClearBuffer) Tag() string             { return TagClearBuffer }
func (*AuthRequest) Tag() string             { return TagAuth }
func (*AuthResponse) Tag() string            { return TagAuth }
func (*Heartbeat) Tag() string               { return TagHeartbeat }
func (*RegisterServer) Tag() string          { return TagRegisterServer }
func (*UnregisterServer) Tag() string        { return TagUnregisterServer }
func (*ServerList) Tag() string              { return TagServerList }
func (*ServerListReloadRequest) Tag() string { return TagServerListReload }
func (*StartTLS) Tag() string                { return TagStartTLS }
func (*ProxyConnection) Tag() string         { return TagProxyConnection }
func (*Unknown) Tag() string                 { return "" }

// ServerDescription is one registry entry.
type ServerDescription struct {
	ID      string             `cbor:"id"`
	URLs    []string           `cbor:"urls"`
	Name    string             `cbor:"name,omitempty"`
	// Details and Metrics keep nil and empty apart on the wire.
	Details map[string]string  `cbor:"details"`
	Metrics map[string]float64 `cbor:"metrics"`

	// LastHeartbeat is broker-local state and never crosses the wire.
	LastHeartbeat time.Time `cbor:"-"`
}

// Validate checks the fields a registry requires.
func (d *ServerDescription) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("server description: empty id")
	}
	if len(d.URLs) == 0 {
		return fmt.Errorf("server description %s: no urls", d.ID)
	}
	return nil
}

// Clone returns a deep copy.
func (d ServerDescription) Clone() ServerDescription {
	d.URLs = append([]string(nil), d.URLs...)
	d.Details = maps.Clone(d.Details)
	d.Metrics = maps.Clone(d.Metrics)
	return d
}

// registration is the positional wire shape of RegisterServer:
// [id, urls, name, details, metrics].
type registration struct {
	_       struct{} `cbor:",toarray"`
	ID      string
	URLs    []string
	Name    string
	Details map[string]string
	Metrics map[string]float64
}

// credentials is the positional wire shape of AuthRequest: [user, pass].
type credentials struct {
	_    struct{} `cbor:",toarray"`
	User string
	Pass string
}
