package server

import "context"

// Console is a session's remote terminal as seen by an Engine.
type Console interface {
	// ReadLine sends prompt and blocks until the client supplies a line.
	// Lines the client typed ahead are returned without a new prompt.
	ReadLine(ctx context.Context, prompt string) (string, error)
	// Write sends output text to the client.
	Write(text string) error
}

// Engine evaluates one session's input. Serve runs on its own goroutine for
// each accepted connection; the connection is closed when it returns.
type Engine interface {
	Serve(ctx context.Context, c Console) error
}

// Completer is an optional Engine capability answering tab completion
// requests. It is called on the event loop and must not block.
type Completer interface {
	Complete(prefix string) []string
}

// NegotiationHook is an optional Engine capability told when a session's
// connection has finished negotiation and authentication. It is called on
// the event loop and must not block.
type NegotiationHook interface {
	Negotiated(info SessionInfo)
}

// EditorProvider is implemented by consoles that can have the remote user
// edit a piece of text. Engines look for it with a type assertion.
type EditorProvider interface {
	Edit(ctx context.Context, name, text string) (string, error)
}

// SessionInfo describes the connection behind a Console.
type SessionInfo struct {
	ServerID   string
	ConnID     uint64
	User       string
	RemoteAddr string
	TLS        bool
}
