package peer

import "github.com/chronologos/rrepl/internal/protocol"

// A role handler implements whichever of these it cares about. Messages
// with no matching handler are ignored.

type BannerHandler interface {
	HandleBanner(c *Conn, m *protocol.Banner)
}

type PromptHandler interface {
	HandlePrompt(c *Conn, m *protocol.Prompt)
}

type RawHandler interface {
	HandleRaw(c *Conn, m *protocol.Raw)
}

type MsgHandler interface {
	HandleMsg(c *Conn, m *protocol.Msg)
}

type MsgBroadcastHandler interface {
	HandleMsgBroadcast(c *Conn, m *protocol.MsgBroadcast)
}

type ShellCmdHandler interface {
	HandleShellCmd(c *Conn, m *protocol.ShellCmd)
}

type ShellResultHandler interface {
	HandleShellResult(c *Conn, m *protocol.ShellResult)
}

type ShellDataHandler interface {
	HandleShellData(c *Conn, m *protocol.ShellData)
}

type ShellSignalHandler interface {
	HandleShellSignal(c *Conn, m *protocol.ShellSignal)
}

type CompletionRequestHandler interface {
	HandleCompletionRequest(c *Conn, m *protocol.CompletionRequest)
}

type CompletionResultHandler interface {
	HandleCompletionResult(c *Conn, m *protocol.CompletionResult)
}

type ClearBufferHandler interface {
	HandleClearBuffer(c *Conn, m *protocol.ClearBuffer)
}

type AuthRequestHandler interface {
	HandleAuthRequest(c *Conn, m *protocol.AuthRequest)
}

type AuthResponseHandler interface {
	HandleAuthResponse(c *Conn, m *protocol.AuthResponse)
}

type HeartbeatHandler interface {
	HandleHeartbeat(c *Conn, m *protocol.Heartbeat)
}

type RegisterServerHandler interface {
	HandleRegisterServer(c *Conn, m *protocol.RegisterServer)
}

type UnregisterServerHandler interface {
	HandleUnregisterServer(c *Conn, m *protocol.UnregisterServer)
}

type ServerListHandler interface {
	HandleServerList(c *Conn, m *protocol.ServerList)
}

type ServerListReloadHandler interface {
	HandleServerListReload(c *Conn, m *protocol.ServerListReloadRequest)
}

type StartTLSHandler interface {
	HandleStartTLS(c *Conn, m *protocol.StartTLS)
}

type ProxyConnectionHandler interface {
	HandleProxyConnection(c *Conn, m *protocol.ProxyConnection)
}

type UnknownHandler interface {
	HandleUnknown(c *Conn, m *protocol.Unknown)
}

// NegotiatedHandler is told once the connection becomes Active.
type NegotiatedHandler interface {
	Negotiated(c *Conn)
}

// ClosedHandler is told when the connection terminates. err is nil for an
// orderly close or a relay hand-off.
type ClosedHandler interface {
	Closed(c *Conn, err error)
}

// Dispatch routes msg to the matching handler method on h. It reports
// whether a handler took the message.
func Dispatch(c *Conn, h any, msg protocol.Message) bool {
	switch m := msg.(type) {
	case *protocol.Banner:
		if x, ok := h.(BannerHandler); ok {
			x.HandleBanner(c, m)
			return true
		}
	case *protocol.Prompt:
		if x, ok := h.(PromptHandler); ok {
			x.HandlePrompt(c, m)
			return true
		}
	case *protocol.Raw:
		if x, ok := h.(RawHandler); ok {
			x.HandleRaw(c, m)
			return true
		}
	case *protocol.Msg:
		if x, ok := h.(MsgHandler); ok {
			x.HandleMsg(c, m)
			return true
		}
	case *protocol.MsgBroadcast:
		if x, ok := h.(MsgBroadcastHandler); ok {
			x.HandleMsgBroadcast(c, m)
			return true
		}
	case *protocol.ShellCmd:
		if x, ok := h.(ShellCmdHandler); ok {
			x.HandleShellCmd(c, m)
			return true
		}
	case *protocol.ShellResult:
		if x, ok := h.(ShellResultHandler); ok {
			x.HandleShellResult(c, m)
			return true
		}
	case *protocol.ShellData:
		if x, ok := h.(ShellDataHandler); ok {
			x.HandleShellData(c, m)
			return true
		}
	case *protocol.ShellSignal:
		if x, ok := h.(ShellSignalHandler); ok {
			x.HandleShellSignal(c, m)
			return true
		}
	case *protocol.CompletionRequest:
		if x, ok := h.(CompletionRequestHandler); ok {
			x.HandleCompletionRequest(c, m)
			return true
		}
	case *protocol.CompletionResult:
		if x, ok := h.(CompletionResultHandler); ok {
			x.HandleCompletionResult(c, m)
			return true
		}
	case *protocol.ClearBuffer:
		if x, ok := h.(ClearBufferHandler); ok {
			x.HandleClearBuffer(c, m)
			return true
		}
	case *protocol.AuthRequest:
		if x, ok := h.(AuthRequestHandler); ok {
			x.HandleAuthRequest(c, m)
			return true
		}
	case *protocol.AuthResponse:
		if x, ok := h.(AuthResponseHandler); ok {
			x.HandleAuthResponse(c, m)
			return true
		}
	case *protocol.Heartbeat:
		if x, ok := h.(HeartbeatHandler); ok {
			x.HandleHeartbeat(c, m)
			return true
		}
	case *protocol.RegisterServer:
		if x, ok := h.(RegisterServerHandler); ok {
			x.HandleRegisterServer(c, m)
			return true
		}
	case *protocol.UnregisterServer:
		if x, ok := h.(UnregisterServerHandler); ok {
			x.HandleUnregisterServer(c, m)
			return true
		}
	case *protocol.ServerList:
		if x, ok := h.(ServerListHandler); ok {
			x.HandleServerList(c, m)
			return true
		}
	case *protocol.ServerListReloadRequest:
		if x, ok := h.(ServerListReloadHandler); ok {
			x.HandleServerListReload(c, m)
			return true
		}
	case *protocol.StartTLS:
		if x, ok := h.(StartTLSHandler); ok {
			x.HandleStartTLS(c, m)
			return true
		}
	case *protocol.ProxyConnection:
		if x, ok := h.(ProxyConnectionHandler); ok {
			x.HandleProxyConnection(c, m)
			return true
		}
	case *protocol.Unknown:
		if x, ok := h.(UnknownHandler); ok {
			x.HandleUnknown(c, m)
			return true
		}
	}
	return false
}
