package protocol

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrProtocol marks a payload that could not be turned into a message.
	// The frame is dropped; the stream stays usable.
	ErrProtocol = errors.New("protocol error")

	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// encMode uses Core Deterministic Encoding so identical messages produce
// identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes msg as a payload: a single-entry map {tag: value}.
// Unknown values are encoded as-is.
func Marshal(msg Message) ([]byte, error) {
	var value any
	switch m := msg.(type) {
	case *Banner:
		value = m.String()
	case *Prompt:
		value = m.Text
	case *Raw:
		value = m.Text
	case *Msg:
		value = m.Text
	case *MsgBroadcast:
		value = m.Text
	case *ShellCmd:
		value = m.Command
	case *ShellResult:
		value = m.Code
	case *ShellData:
		value = m.Data
	case *ShellSignal:
		value = m.Signal
	case *CompletionRequest:
		value = m.Prefix
	case *CompletionResult:
		value = nonNil(m.Candidates)
	case *ClearBuffer:
		value = true
	case *AuthRequest:
		value = credentials{User: m.User, Pass: m.Pass}
	case *AuthResponse:
		if m.Reason != "" {
			value = m.Reason
		} else {
			value = m.Granted
		}
	case *Heartbeat:
		value = m.ID
	case *RegisterServer:
		s := m.Server
		value = registration{ID: s.ID, URLs: nonNil(s.URLs), Name: s.Name, Details: s.Details, Metrics: s.Metrics}
	case *UnregisterServer:
		value = m.ID
	case *ServerList:
		servers := m.Servers
		if servers == nil {
			servers = map[string]ServerDescription{}
		}
		value = servers
	case *ServerListReloadRequest:
		value = true
	case *StartTLS:
		value = true
	case *ProxyConnection:
		value = m.URL
	case *Unknown:
		return encMode.Marshal(m.Value)
	default:
		return nil, fmt.Errorf("marshal: unsupported message %T", msg)
	}
	return encMode.Marshal(map[string]any{msg.Tag(): value})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Unmarshal decodes one payload. Well-formed payloads that carry no known
// tag become *Unknown. Malformed payloads and known tags with a value of the
// wrong shape return an error wrapping ErrProtocol.
func Unmarshal(payload []byte) (Message, error) {
	if err := decMode.Wellformed(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	var entries map[string]cbor.RawMessage
	if err := decMode.Unmarshal(payload, &entries); err != nil {
		return unknown(payload)
	}
	for _, tag := range tagPriority {
		raw, ok := entries[tag]
		if !ok {
			continue
		}
		msg, err := decodeValue(tag, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: tag %q: %v", ErrProtocol, tag, err)
		}
		return msg, nil
	}
	return unknown(payload)
}

func unknown(payload []byte) (Message, error) {
	var v any
	if err := decMode.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &Unknown{Value: v}, nil
}

// CBOR major types, read from the top three bits of the initial byte.
const (
	majorText  = 3
	majorArray = 4
)

func majorType(raw cbor.RawMessage) byte {
	if len(raw) == 0 {
		return 0xff
	}
	return raw[0] >> 5
}

func decodeValue(tag string, raw cbor.RawMessage) (Message, error) {
	switch tag {
	case TagBanner:
		var s string
		if err := decMode.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return ParseBanner(s), nil
	case TagPrompt:
		s, err := decodeString(raw)
		return &Prompt{Text: s}, err
	case TagRaw:
		s, err := decodeString(raw)
		return &Raw{Text: s}, err
	case TagMsg:
		s, err := decodeString(raw)
		return &Msg{Text: s}, err
	case TagMsgBroadcast:
		s, err := decodeString(raw)
		return &MsgBroadcast{Text: s}, err
	case TagShellCmd:
		s, err := decodeString(raw)
		return &ShellCmd{Command: s}, err
	case TagShellResult:
		var code int
		if err := decMode.Unmarshal(raw, &code); err != nil {
			return nil, err
		}
		return &ShellResult{Code: code}, nil
	case TagShellData:
		return decodeShellData(raw)
	case TagShellSignal:
		s, err := decodeString(raw)
		return &ShellSignal{Signal: s}, err
	case TagCompletion:
		if majorType(raw) == majorArray {
			var candidates []string
			if err := decMode.Unmarshal(raw, &candidates); err != nil {
				return nil, err
			}
			return &CompletionResult{Candidates: candidates}, nil
		}
		s, err := decodeString(raw)
		return &CompletionRequest{Prefix: s}, err
	case TagClearBuffer:
		return &ClearBuffer{}, nil
	case TagAuth:
		return decodeAuth(raw)
	case TagHeartbeat:
		s, err := decodeString(raw)
		return &Heartbeat{ID: s}, err
	case TagRegisterServer:
		return decodeRegistration(raw)
	case TagUnregisterServer:
		s, err := decodeString(raw)
		return &UnregisterServer{ID: s}, err
	case TagServerList:
		var servers map[string]ServerDescription
		if err := decMode.Unmarshal(raw, &servers); err != nil {
			return nil, err
		}
		if servers == nil {
			servers = map[string]ServerDescription{}
		}
		return &ServerList{Servers: servers}, nil
	case TagServerListReload:
		return &ServerListReloadRequest{}, nil
	case TagStartTLS:
		return &StartTLS{}, nil
	case TagProxyConnection:
		s, err := decodeString(raw)
		return &ProxyConnection{URL: s}, err
	}
	return nil, fmt.Errorf("no decoder for tag %q", tag)
}

func decodeString(raw cbor.RawMessage) (string, error) {
	var s string
	err := decMode.Unmarshal(raw, &s)
	return s, err
}

// decodeShellData accepts byte strings and, from older peers, text strings.
func decodeShellData(raw cbor.RawMessage) (Message, error) {
	if majorType(raw) == majorText {
		s, err := decodeString(raw)
		return &ShellData{Data: []byte(s)}, err
	}
	var b []byte
	if err := decMode.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &ShellData{Data: b}, nil
}

func decodeAuth(raw cbor.RawMessage) (Message, error) {
	switch majorType(raw) {
	case majorArray:
		// Tolerate short arrays; missing credentials are rejected by the
		// auth state machine, not the codec.
		var fields []any
		if err := decMode.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		req := &AuthRequest{}
		if len(fields) > 0 {
			req.User, _ = fields[0].(string)
		}
		if len(fields) > 1 {
			req.Pass, _ = fields[1].(string)
		}
		return req, nil
	case majorText:
		s, err := decodeString(raw)
		return &AuthResponse{Reason: s}, err
	}
	var granted bool
	if err := decMode.Unmarshal(raw, &granted); err != nil {
		return nil, err
	}
	return &AuthResponse{Granted: granted}, nil
}

func decodeRegistration(raw cbor.RawMessage) (Message, error) {
	var fields []cbor.RawMessage
	if err := decMode.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	var s ServerDescription
	targets := []any{&s.ID, &s.URLs, &s.Name, &s.Details, &s.Metrics}
	for i, field := range fields {
		if i >= len(targets) {
			break
		}
		if err := decMode.Unmarshal(field, targets[i]); err != nil {
			return nil, fmt.Errorf("register field %d: %w", i, err)
		}
	}
	return &RegisterServer{Server: s}, nil
}
