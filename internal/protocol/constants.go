package protocol

// Frame header: [4B payload length big-endian][1B flags]
const HeaderSize = 5

// Maximum payload size on the wire (4 MB). A frame announcing more than
// this cannot be trusted to resynchronise the stream.
const MaxPayloadSize = 4 * 1024 * 1024

// Payloads above this size are zstd-compressed when that makes them smaller.
const CompressThreshold = 64 * 1024

// Flags is the per-frame flag byte.
type Flags byte

const (
	FlagCompressed Flags = 0x01
)

// Wire tags. Each payload is a single-entry map {tag: value}.
const (
	TagBanner           = "g"
	TagPrompt           = "p"
	TagRaw              = "d"
	TagMsg              = "m"
	TagMsgBroadcast     = "mb"
	TagShellCmd         = "s"
	TagShellResult      = "sc"
	TagShellData        = "sd"
	TagShellSignal      = "ssc"
	TagCompletion       = "c"
	TagClearBuffer      = "cb"
	TagAuth             = "a"
	TagHeartbeat        = "hb"
	TagRegisterServer   = "rs"
	TagUnregisterServer = "urs"
	TagServerList       = "sl"
	TagServerListReload = "srl"
	TagStartTLS         = "tls"
	TagProxyConnection  = "pc"
)

// tagPriority is the order tags are looked up in when a payload carries
// more than one. The first present tag decides the message kind.
var tagPriority = []string{
	TagPrompt, TagRaw, TagMsg, TagMsgBroadcast, TagShellCmd, TagShellResult,
	TagBanner, TagCompletion, TagClearBuffer, TagAuth, TagShellData,
	TagShellSignal, TagHeartbeat, TagRegisterServer, TagUnregisterServer,
	TagServerList, TagServerListReload, TagStartTLS, TagProxyConnection,
}

// Signals carried by ShellSignal.
const (
	SignalTerm      = "term"
	SignalInterrupt = "int"
)
