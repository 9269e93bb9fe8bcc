package sshtransport

// SSH transport layer message numbers (RFC 4253 section 12).
const (
	msgDisconnect     = 1
	msgIgnore         = 2
	msgUnimplemented  = 3
	msgDebug          = 4
	msgServiceRequest = 5
	msgServiceAccept  = 6
	msgExtInfo        = 7

	msgKexInit = 20
	msgNewKeys = 21

	// 30-49 are reserved for the negotiated key exchange algorithm.
	msgKexAlgoFirst = 30
	msgKexAlgoLast  = 49

	// 50-79 belong to the bound service (user authentication).
	msgServiceFirst = 50
	msgServiceLast  = 79

	msgGlobalRequest  = 80
	msgRequestSuccess = 81
	msgRequestFailure = 82

	msgChannelOpen         = 90
	msgChannelOpenConfirm  = 91
	msgChannelOpenFailure  = 92
	msgChannelWindowAdjust = 93
	msgChannelData         = 94
	msgChannelExtendedData = 95
	msgChannelEOF          = 96
	msgChannelClose        = 97
	msgChannelRequest      = 98
	msgChannelSuccess      = 99
	msgChannelFailure      = 100
)

// SSH disconnect reason codes (RFC 4253 section 11.1).
const (
	DisconnectProtocolError        uint32 = 2
	DisconnectKeyExchangeFailed    uint32 = 3
	DisconnectMACError             uint32 = 5
	DisconnectCompressionError     uint32 = 6
	DisconnectServiceNotAvailable  uint32 = 7
	DisconnectProtocolVersionNotOK uint32 = 8
	DisconnectConnectionLost       uint32 = 10
	DisconnectByApplication        uint32 = 11
	DisconnectNoMoreAuthMethods    uint32 = 14
)

// ChannelOpenFailureReason is the SSH reason code for a rejected channel open
// (RFC 4254 section 5.1).
type ChannelOpenFailureReason uint32

const (
	OpenAdministrativelyProhibited ChannelOpenFailureReason = 1
	OpenConnectFailed              ChannelOpenFailureReason = 2
	OpenUnknownChannelType         ChannelOpenFailureReason = 3
	OpenResourceShortage           ChannelOpenFailureReason = 4
)

// Extended data type codes (RFC 4254 section 5.2).
const extendedDataStderr uint32 = 1

// Extension negotiation markers advertised in the kex algorithm list
// (RFC 8308 section 2.1). They never resolve to an actual algorithm.
const (
	extInfoClient = "ext-info-c"
	extInfoServer = "ext-info-s"
)

type disconnectMsg struct {
	Reason   uint32 `sshtype:"1"`
	Message  string
	Language string
}

type ignoreMsg struct {
	Data string `sshtype:"2"`
}

type unimplementedMsg struct {
	Sequence uint32 `sshtype:"3"`
}

type debugMsg struct {
	AlwaysDisplay bool `sshtype:"4"`
	Message       string
	Language      string
}

type serviceRequestMsg struct {
	Service string `sshtype:"5"`
}

type serviceAcceptMsg struct {
	Service string `sshtype:"6"`
}

type kexInitMsg struct {
	Cookie                  [16]byte `sshtype:"20"`
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexPacketFollows   bool
	Reserved                uint32
}

type globalRequestMsg struct {
	Type      string `sshtype:"80"`
	WantReply bool
	Data      []byte `ssh:"rest"`
}

type globalRequestSuccessMsg struct {
	Data []byte `ssh:"rest" sshtype:"81"`
}

type globalRequestFailureMsg struct {
	Data []byte `ssh:"rest" sshtype:"82"`
}

type channelOpenMsg struct {
	ChanType         string `sshtype:"90"`
	PeersID          uint32
	PeersWindow      uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenConfirmMsg struct {
	PeersID          uint32 `sshtype:"91"`
	MyID             uint32
	MyWindow         uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenFailureMsg struct {
	PeersID  uint32 `sshtype:"92"`
	Reason   ChannelOpenFailureReason
	Message  string
	Language string
}

type windowAdjustMsg struct {
	PeersID         uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

type channelDataMsg struct {
	PeersID uint32 `sshtype:"94"`
	Length  uint32
	Rest    []byte `ssh:"rest"`
}

type channelExtendedDataMsg struct {
	PeersID  uint32 `sshtype:"95"`
	Datatype uint32
	Length   uint32
	Rest     []byte `ssh:"rest"`
}

type channelEOFMsg struct {
	PeersID uint32 `sshtype:"96"`
}

type channelCloseMsg struct {
	PeersID uint32 `sshtype:"97"`
}

type channelRequestMsg struct {
	PeersID             uint32 `sshtype:"98"`
	Request             string
	WantReply           bool
	RequestSpecificData []byte `ssh:"rest"`
}

type channelRequestSuccessMsg struct {
	PeersID uint32 `sshtype:"99"`
}

type channelRequestFailureMsg struct {
	PeersID uint32 `sshtype:"100"`
}
