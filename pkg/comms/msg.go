package comms

import (
	"fmt"
	"strconv"
)

// MsgType represents the message type.
type MsgType byte

// Message types.
const (
	NotifyType             = MsgType('N')
	RegisterType           = MsgType('R')
	UnregisterType         = MsgType('U')
	WildcardRegisterType   = MsgType('*')
	WildcardUnregisterType = MsgType('/')
	NotSetType             = MsgType('~')
	CommandType            = MsgType('C')
	DataType               = MsgType('i')
	PoisonType             = MsgType('K')
	WelcomeType            = MsgType('W')
	ServerRequestType      = MsgType('Q')
	TimingType             = MsgType('T')
	TerminateType          = MsgType('^')
	NullType               = MsgType('.')
)

func (t MsgType) String() string {
	switch t {
	case NotifyType:
		return "NOTIFY"
	case RegisterType:
		return "REGISTER"
	case UnregisterType:
		return "UNREGISTER"
	case WildcardRegisterType:
		return "WILDCARD_REGISTER"
	case WildcardUnregisterType:
		return "WILDCARD_UNREGISTER"
	case NotSetType:
		return "NOT_SET"
	case CommandType:
		return "COMMAND"
	case DataType:
		return "DATA"
	case PoisonType:
		return "POISON"
	case WelcomeType:
		return "WELCOME"
	case ServerRequestType:
		return "SERVER_REQUEST"
	case TimingType:
		return "TIMING"
	case TerminateType:
		return "TERMINATE"
	case NullType:
		return "NULL"
	default:
		return fmt.Sprintf("UNKNOWN:%d", byte(t))
	}
}

func (t MsgType) valid() bool {
	switch t {
	case NotifyType, RegisterType, UnregisterType, WildcardRegisterType,
		WildcardUnregisterType, NotSetType, CommandType, DataType, PoisonType,
		WelcomeType, ServerRequestType, TimingType, TerminateType, NullType:
		return true
	}
	return false
}

// PayloadKind is the payload discriminant of a Msg.
type PayloadKind byte

// Payload kinds.
const (
	DoublePayload = PayloadKind('D')
	StringPayload = PayloadKind('S')
	BinaryPayload = PayloadKind('B')
)

func (k PayloadKind) String() string {
	switch k {
	case DoublePayload:
		return "DOUBLE"
	case StringPayload:
		return "STRING"
	case BinaryPayload:
		return "BINARY"
	default:
		return fmt.Sprintf("UNKNOWN:%d", byte(k))
	}
}

// Reserved keys used by control messages.
const (
	// ServerRequestAll asks the server for all pending mail.
	ServerRequestAll = "ALL"
	// ServerRequestVarSummary asks for a summary of all variable names.
	ServerRequestVarSummary = "VAR_SUMMARY"
	// ServerRequestProcSummary asks for a summary of connected processes.
	ServerRequestProcSummary = "PROC_SUMMARY"
	// ServerRequestClients asks for the list of connected clients.
	ServerRequestClients = "DB_CLIENTS"

	timingKey    = "_timing"
	handshakeKey = "_handshake"
	welcomeKey   = "_welcome"
	poisonKey    = "_poison"
)

// Msg is the atomic unit of communication. Exactly one payload kind is set,
// selected by Kind.
type Msg struct {
	Type      MsgType
	Kind      PayloadKind
	ID        int32
	Key       string
	Source    string
	SourceAux string
	Community string
	Time      float64

	Double float64
	String string
	Binary []byte
}

// NewDoubleMsg creates a message carrying a double.
func NewDoubleMsg(t MsgType, key string, v float64, time float64) Msg {
	return Msg{Type: t, Kind: DoublePayload, Key: key, Double: v, Time: time}
}

// NewStringMsg creates a message carrying a string.
func NewStringMsg(t MsgType, key, v string, time float64) Msg {
	return Msg{Type: t, Kind: StringPayload, Key: key, String: v, Time: time}
}

// NewBinaryMsg creates a message carrying a raw byte buffer.
func NewBinaryMsg(t MsgType, key string, v []byte, time float64) Msg {
	b := make([]byte, len(v))
	copy(b, v)
	return Msg{Type: t, Kind: BinaryPayload, Key: key, Binary: b, Time: time}
}

// IsDouble reports whether the payload is a double.
func (m Msg) IsDouble() bool { return m.Kind == DoublePayload }

// IsString reports whether the payload is a string.
func (m Msg) IsString() bool { return m.Kind == StringPayload }

// IsBinary reports whether the payload is a raw byte buffer.
func (m Msg) IsBinary() bool { return m.Kind == BinaryPayload }

// Value renders the payload as a string.
func (m Msg) Value() string {
	switch m.Kind {
	case DoublePayload:
		return strconv.FormatFloat(m.Double, 'g', -1, 64)
	case StringPayload:
		return m.String
	case BinaryPayload:
		return fmt.Sprintf("<binary:%d bytes>", len(m.Binary))
	default:
		return ""
	}
}

// Equal reports whether two messages carry identical fields.
func (m Msg) Equal(o Msg) bool {
	if m.Type != o.Type || m.Kind != o.Kind || m.ID != o.ID ||
		m.Key != o.Key || m.Source != o.Source || m.SourceAux != o.SourceAux ||
		m.Community != o.Community || m.Time != o.Time {
		return false
	}
	switch m.Kind {
	case DoublePayload:
		return m.Double == o.Double
	case StringPayload:
		return m.String == o.String
	case BinaryPayload:
		if len(m.Binary) != len(o.Binary) {
			return false
		}
		for i := range m.Binary {
			if m.Binary[i] != o.Binary[i] {
				return false
			}
		}
	}
	return true
}

// Trace renders the message on a single line.
func (m Msg) Trace() string {
	return fmt.Sprintf("<type:%s><key:%s><src:%s><time:%.3f><val:%s>",
		m.Type, m.Key, m.Source, m.Time, m.Value())
}

func (m *Msg) clone() Msg {
	c := *m
	if m.Binary != nil {
		c.Binary = append([]byte(nil), m.Binary...)
	}
	return c
}
