package sshwire

import "fmt"

// Message numbers for the SSH connection protocol, RFC 4254. The core
// only ever sees these 80-100; transport/auth messages are consumed by
// the external MessageStream before a Message ever reaches this layer.
const (
	MsgGlobalRequest            = 80
	MsgRequestSuccess           = 81
	MsgRequestFailure           = 82
	MsgChannelOpen              = 90
	MsgChannelOpenConfirmation  = 91
	MsgChannelOpenFailure       = 92
	MsgChannelWindowAdjust      = 93
	MsgChannelData              = 94
	MsgChannelExtendedData      = 95
	MsgChannelEof               = 96
	MsgChannelClose             = 97
	MsgChannelRequest           = 98
	MsgChannelSuccess           = 99
	MsgChannelFailure           = 100
)

// ChannelOpenFailure reason codes, RFC 4254 section 5.1.
const (
	OpenAdministrativelyProhibited uint32 = 1
	OpenConnectFailed              uint32 = 2
	OpenUnknownChannelType         uint32 = 3
	OpenResourceShortage           uint32 = 4
)

// Message is implemented by every decoded connection-protocol message.
// It carries no behavior; it exists so dispatch can type-switch on a
// single interface value.
type Message interface {
	messageTag()
}

// GlobalRequest corresponds to message number 80. Body carries whatever
// trailing bytes followed wantReply — the codec itself doesn't know
// "tcpip-forward"'s particular layout, that's decoded by the caller that
// recognizes the request name.
type GlobalRequest struct {
	Name      Name
	WantReply bool
	Body      []byte
}

type RequestSuccess struct{ Body []byte }
type RequestFailure struct{}

// ChannelOpen corresponds to message number 90.
type ChannelOpen struct {
	ChannelType   Name
	SenderID      uint32
	InitialWindow uint32
	MaxPacketSize uint32
	Body          []byte
}

type ChannelOpenConfirmation struct {
	RecipientID   uint32
	SenderID      uint32
	InitialWindow uint32
	MaxPacketSize uint32
	Body          []byte
}

type ChannelOpenFailure struct {
	RecipientID uint32
	ReasonCode  uint32
	Description string
	Language    string
}

type ChannelWindowAdjust struct {
	RecipientID  uint32
	BytesToAdd   uint32
}

type ChannelData struct {
	RecipientID uint32
	Data        []byte
}

// SSH extended-data type codes, RFC 4254 section 5.2.
const ExtendedDataStderr uint32 = 1

type ChannelExtendedData struct {
	RecipientID uint32
	DataType    uint32
	Data        []byte
}

type ChannelEof struct{ RecipientID uint32 }
type ChannelClose struct{ RecipientID uint32 }

type ChannelRequest struct {
	RecipientID uint32
	RequestType Name
	WantReply   bool
	Body        []byte
}

type ChannelSuccess struct{ RecipientID uint32 }
type ChannelFailure struct{ RecipientID uint32 }

func (*GlobalRequest) messageTag()           {}
func (*RequestSuccess) messageTag()          {}
func (*RequestFailure) messageTag()          {}
func (*ChannelOpen) messageTag()             {}
func (*ChannelOpenConfirmation) messageTag() {}
func (*ChannelOpenFailure) messageTag()      {}
func (*ChannelWindowAdjust) messageTag()     {}
func (*ChannelData) messageTag()             {}
func (*ChannelExtendedData) messageTag()     {}
func (*ChannelEof) messageTag()              {}
func (*ChannelClose) messageTag()            {}
func (*ChannelRequest) messageTag()          {}
func (*ChannelSuccess) messageTag()          {}
func (*ChannelFailure) messageTag()          {}

// Encode renders a Message to its wire payload, including the leading
// message-number byte.
func Encode(m Message) []byte {
	w := NewBuffer(64)
	switch v := m.(type) {
	case *GlobalRequest:
		w.PutByte(MsgGlobalRequest)
		w.PutName(v.Name)
		w.PutBool(v.WantReply)
		w.b = append(w.b, v.Body...)
	case *RequestSuccess:
		w.PutByte(MsgRequestSuccess)
		w.b = append(w.b, v.Body...)
	case *RequestFailure:
		w.PutByte(MsgRequestFailure)
	case *ChannelOpen:
		w.PutByte(MsgChannelOpen)
		w.PutName(v.ChannelType)
		w.PutUint32(v.SenderID)
		w.PutUint32(v.InitialWindow)
		w.PutUint32(v.MaxPacketSize)
		w.b = append(w.b, v.Body...)
	case *ChannelOpenConfirmation:
		w.PutByte(MsgChannelOpenConfirmation)
		w.PutUint32(v.RecipientID)
		w.PutUint32(v.SenderID)
		w.PutUint32(v.InitialWindow)
		w.PutUint32(v.MaxPacketSize)
		w.b = append(w.b, v.Body...)
	case *ChannelOpenFailure:
		w.PutByte(MsgChannelOpenFailure)
		w.PutUint32(v.RecipientID)
		w.PutUint32(v.ReasonCode)
		w.PutText(v.Description)
		w.PutText(v.Language)
	case *ChannelWindowAdjust:
		w.PutByte(MsgChannelWindowAdjust)
		w.PutUint32(v.RecipientID)
		w.PutUint32(v.BytesToAdd)
	case *ChannelData:
		w.PutByte(MsgChannelData)
		w.PutUint32(v.RecipientID)
		w.PutString(v.Data)
	case *ChannelExtendedData:
		w.PutByte(MsgChannelExtendedData)
		w.PutUint32(v.RecipientID)
		w.PutUint32(v.DataType)
		w.PutString(v.Data)
	case *ChannelEof:
		w.PutByte(MsgChannelEof)
		w.PutUint32(v.RecipientID)
	case *ChannelClose:
		w.PutByte(MsgChannelClose)
		w.PutUint32(v.RecipientID)
	case *ChannelRequest:
		w.PutByte(MsgChannelRequest)
		w.PutUint32(v.RecipientID)
		w.PutName(v.RequestType)
		w.PutBool(v.WantReply)
		w.b = append(w.b, v.Body...)
	case *ChannelSuccess:
		w.PutByte(MsgChannelSuccess)
		w.PutUint32(v.RecipientID)
	case *ChannelFailure:
		w.PutByte(MsgChannelFailure)
		w.PutUint32(v.RecipientID)
	default:
		panic(fmt.Sprintf("sshwire: Encode: unhandled message type %T", m))
	}
	return w.Bytes()
}

// Decode parses a raw packet payload (message number plus fields) into a
// Message. Unknown channel-open types and channel-request types decode
// as ChannelOpen/ChannelRequest with their type Name set to whatever tag
// appeared and Body holding the undigested remainder, so the caller can
// reject them explicitly rather than have decoding fail outright.
func Decode(packet []byte) (Message, error) {
	if len(packet) < 1 {
		return nil, ErrTruncated
	}
	tag := packet[0]
	r := NewReader(packet[1:])

	var msg Message
	switch tag {
	case MsgGlobalRequest:
		name := r.GetName()
		wantReply := r.GetBool()
		msg = &GlobalRequest{Name: name, WantReply: wantReply, Body: dup(r.Remaining())}
		return finish(msg, r)
	case MsgRequestSuccess:
		return &RequestSuccess{Body: dup(r.Remaining())}, nil
	case MsgRequestFailure:
		return &RequestFailure{}, nil
	case MsgChannelOpen:
		chType := r.GetName()
		sender := r.GetUint32()
		initWin := r.GetUint32()
		maxPacket := r.GetUint32()
		msg = &ChannelOpen{ChannelType: chType, SenderID: sender, InitialWindow: initWin, MaxPacketSize: maxPacket, Body: dup(r.Remaining())}
		return finish(msg, r)
	case MsgChannelOpenConfirmation:
		recip := r.GetUint32()
		sender := r.GetUint32()
		initWin := r.GetUint32()
		maxPacket := r.GetUint32()
		msg = &ChannelOpenConfirmation{RecipientID: recip, SenderID: sender, InitialWindow: initWin, MaxPacketSize: maxPacket, Body: dup(r.Remaining())}
		return finish(msg, r)
	case MsgChannelOpenFailure:
		recip := r.GetUint32()
		reason := r.GetUint32()
		desc := r.GetText()
		lang := r.GetText()
		msg = &ChannelOpenFailure{RecipientID: recip, ReasonCode: reason, Description: desc, Language: lang}
		return finish(msg, r)
	case MsgChannelWindowAdjust:
		recip := r.GetUint32()
		add := r.GetUint32()
		msg = &ChannelWindowAdjust{RecipientID: recip, BytesToAdd: add}
		return finish(msg, r)
	case MsgChannelData:
		recip := r.GetUint32()
		data := r.GetString()
		msg = &ChannelData{RecipientID: recip, Data: dup(data)}
		return finish(msg, r)
	case MsgChannelExtendedData:
		recip := r.GetUint32()
		dtype := r.GetUint32()
		data := r.GetString()
		msg = &ChannelExtendedData{RecipientID: recip, DataType: dtype, Data: dup(data)}
		return finish(msg, r)
	case MsgChannelEof:
		recip := r.GetUint32()
		msg = &ChannelEof{RecipientID: recip}
		return finish(msg, r)
	case MsgChannelClose:
		recip := r.GetUint32()
		msg = &ChannelClose{RecipientID: recip}
		return finish(msg, r)
	case MsgChannelRequest:
		recip := r.GetUint32()
		reqType := r.GetName()
		wantReply := r.GetBool()
		msg = &ChannelRequest{RecipientID: recip, RequestType: reqType, WantReply: wantReply, Body: dup(r.Remaining())}
		return finish(msg, r)
	case MsgChannelSuccess:
		recip := r.GetUint32()
		msg = &ChannelSuccess{RecipientID: recip}
		return finish(msg, r)
	case MsgChannelFailure:
		recip := r.GetUint32()
		msg = &ChannelFailure{RecipientID: recip}
		return finish(msg, r)
	default:
		return nil, fmt.Errorf("sshwire: unknown message number %d", tag)
	}
}

func finish(msg Message, r *Reader) (Message, error) {
	if r.Err() != nil {
		return nil, r.Err()
	}
	return msg, nil
}

func dup(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
