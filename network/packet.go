package network

import (
	"encoding/binary"
	"fmt"
	"unicode"

	"golang.org/x/xerrors"
)

// Version is the only wire version this implementation speaks.
const Version = 1

// HeaderLen is the size of the fixed packet header: version (2), type (2),
// body length (4), source IP as four u16 octets (8), source port (4).
const HeaderLen = 20

// PacketType enumerates the five packet types of the protocol.
type PacketType uint16

const (
	// TypeRegister is the control-plane registration exchange with the root.
	TypeRegister PacketType = 1
	// TypeAdvertise is the parent-discovery exchange with the root.
	TypeAdvertise PacketType = 2
	// TypeJoin announces a new child on a tree link.
	TypeJoin PacketType = 3
	// TypeMessage carries application broadcast text.
	TypeMessage PacketType = 4
	// TypeReunion carries the liveness hello and hello-back path.
	TypeReunion PacketType = 5
)

// Subtype markers used as the first three body characters of Register,
// Advertise and Reunion packets.
const (
	SubtypeRequest  = "REQ"
	SubtypeResponse = "RES"
)

const (
	ipLen   = 15
	portLen = 5
	addrLen = ipLen + portLen
)

// ErrNoPacket is returned when a buffer cannot be decoded into a packet.
var ErrNoPacket = xerrors.New("no packet")

// Packet is one protocol message: the decoded header plus the ASCII body.
// Length is the advisory body length from the header; the dispatcher
// revalidates it against the actual body before handling the packet.
type Packet struct {
	Version uint16
	Type    PacketType
	Length  uint32
	Source  Address
	Body    string
}

// Encode writes the packet into the fixed wire format: the 20-byte
// big-endian header followed by the ASCII body.
func (p *Packet) Encode() ([]byte, error) {
	octets, err := p.Source.Octets()
	if err != nil {
		return nil, xerrors.Errorf("encoding packet: %v", err)
	}
	port, err := p.Source.PortNumber()
	if err != nil {
		return nil, xerrors.Errorf("encoding packet: %v", err)
	}
	buf := make([]byte, HeaderLen, HeaderLen+len(p.Body))
	binary.BigEndian.PutUint16(buf[0:2], p.Version)
	binary.BigEndian.PutUint16(buf[2:4], uint16(p.Type))
	binary.BigEndian.PutUint32(buf[4:8], p.Length)
	for i, o := range octets {
		binary.BigEndian.PutUint16(buf[8+2*i:10+2*i], o)
	}
	binary.BigEndian.PutUint32(buf[16:20], port)
	return append(buf, p.Body...), nil
}

// Decode parses a received buffer into a Packet. Buffers shorter than the
// header or with a body that is not valid ASCII are rejected. The body is
// everything after the header; the advisory length field is kept as-is for
// the dispatcher to check.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderLen {
		return nil, ErrNoPacket
	}
	version := binary.BigEndian.Uint16(buf[0:2])
	typ := binary.BigEndian.Uint16(buf[2:4])
	length := binary.BigEndian.Uint32(buf[4:8])
	ip := fmt.Sprintf("%d.%d.%d.%d",
		binary.BigEndian.Uint16(buf[8:10]),
		binary.BigEndian.Uint16(buf[10:12]),
		binary.BigEndian.Uint16(buf[12:14]),
		binary.BigEndian.Uint16(buf[14:16]))
	port := fmt.Sprintf("%d", binary.BigEndian.Uint32(buf[16:20]))
	source, err := NewAddress(ip, port)
	if err != nil {
		return nil, ErrNoPacket
	}
	body := buf[HeaderLen:]
	for _, b := range body {
		if b > unicode.MaxASCII {
			return nil, ErrNoPacket
		}
	}
	return &Packet{
		Version: version,
		Type:    PacketType(typ),
		Length:  length,
		Source:  source,
		Body:    string(body),
	}, nil
}

// Subtype returns the first three body characters ("REQ" or "RES"), or an
// empty string when the body is too short to carry one.
func (p *Packet) Subtype() string {
	if len(p.Body) < 3 {
		return ""
	}
	return p.Body[:3]
}

func newPacket(typ PacketType, source Address, body string) *Packet {
	return &Packet{
		Version: Version,
		Type:    typ,
		Length:  uint32(len(body)),
		Source:  source,
		Body:    body,
	}
}

// NewRegisterRequest creates a Register REQ carrying the address the sender
// wants registered, which is echoed in the body rather than taken from the
// header source.
func NewRegisterRequest(source, address Address) *Packet {
	return newPacket(TypeRegister, source, SubtypeRequest+address.IP+address.Port)
}

// NewRegisterResponse creates the Register RES|ACK sent by the root.
func NewRegisterResponse(source Address) *Packet {
	return newPacket(TypeRegister, source, SubtypeResponse+"ACK")
}

// NewAdvertiseRequest creates an Advertise REQ.
func NewAdvertiseRequest(source Address) *Packet {
	return newPacket(TypeAdvertise, source, SubtypeRequest)
}

// NewAdvertiseResponse creates an Advertise RES carrying the chosen
// neighbour address.
func NewAdvertiseResponse(source, neighbour Address) *Packet {
	return newPacket(TypeAdvertise, source, SubtypeResponse+neighbour.IP+neighbour.Port)
}

// NewJoin creates a Join packet.
func NewJoin(source Address) *Packet {
	return newPacket(TypeJoin, source, "JOIN")
}

// NewMessage creates a broadcast Message packet with the given text body.
func NewMessage(source Address, text string) *Packet {
	return newPacket(TypeMessage, source, text)
}

// NewReunion creates a Reunion packet of the given subtype ("REQ" for
// hello, "RES" for hello back) carrying the path as a two-digit entry
// count followed by the hop addresses.
func NewReunion(subtype string, source Address, path []Address) (*Packet, error) {
	if subtype != SubtypeRequest && subtype != SubtypeResponse {
		return nil, xerrors.Errorf("invalid reunion subtype %q", subtype)
	}
	if len(path) > 99 {
		return nil, xerrors.Errorf("reunion path too long: %d hops", len(path))
	}
	body := fmt.Sprintf("%s%02d", subtype, len(path))
	for _, hop := range path {
		body += hop.IP + hop.Port
	}
	return newPacket(TypeReunion, source, body), nil
}

// ReunionPath extracts the hop list from a Reunion body. The entry count
// must match the number of encoded addresses.
func (p *Packet) ReunionPath() ([]Address, error) {
	if len(p.Body) < 5 {
		return nil, xerrors.New("reunion body too short")
	}
	n, err := parseEntries(p.Body[3:5])
	if err != nil {
		return nil, err
	}
	rest := p.Body[5:]
	if len(rest) != n*addrLen {
		return nil, xerrors.Errorf("reunion body carries %d bytes of addresses, want %d", len(rest), n*addrLen)
	}
	path := make([]Address, 0, n)
	for i := 0; i < len(rest); i += addrLen {
		hop, err := NewAddress(rest[i:i+ipLen], rest[i+ipLen:i+addrLen])
		if err != nil {
			return nil, xerrors.Errorf("reunion hop %d: %v", len(path), err)
		}
		path = append(path, hop)
	}
	return path, nil
}

// BodyAddress extracts the address encoded after the three-character
// subtype of a Register REQ or Advertise RES body.
func (p *Packet) BodyAddress() (Address, error) {
	if len(p.Body) != 3+addrLen {
		return Address{}, xerrors.Errorf("body of length %d carries no address", len(p.Body))
	}
	return NewAddress(p.Body[3:3+ipLen], p.Body[3+ipLen:])
}

func parseEntries(s string) (int, error) {
	if len(s) != 2 || s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, xerrors.Errorf("invalid entry count %q", s)
	}
	return int(s[0]-'0')*10 + int(s[1]-'0'), nil
}
