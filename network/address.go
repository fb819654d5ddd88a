package network

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Address is the canonical identity of a peer in the overlay: a
// fifteen-character dotted-octet IP (every octet zero-padded to three
// digits) and a five-character zero-padded decimal port. All table keys,
// comparisons and wire encodings use this form, so any address entering
// the system must go through NewAddress (or ParseIP/ParsePort) first.
type Address struct {
	IP   string
	Port string
}

// ParseIP canonicalizes an IPv4 address to the fifteen-character
// dotted-octet form, e.g. "192.168.1.1" -> "192.168.001.001".
// It is idempotent.
func ParseIP(ip string) (string, error) {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return "", xerrors.Errorf("invalid IP %q: need four octets", ip)
	}
	octets := make([]int, 4)
	for i, part := range parts {
		o, err := strconv.Atoi(part)
		if err != nil {
			return "", xerrors.Errorf("invalid IP %q: %v", ip, err)
		}
		if o < 0 || o > 255 {
			return "", xerrors.Errorf("invalid IP %q: octet out of range", ip)
		}
		octets[i] = o
	}
	return fmt.Sprintf("%03d.%03d.%03d.%03d", octets[0], octets[1], octets[2], octets[3]), nil
}

// ParsePort canonicalizes a port to the five-character zero-padded decimal
// form, e.g. "5356" -> "05356". It is idempotent.
func ParsePort(port string) (string, error) {
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", xerrors.Errorf("invalid port %q: %v", port, err)
	}
	if p < 0 || p > 65535 {
		return "", xerrors.Errorf("invalid port %q: out of range", port)
	}
	return fmt.Sprintf("%05d", p), nil
}

// NewAddress canonicalizes the given IP and port into an Address.
func NewAddress(ip, port string) (Address, error) {
	cip, err := ParseIP(ip)
	if err != nil {
		return Address{}, err
	}
	cport, err := ParsePort(port)
	if err != nil {
		return Address{}, err
	}
	return Address{IP: cip, Port: cport}, nil
}

// IsEmpty returns true for the zero Address.
func (a Address) IsEmpty() bool {
	return a.IP == "" && a.Port == ""
}

// NetworkAddress returns the address in a form the net package can dial,
// with the zero-padding stripped, e.g. "192.168.1.1:65000".
func (a Address) NetworkAddress() string {
	octets, err := a.Octets()
	if err != nil {
		return ""
	}
	port, _ := a.PortNumber()
	return fmt.Sprintf("%d.%d.%d.%d:%d", octets[0], octets[1], octets[2], octets[3], port)
}

// Octets returns the four IP octets of the address.
func (a Address) Octets() ([4]uint16, error) {
	var octets [4]uint16
	parts := strings.Split(a.IP, ".")
	if len(parts) != 4 {
		return octets, xerrors.Errorf("invalid canonical IP %q", a.IP)
	}
	for i, part := range parts {
		o, err := strconv.Atoi(part)
		if err != nil {
			return octets, xerrors.Errorf("invalid canonical IP %q: %v", a.IP, err)
		}
		octets[i] = uint16(o)
	}
	return octets, nil
}

// PortNumber returns the numeric value of the canonical port.
func (a Address) PortNumber() (uint32, error) {
	p, err := strconv.Atoi(a.Port)
	if err != nil {
		return 0, xerrors.Errorf("invalid canonical port %q: %v", a.Port, err)
	}
	return uint32(p), nil
}

func (a Address) String() string {
	return a.IP + ":" + a.Port
}
