package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddress(t *testing.T, ip, port string) Address {
	addr, err := NewAddress(ip, port)
	require.NoError(t, err)
	return addr
}

func TestEncodeCanonicalExample(t *testing.T) {
	src := mustAddress(t, "192.168.1.1", "65000")
	pck := NewMessage(src, "Hello World!")
	buf, err := pck.Encode()
	require.NoError(t, err)

	expected := append([]byte{
		0x00, 0x01, 0x00, 0x04, 0x00, 0x00, 0x00, 0x0c,
		0x00, 0xc0, 0x00, 0xa8, 0x00, 0x01, 0x00, 0x01,
		0x00, 0x00, 0xfd, 0xe8,
	}, []byte("Hello World!")...)
	assert.Equal(t, expected, buf)
}

func TestDecodeRoundTrip(t *testing.T) {
	src := mustAddress(t, "127.0.0.1", "31315")
	packets := []*Packet{
		NewRegisterRequest(src, src),
		NewRegisterResponse(src),
		NewAdvertiseRequest(src),
		NewAdvertiseResponse(src, mustAddress(t, "127.0.0.1", "5356")),
		NewJoin(src),
		NewMessage(src, "hi"),
		NewMessage(src, ""),
	}
	hello, err := NewReunion(SubtypeRequest, src, []Address{src})
	require.NoError(t, err)
	packets = append(packets, hello)

	for _, pck := range packets {
		buf, err := pck.Encode()
		require.NoError(t, err)
		decoded, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, pck, decoded)
	}
}

func TestDecodeRejects(t *testing.T) {
	// every slice shorter than the header is no packet
	for i := 0; i < HeaderLen; i++ {
		_, err := Decode(make([]byte, i))
		assert.Error(t, err, "length %d", i)
	}

	// a body that is not ASCII is no packet
	src := mustAddress(t, "127.0.0.1", "31315")
	buf, err := NewMessage(src, "hi").Encode()
	require.NoError(t, err)
	buf[HeaderLen] = 0xc3
	_, err = Decode(buf)
	assert.Error(t, err)
}

func TestBodyLayouts(t *testing.T) {
	client := mustAddress(t, "127.0.0.1", "31315")
	root := mustAddress(t, "127.0.0.1", "5356")

	assert.Equal(t, "REQ127.000.000.00131315", NewRegisterRequest(client, client).Body)
	assert.Equal(t, "RESACK", NewRegisterResponse(root).Body)
	assert.Equal(t, "REQ", NewAdvertiseRequest(client).Body)
	assert.Equal(t, "RES127.000.000.00105356", NewAdvertiseResponse(root, root).Body)
	assert.Equal(t, "JOIN", NewJoin(client).Body)

	hello, err := NewReunion(SubtypeRequest, client, []Address{client})
	require.NoError(t, err)
	assert.Equal(t, "REQ01127.000.000.00131315", hello.Body)
	assert.Equal(t, uint32(len(hello.Body)), hello.Length)

	back, err := NewReunion(SubtypeResponse, root, []Address{client, root})
	require.NoError(t, err)
	assert.Equal(t, "RES02127.000.000.00131315127.000.000.00105356", back.Body)
}

func TestReunionPath(t *testing.T) {
	a := mustAddress(t, "10.0.0.1", "2000")
	b := mustAddress(t, "10.0.0.2", "2001")
	c := mustAddress(t, "10.0.0.3", "2002")

	pck, err := NewReunion(SubtypeRequest, a, []Address{a, b, c})
	require.NoError(t, err)
	path, err := pck.ReunionPath()
	require.NoError(t, err)
	assert.Equal(t, []Address{a, b, c}, path)

	// entry count and payload must agree
	bad := newPacket(TypeReunion, a, "REQ03"+a.IP+a.Port)
	_, err = bad.ReunionPath()
	assert.Error(t, err)

	short := newPacket(TypeReunion, a, "REQ")
	_, err = short.ReunionPath()
	assert.Error(t, err)

	garbled := newPacket(TypeReunion, a, "REQxx")
	_, err = garbled.ReunionPath()
	assert.Error(t, err)
}

func TestBodyAddress(t *testing.T) {
	client := mustAddress(t, "127.0.0.1", "31315")
	root := mustAddress(t, "127.0.0.1", "5356")

	addr, err := NewRegisterRequest(client, client).BodyAddress()
	require.NoError(t, err)
	assert.Equal(t, client, addr)

	addr, err = NewAdvertiseResponse(root, client).BodyAddress()
	require.NoError(t, err)
	assert.Equal(t, client, addr)

	_, err = NewAdvertiseRequest(client).BodyAddress()
	assert.Error(t, err)
}

func TestSubtype(t *testing.T) {
	src := mustAddress(t, "127.0.0.1", "31315")
	assert.Equal(t, SubtypeRequest, NewAdvertiseRequest(src).Subtype())
	assert.Equal(t, SubtypeResponse, NewRegisterResponse(src).Subtype())
	assert.Equal(t, "", NewMessage(src, "").Subtype())
}
