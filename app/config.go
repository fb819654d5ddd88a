package app

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/arbor-net/arbor/network"
	"golang.org/x/xerrors"
)

// PeerConfig is the configuration structure of the arbor daemon.
// - IP, Port: the address this peer listens on and advertises
// - Root: whether this peer is the root of the overlay
// - RootIP, RootPort: where to find the root (clients only)
// - Description: a free-form description of the peer
// - StatusPort: where the websocket status endpoint listens; 0 disables it
type PeerConfig struct {
	IP          string
	Port        string
	Root        bool
	RootIP      string
	RootPort    string
	Description string
	StatusPort  int
}

// Save will save this PeerConfig to the given file name. It will return an
// error if the file couldn't be created or if there is an error in the
// encoding.
func (pc *PeerConfig) Save(file string) error {
	fd, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return xerrors.Errorf("opening config file: %v", err)
	}
	defer fd.Close()
	fd.WriteString("# Arbor peer configuration.\n")
	if err := toml.NewEncoder(fd).Encode(pc); err != nil {
		return xerrors.Errorf("encoding config: %v", err)
	}
	return nil
}

// LoadPeerConfig loads a peer config from the given file.
func LoadPeerConfig(file string) (*PeerConfig, error) {
	pc := &PeerConfig{}
	if _, err := toml.DecodeFile(file, pc); err != nil {
		return nil, xerrors.Errorf("decoding config: %v", err)
	}
	return pc, nil
}

// Address returns the canonical address this peer should listen on.
func (pc *PeerConfig) Address() (network.Address, error) {
	return network.NewAddress(pc.IP, pc.Port)
}

// RootAddress returns the canonical address of the overlay root. For a
// root peer this is its own address.
func (pc *PeerConfig) RootAddress() (network.Address, error) {
	if pc.Root {
		return pc.Address()
	}
	if pc.RootIP == "" || pc.RootPort == "" {
		return network.Address{}, xerrors.New("no root address configured")
	}
	return network.NewAddress(pc.RootIP, pc.RootPort)
}
