package app

import (
	"io/ioutil"
	"os"
	"path"
	"testing"

	"github.com/arbor-net/arbor/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func TestConfigSaveLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "arbor-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	file := path.Join(dir, DefaultConfig)

	config := &PeerConfig{
		IP:          "127.0.0.1",
		Port:        "31315",
		Root:        false,
		RootIP:      "127.0.0.1",
		RootPort:    "5356",
		Description: "test peer",
		StatusPort:  8081,
	}
	require.NoError(t, config.Save(file))

	loaded, err := LoadPeerConfig(file)
	require.NoError(t, err)
	assert.Equal(t, config, loaded)
}

func TestConfigAddresses(t *testing.T) {
	config := &PeerConfig{
		IP:       "127.0.0.1",
		Port:     "31315",
		RootIP:   "192.168.1.1",
		RootPort: "5356",
	}

	addr, err := config.Address()
	require.NoError(t, err)
	assert.Equal(t, "127.000.000.001:31315", addr.String())

	root, err := config.RootAddress()
	require.NoError(t, err)
	assert.Equal(t, "192.168.001.001:05356", root.String())

	// a root peer is its own root
	config.Root = true
	root, err = config.RootAddress()
	require.NoError(t, err)
	assert.Equal(t, addr, root)

	// a client without a configured root is an error
	bad := &PeerConfig{IP: "127.0.0.1", Port: "31315"}
	_, err = bad.RootAddress()
	assert.Error(t, err)

	// malformed addresses surface as errors
	bad = &PeerConfig{IP: "1.2.3", Port: "31315"}
	_, err = bad.Address()
	assert.Error(t, err)
}

func TestLoadMissingConfig(t *testing.T) {
	_, err := LoadPeerConfig("does-not-exist.toml")
	assert.Error(t, err)
}
