package app

import (
	"bufio"
	"os"

	"github.com/arbor-net/arbor"
	"github.com/arbor-net/arbor/log"
)

// RunPeer starts a peer from the given config file name and blocks
// serving it. The standard input is read line by line into the peer's
// command queue: `Register`, `Advertise` and `SendMessage <text>`.
func RunPeer(configFilename string) {
	if _, err := os.Stat(configFilename); os.IsNotExist(err) {
		log.Fatalf("Configuration file does not exist: %s", configFilename)
	}
	config, err := LoadPeerConfig(configFilename)
	if err != nil {
		log.Fatal("Couldn't parse config:", err)
	}
	addr, err := config.Address()
	log.ErrFatal(err, "Invalid listen address in config")

	var peer *arbor.Peer
	if config.Root {
		peer, err = arbor.NewRootPeer(addr)
	} else {
		root, rerr := config.RootAddress()
		log.ErrFatal(rerr, "Invalid root address in config")
		peer, err = arbor.NewClientPeer(addr, root)
	}
	log.ErrFatal(err, "Couldn't create the peer")

	if config.StatusPort > 0 {
		status := arbor.NewStatusServer(peer, config.StatusPort)
		go func() {
			if err := status.Start(); err != nil {
				log.Error("Status endpoint stopped:", err)
			}
		}()
		defer status.Stop()
	}

	go readCommands(peer)
	peer.Run()
}

// readCommands feeds every line typed on stdin into the peer's command
// queue. Unknown lines are rejected by the peer itself.
func readCommands(peer *arbor.Peer) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		peer.Commands().Add(line)
	}
}
