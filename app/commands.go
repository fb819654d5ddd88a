package app

import (
	"os"
	"path"

	"github.com/arbor-net/arbor/cfgpath"
	"github.com/arbor-net/arbor/log"
	"github.com/urfave/cli"
)

// DefaultConfig is the default configuration file-name.
const DefaultConfig = "arbor.toml"

// GetDefaultConfigFile returns the default path of the configuration file,
// inside the user's configuration directory.
func GetDefaultConfigFile() string {
	return path.Join(cfgpath.GetConfigPath("arbor"), DefaultConfig)
}

// CmdSetup writes a fresh configuration file from the given flags.
var CmdSetup = cli.Command{
	Name:    "setup",
	Aliases: []string{"s"},
	Usage:   "Write the configuration for the peer",
	Action:  setup,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: GetDefaultConfigFile(),
			Usage: "Configuration file to write",
		},
		cli.StringFlag{
			Name:  "ip",
			Value: "127.0.0.1",
			Usage: "IP address this peer listens on",
		},
		cli.StringFlag{
			Name:  "port, p",
			Value: "5356",
			Usage: "Port this peer listens on",
		},
		cli.BoolFlag{
			Name:  "root",
			Usage: "Make this peer the root of the overlay",
		},
		cli.StringFlag{
			Name:  "root-ip",
			Usage: "IP address of the root (clients only)",
		},
		cli.StringFlag{
			Name:  "root-port",
			Usage: "Port of the root (clients only)",
		},
		cli.IntFlag{
			Name:  "status-port",
			Usage: "Port for the websocket status endpoint, 0 to disable",
		},
	},
}

// CmdRun starts the peer.
var CmdRun = cli.Command{
	Name:  "run",
	Usage: "Run the arbor peer",
	Action: func(c *cli.Context) error {
		runPeer(c)
		return nil
	},
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: GetDefaultConfigFile(),
			Usage: "Configuration file of the peer",
		},
	},
}

// FlagDebug offers a debug-flag
var FlagDebug = cli.IntFlag{
	Name:  "debug, d",
	Value: 0,
	Usage: "debug-level: 1 for terse, 5 for maximal",
}

// Arbor creates a stand-alone arbor binary.
func Arbor() {
	cliApp := cli.NewApp()
	cliApp.Name = "arbor"
	cliApp.Usage = "Serve a peer of the broadcast tree"
	cliApp.Commands = []cli.Command{
		CmdSetup,
		CmdRun,
	}
	cliApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: GetDefaultConfigFile(),
			Usage: "Configuration file of the peer",
		},
		FlagDebug,
	}
	cliApp.Before = func(c *cli.Context) error {
		if c.Int("debug") > 0 {
			log.SetDebugVisible(c.Int("debug"))
		}
		return nil
	}

	// default action
	cliApp.Action = func(c *cli.Context) error {
		runPeer(c)
		return nil
	}

	err := cliApp.Run(os.Args)
	log.ErrFatal(err)
}

func runPeer(ctx *cli.Context) {
	RunPeer(ctx.String("config"))
}

func setup(c *cli.Context) error {
	config := &PeerConfig{
		IP:         c.String("ip"),
		Port:       c.String("port"),
		Root:       c.Bool("root"),
		RootIP:     c.String("root-ip"),
		RootPort:   c.String("root-port"),
		StatusPort: c.Int("status-port"),
	}
	if _, err := config.Address(); err != nil {
		return err
	}
	if !config.Root {
		if _, err := config.RootAddress(); err != nil {
			return err
		}
	}
	file := c.String("config")
	if err := os.MkdirAll(path.Dir(file), 0744); err != nil {
		return err
	}
	if err := config.Save(file); err != nil {
		return err
	}
	log.Info("Configuration saved to", c.String("config"))
	return nil
}
