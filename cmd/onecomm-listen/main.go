// Command onecomm-listen registers an identity with a relay server and logs
// every handed-over peer connection. It is the smallest useful consumer of
// the onecomm client: point it at a communication server, give it an
// identity file (one is generated on first run) and watch connections
// arrive.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/onecomm"
	"github.com/opd-ai/onecomm/identity"
	"github.com/opd-ai/onecomm/relay"
)

type cliOptions struct {
	Config       string `short:"c" long:"config" description:"TOML config file"`
	Server       string `short:"s" long:"server" description:"Relay server websocket URL"`
	IdentityFile string `short:"i" long:"identity" default:"identity.json" description:"Secret identity file (generated when missing)"`
	Email        string `long:"email" default:"anonymous@localhost" description:"Person email used when generating a new identity"`
	Instance     string `long:"instance" default:"onecomm-listen" description:"Instance name used when generating a new identity"`
	Spares       int    `long:"spares" default:"2" description:"Spare connection pool size"`
	Verbose      bool   `short:"v" long:"verbose" description:"Enable debug logging"`
}

// fileConfig mirrors the flag options that make sense in a config file.
type fileConfig struct {
	Server       string `toml:"server"`
	IdentityFile string `toml:"identity_file"`
	Spares       int    `toml:"spares"`
	ReconnectMS  int    `toml:"reconnect_ms"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "onecomm-listen:", err)
		os.Exit(1)
	}
}

func run() error {
	var opts cliOptions
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return nil
		}
		return err
	}

	if opts.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := fileConfig{}
	if opts.Config != "" {
		if _, err := toml.DecodeFile(opts.Config, &cfg); err != nil {
			return fmt.Errorf("read config %s: %w", opts.Config, err)
		}
	}
	// Flags win over config file values.
	if opts.Server == "" {
		opts.Server = cfg.Server
	}
	if cfg.IdentityFile != "" && opts.IdentityFile == "identity.json" {
		opts.IdentityFile = cfg.IdentityFile
	}
	if cfg.Spares > 0 && opts.Spares == 2 {
		opts.Spares = cfg.Spares
	}

	id, err := loadOrCreateIdentity(opts)
	if err != nil {
		return err
	}

	clientOpts := onecomm.NewOptions()
	clientOpts.Identity = id
	clientOpts.RelayServerURL = opts.Server
	clientOpts.SpareConnectionLimit = opts.Spares
	if cfg.ReconnectMS > 0 {
		clientOpts.ReconnectTimeout = time.Duration(cfg.ReconnectMS) * time.Millisecond
	}

	client, err := onecomm.New(clientOpts)
	if err != nil {
		return err
	}
	defer client.Kill()

	client.OnStateChange(func(sc relay.StateChange) {
		logrus.WithFields(logrus.Fields{
			"old_state": sc.Old.String(),
			"new_state": sc.New.String(),
			"reason":    sc.Reason,
		}).Info("Listener state changed")
	})
	client.OnPeerConnection(func(conn *relay.Connection) {
		logrus.WithFields(logrus.Fields{
			"connection_id": conn.ID(),
		}).Info("Peer connection established")
		// This tool only demonstrates the hand-over; real applications
		// would speak their protocol (or run a secure session) here.
		conn.Close("demo client accepts no traffic")
	})

	if err := client.Start(); err != nil {
		return err
	}

	pub := client.Identity()
	logrus.WithFields(logrus.Fields{
		"person_email": pub.PersonEmail,
		"public_key":   pub.BoxPublicKey,
	}).Info("Listening for hand-overs, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	return nil
}

func loadOrCreateIdentity(opts cliOptions) (*identity.Secret, error) {
	id, err := identity.Load(opts.IdentityFile)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"path": opts.IdentityFile,
	}).Info("No identity file found, generating a new identity")

	id, err = identity.Generate(opts.Email, opts.Instance, opts.Server)
	if err != nil {
		return nil, err
	}
	if err := id.Save(opts.IdentityFile); err != nil {
		return nil, err
	}
	return id, nil
}
