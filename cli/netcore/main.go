//go:build linux

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sagernet/sing-netcore/common/log"
	"github.com/sagernet/sing-netcore/conf"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

type flags struct {
	ConfigFile     string
	Listen         string
	Mode           string
	Transport      string
	Password       string
	Upstream       string
	Source         string
	UpstreamCipher string
	UpstreamKey    string
	BufferLimit    uint32
	MaxFrameSize   uint64
	OriginalDst    bool
	NoDelay        bool
	Verbose        bool
	LogLevel       string
}

func main() {
	f := new(flags)

	command := &cobra.Command{
		Use:   "netcore",
		Short: "event-driven echo, frame and proxy server",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			err := run(cmd.Flags(), f)
			if err != nil {
				logrus.Fatal(err)
			}
		},
	}

	command.Flags().StringVarP(&f.ConfigFile, "config", "c", "", "Use a configuration file.")
	command.Flags().StringVarP(&f.Listen, "listen", "l", "", "Add a listener on this address.")
	command.Flags().StringVarP(&f.Mode, "mode", "m", string(conf.ModeEcho), "Set the listener mode: echo, frame or proxy.")
	command.Flags().StringVarP(&f.Transport, "transport", "t", conf.TransportRaw, "Set the listener transport: raw or chacha20.")
	command.Flags().StringVarP(&f.Password, "password", "k", "", "Set the transport password. Use - to read it from the terminal.")
	command.Flags().StringVarP(&f.Upstream, "upstream", "u", "", "Set the upstream address in proxy mode.")
	command.Flags().StringVar(&f.Source, "source", "", "Bind upstream connections to this address.")
	command.Flags().StringVar(&f.UpstreamCipher, "upstream-transport", conf.TransportRaw, "Set the upstream transport: raw or chacha20.")
	command.Flags().StringVar(&f.UpstreamKey, "upstream-password", "", "Set the upstream transport password.")
	command.Flags().Uint32Var(&f.BufferLimit, "buffer-limit", 0, "Set the per-connection buffer limit in bytes. Defaults to 1 MiB, or room for the largest frame in frame mode.")
	command.Flags().Uint64Var(&f.MaxFrameSize, "max-frame-size", 0, "Set the largest accepted frame in frame mode. Defaults to 1 MiB.")
	command.Flags().BoolVar(&f.OriginalDst, "original-dst", false, "Use the pre-redirect destination of accepted connections.")
	command.Flags().BoolVar(&f.NoDelay, "no-delay", false, "Disable Nagle's algorithm on upstream connections.")
	command.Flags().BoolVarP(&f.Verbose, "verbose", "v", false, "Enable verbose mode.")
	command.Flags().StringVar(&f.LogLevel, "log-level", "", "Set the log level.")

	err := command.Execute()
	if err != nil {
		logrus.Fatal(err)
	}
}

func run(flagSet *pflag.FlagSet, f *flags) error {
	config, err := loadConfig(flagSet, f)
	if err != nil {
		return err
	}
	colors := !config.Log.DisableColor && term.IsTerminal(int(os.Stderr.Fd()))
	log.Setup(os.Stderr, log.ParseLevel(config.Log.Level), colors)

	s, err := newServer(config)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = s.Start(ctx)
	if err != nil {
		s.Close()
		return err
	}
	err = s.Run(ctx)
	s.Close()
	return err
}
