//go:build linux

package main

import (
	"os"

	E "github.com/sagernet/sing-netcore/common/exceptions"
	"github.com/sagernet/sing-netcore/conf"

	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// loadConfig merges the configuration file with a listener described on
// the command line. Explicit flags win over the file's log settings.
func loadConfig(flagSet *pflag.FlagSet, f *flags) (*conf.Config, error) {
	config := new(conf.Config)
	if f.ConfigFile != "" {
		loaded, err := conf.Load(f.ConfigFile)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	if f.Listen != "" {
		password, err := readPassword(f.Password)
		if err != nil {
			return nil, err
		}
		config.Listeners = append(config.Listeners, &conf.Listener{
			Listen:            f.Listen,
			Mode:              conf.Mode(f.Mode),
			Transport:         f.Transport,
			Password:          password,
			Upstream:          f.Upstream,
			UpstreamSource:    f.Source,
			UpstreamTransport: f.UpstreamCipher,
			UpstreamPassword:  f.UpstreamKey,
			BufferLimit:       f.BufferLimit,
			MaxFrameSize:      f.MaxFrameSize,
			UseOriginalDst:    f.OriginalDst,
			NoDelay:           f.NoDelay,
		})
	}
	if flagSet.Changed("log-level") {
		config.Log.Level = f.LogLevel
	}
	if f.Verbose {
		config.Log.Level = "debug"
	}
	err := config.Validate()
	if err != nil {
		return nil, err
	}
	return config, nil
}

func readPassword(password string) (string, error) {
	if password != "-" {
		return password, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", E.New("password prompt needs a terminal")
	}
	os.Stderr.WriteString("Password: ")
	content, err := term.ReadPassword(fd)
	os.Stderr.WriteString("\n")
	if err != nil {
		return "", E.Cause(err, "read password")
	}
	return string(content), nil
}
