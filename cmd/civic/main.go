// civic runs the citizen-issue session agent: it keeps the backend session
// alive, holds the realtime emergency channel for category admins and
// exposes a local control API.
package main

import (
	"errors"
	"fmt"
	"os"

	"civic/cmd/internal/app"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "civic: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts app.Options

	fs := pflag.NewFlagSet("civic", pflag.ContinueOnError)
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file (default: $CIVIC_CONFIG)")
	fs.StringVar(&opts.LogLevel, "log-level", "", "override log level: debug, info, warn, error")
	fs.StringVar(&opts.LogFormat, "log-format", "", "override log format: json, text, pretty")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return app.Main(opts)
}
