// Command quarry-maint runs table maintenance jobs by hand.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
)

func main() {
	app := newApp(os.Stdout)
	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "quarry-maint: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *kingpin.Application {
	app := kingpin.New("quarry-maint", "Maintenance jobs for quarry tables.")
	app.HelpFlag.Short('h')

	configFile := app.Flag("config.file", "YAML file to load the configuration from.").String()
	addVacuumCommand(app, configFile, out)
	addReclusterPlanCommand(app, out)
	return app
}
