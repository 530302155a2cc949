package amanecli

import (
	"os"

	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Usage = "ephemeral mailing list manager"
	app.Description = `Amane runs short-lived mailing lists controlled entirely over SMTP.

This executable starts the ingress server ('run'), performs the periodic
lifecycle and reporting passes ('review', 'report') and manages tenants
('tenant ...'). All subcommands share one configuration file.`
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
	}
	app.EnableBashCompletion = true
}

func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

// Run executes the assembled application. Subcommands signal their exit
// status through cli.Exit.
func Run() {
	if err := app.Run(os.Args); err != nil {
		cli.HandleExitCoder(err)
		os.Exit(1)
	}
}
