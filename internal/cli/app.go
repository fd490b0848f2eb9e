package petrelcli

import (
	"fmt"
	"os"

	"github.com/petrelmail/petrel/framework/log"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Usage = "compact multi-protocol mail server"
	app.Description = `Petrel serves SMTP, IMAP and POP3 for a single authoritative domain
over one shared file-backed message store. Mail addressed to a local
user is written to their INBOX, everything else is relayed to the MX
of the recipient domain.

The server is started with the 'run' subcommand.
`
	app.Authors = []*cli.Author{
		{
			Name: "Petrel Mail Server maintainers & contributors",
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
		{
			Name:   "generate-fish-completion",
			Hidden: true,
			Action: func(c *cli.Context) error {
				cp, err := app.ToFishCompletion()
				if err != nil {
					return err
				}
				fmt.Println(cp)
				return nil
			},
		},
	}
}

// AddSubcommand registers cmd in the application. It is meant to be
// called from an init function of the package implementing the command
// so that importing the package for side effects is enough to make the
// command available.
func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

func Run() {
	// The run subcommand is registered in petrel.go.
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
