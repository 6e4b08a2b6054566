// The orchestrator watches a DAO governor for new proposals, routes
// them through an external risk analysis, and casts delegated votes on
// chain according to each user's risk threshold.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/daosentry/daosentry/cmd/orchestrator/flags"
	"github.com/daosentry/daosentry/node"
)

func startNode(ctx *cli.Context) error {
	orchestrator, err := node.New(ctx)
	if err != nil {
		return err
	}
	orchestrator.Start()
	return nil
}

func main() {
	cli.AppHelpTemplate = `NAME:
   {{.Name}} - {{.Usage}}
USAGE:
   {{.HelpName}} {{if .VisibleFlags}}[global options]{{end}}
   {{if len .Authors}}
AUTHOR:
   {{range .Authors}}{{ . }}{{end}}
   {{end}}{{if .Commands}}
GLOBAL OPTIONS:
   {{range .VisibleFlags}}{{.}}
   {{end}}{{end}}{{if .Copyright }}
COPYRIGHT:
   {{.Copyright}}
   {{end}}{{if .Version}}
VERSION:
   {{.Version}}
   {{end}}
`
	app := cli.NewApp()
	app.Name = "orchestrator"
	app.Usage = "DAO governance auto-voting orchestrator"
	app.Action = startNode
	app.Flags = flags.Flags

	app.Before = func(ctx *cli.Context) error {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
