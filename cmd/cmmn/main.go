// Command cmmn drives case instances stored in a local database.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
)

// CLI is the kong model; global flags configure the engine for every command.
type CLI struct {
	DB          string `help:"Database file, or DSN for postgres." default:"cmmn.db"`
	Store       string `help:"Instance store backend." enum:"sqlite,postgres,bolt" default:"sqlite"`
	Definitions string `help:"Directory of case definitions (yaml or json)." type:"path" short:"d"`
	Config      string `help:"Engine config file (yaml)." type:"path"`
	RedisAddr   string `help:"Redis address for cross-process case locks." name:"redis-addr"`
	LogLevel    string `help:"Log level." default:"info" enum:"trace,debug,info,warn,error"`
	LogJSON     bool   `help:"Log as JSON." name:"log-json"`

	Start          StartCmd          `cmd:"" help:"Start a case instance."`
	Trigger        TriggerCmd        `cmd:"" help:"Complete a task or occur an event listener or milestone."`
	Enable         EnableCmd         `cmd:"" help:"Enable an available or disabled plan item."`
	Disable        DisableCmd        `cmd:"" help:"Disable an enabled plan item."`
	ManualStart    ManualStartCmd    `cmd:"" name:"manual-start" help:"Start an enabled plan item."`
	CompleteStage  CompleteStageCmd  `cmd:"" name:"complete-stage" help:"Complete an active stage."`
	Terminate      TerminateCmd      `cmd:"" help:"Terminate a case instance."`
	BusinessStatus BusinessStatusCmd `cmd:"" name:"business-status" help:"Set the business status of a case."`
	SetVar         SetVarCmd         `cmd:"" name:"set-var" help:"Set case or plan item variables."`
	Show           ShowCmd           `cmd:"" help:"Show a case and its plan items, or list cases."`
	DefinitionsCmd DefinitionsCmd    `cmd:"" name:"definitions" help:"List deployed case definitions."`
	Work           WorkCmd           `cmd:"" help:"Run jobs and drain the outbox for a while."`
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "cmmn:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("cmmn"),
		kong.Description("Case management plan item engine."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, &cli, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	return kctx.Run(a)
}
