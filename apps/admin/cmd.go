package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"

	"github.com/trezcool/mahudhurio/core/attendance"
)

var errHelp = errors.New("help provided")

// attendanceService is the slice of the attendance service the CLI uses.
type attendanceService interface {
	ListOverdue(ctx context.Context) ([]attendance.Session, error)
	EndOverdue(ctx context.Context) ([]attendance.Session, error)
}

type commandLine struct {
	db     *sql.DB
	attSvc attendanceService
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [ARGS] - run DB migrations (up, down, status, ...)")
	fmt.Println("  endsessions [-dry-run] - end active sessions past their scheduled duration")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	endSessionsCmd := flag.NewFlagSet("endsessions", flag.ExitOnError)
	endSessionsDryRun := endSessionsCmd.Bool("dry-run", false, "List overdue sessions without ending them.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "endsessions":
		if err := endSessionsCmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.endSessions(*endSessionsDryRun)
	default:
		cli.printUsage()
		return errHelp
	}
}
