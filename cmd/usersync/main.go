package main

import (
	"fmt"
	"os"

	"github.com/lsm/usersync/internal/cli"
)

const usage = `usersync - user event sync toolkit

Usage:
  usersync <command> [arguments]

Commands:
  publish               Publish UserModified events
  dlq list              Print stored dead letters
  dlq replay            Re-publish dead letters to their original topic
  lag                   Show consumer group lag

Run 'usersync <command> -h' for help on a specific command.`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		return nil
	}

	switch os.Args[1] {
	case "publish":
		return cli.RunPublish(os.Args[2:])
	case "dlq":
		return cli.RunDLQ(os.Args[2:])
	case "lag":
		return cli.RunLag(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\nRun 'usersync help' for usage", os.Args[1])
	}
}
