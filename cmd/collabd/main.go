package main

import (
	"fmt"
	"os"

	"github.com/collabd/collabd/cmd/collabd/serve"
	"github.com/collabd/collabd/cmd/collabd/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve.Run(os.Args[2:])
	case "version":
		version.Run()
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`collabd - Collaborative Document Storage Service

Usage:
  collabd <command> [options]

Commands:
  serve     Start the HTTP server
  version   Print version information
  help      Show this help message

Run 'collabd <command> --help' for more information on a command.`)
}
