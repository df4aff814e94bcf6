package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "list":
		listCmd(args)
	case "counts":
		countsCmd(args)
	case "show":
		showCmd(args)
	case "unlocked":
		unlockedCmd(args)
	case "events":
		eventsCmd(args)
	case "reprocess":
		reprocessCmd(args)
	case "metrics":
		metricsCmd(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin <list|counts|show|unlocked|events|reprocess|metrics> [flags]")
}
