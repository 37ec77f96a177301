package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"vitalsync.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "spawn":
			spawnCmd(os.Args[2:])
			return
		case "active":
			activeCmd(os.Args[2:])
			return
		case "tune":
			tuneCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints every host directory with its latest snapshot, if any.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "hosts")
	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		latest := snapshot.Latest(filepath.Join(base, e.Name(), "snapshots"))
		if latest == "" {
			fmt.Println(e.Name())
			continue
		}
		fmt.Printf("%s\tlatest=%s\n", e.Name(), filepath.Base(latest))
	}
}
