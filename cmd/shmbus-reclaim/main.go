package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/shmbus/shmbus"
)

func main() {
	// Define flags
	list := flag.Bool("list", false, "List every node under the root with its alive/dead state")
	reclaim := flag.Bool("reclaim", false, "Remove dead nodes and the segment files they left behind")
	root := flag.String("root", "", "Config root directory (default: global config root)")
	flag.Parse()

	cfg := shmbus.GlobalConfig()
	if *root != "" {
		cfg.Root = *root
	}

	if !*list && !*reclaim {
		fmt.Fprintln(os.Stderr, "Error: --list or --reclaim must be specified")
		fmt.Fprintln(os.Stderr, "\nUsage: shmbus-reclaim --reclaim --root=/tmp/shmbus")
		fmt.Fprintln(os.Stderr, "\nThis tool discovers nodes left behind by crashed processes and")
		fmt.Fprintln(os.Stderr, "reclaims their registry entries and shared-memory segments.")
		os.Exit(1)
	}

	if *list {
		states, err := shmbus.ListNodes(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Listing failed: %v\n", err)
			os.Exit(1)
		}
		for _, st := range states {
			name := "<unknown>"
			if st.Details != nil {
				name = st.Details.Name
			}
			fmt.Printf("%s  %-5s  %10d B  %s\n", st.ID, st.Status, shmbus.SegmentUsage(cfg, st.ID), name)
		}
		fmt.Printf("%d node(s) under %s\n", len(states), cfg.Root)
	}

	if *reclaim {
		removed, err := shmbus.CleanupDeadNodes(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Reclaim failed: %v\n", err)
			os.Exit(1)
		}
		for _, id := range removed {
			fmt.Printf("reclaimed %s\n", id)
		}
		fmt.Printf("%d dead node(s) reclaimed under %s\n", len(removed), cfg.Root)
	}
}
