package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"dreamhex.ai/internal/hex"
	"dreamhex.ai/internal/persistence/docstore"
	"dreamhex.ai/internal/persistence/eventlog"
)

func openStore(path string) *docstore.Store {
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	store, err := docstore.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return store
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dbPath := fs.String("db", "./data/dreamhex.db", "sqlite db path")
	status := fs.String("status", "", "status filter (optional)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	st := hex.Status(strings.ToUpper(strings.TrimSpace(*status)))
	if st != "" && !st.Valid() {
		fmt.Fprintln(os.Stderr, "bad -status:", *status)
		os.Exit(2)
	}

	store := openStore(*dbPath)
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := store.ListRows(ctx, st, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, r := range rows {
		printJSON(map[string]any{
			"slug":       r.Slug,
			"owner_id":   r.OwnerID,
			"title":      r.Title,
			"status":     r.Status,
			"generation": r.Generation,
			"updated_at": r.UpdatedAt,
		})
	}
}

func countsCmd(args []string) {
	fs := flag.NewFlagSet("counts", flag.ExitOnError)
	dbPath := fs.String("db", "./data/dreamhex.db", "sqlite db path")
	_ = fs.Parse(args)

	store := openStore(*dbPath)
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	printJSON(counts)
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	dbPath := fs.String("db", "./data/dreamhex.db", "sqlite db path")
	slug := fs.String("slug", "", "world slug")
	_ = fs.Parse(args)

	if strings.TrimSpace(*slug) == "" {
		fmt.Fprintln(os.Stderr, "missing -slug")
		os.Exit(2)
	}
	store := openStore(*dbPath)
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w, err := store.Get(ctx, hex.Slugify(*slug))
	if errors.Is(err, docstore.ErrNotFound) {
		fmt.Fprintln(os.Stderr, "not found:", *slug)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	printJSON(w)
}

func unlockedCmd(args []string) {
	fs := flag.NewFlagSet("unlocked", flag.ExitOnError)
	dbPath := fs.String("db", "./data/dreamhex.db", "sqlite db path")
	user := fs.String("user", "", "user id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*user) == "" {
		fmt.Fprintln(os.Stderr, "missing -user")
		os.Exit(2)
	}
	store := openStore(*dbPath)
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slugs, err := store.Unlocked(ctx, strings.TrimSpace(*user))
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, s := range slugs {
		fmt.Println(s)
	}
}

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dir := fs.String("dir", "./data/events", "event log directory")
	slug := fs.String("slug", "", "world slug filter (optional)")
	kind := fs.String("event", "", "event name filter (optional)")
	_ = fs.Parse(args)

	name := strings.TrimSpace(*kind)
	err := eventlog.Filter(*dir, *slug, func(ev eventlog.Event) error {
		if name != "" && ev.Event != name {
			return nil
		}
		printJSON(ev)
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
