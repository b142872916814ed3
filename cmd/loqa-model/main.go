package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/modelstore"
)

var version = "0.1.0-dev"

func main() {
	var (
		dir      string
		override string
	)

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkCmd.StringVar(&dir, "dir", "./data/models", "Models directory")
	checkCmd.StringVar(&override, "override", "", "Explicit model directory to verify")

	fetchCmd := flag.NewFlagSet("fetch", flag.ExitOnError)
	fetchCmd.StringVar(&dir, "dir", "./data/models", "Models directory")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'list', 'check', 'fetch' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "list":
		listCmd.Parse(os.Args[2:])
		runList()
	case "check":
		checkCmd.Parse(os.Args[2:])
		if err := runCheck(dir, override, checkCmd.Args()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "fetch":
		fetchCmd.Parse(os.Args[2:])
		if err := runFetch(dir, fetchCmd.Args()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runList() {
	for _, m := range modelstore.Catalog() {
		fmt.Printf("%-10s %-32s %5d MB  %s\n", m.Key, m.Name, m.SizeMB, m.Description)
	}
}

func runCheck(dir, override string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: loqa-model check [-dir DIR] [-override DIR] LANGUAGE")
	}
	store := newStore(dir, override)
	resolved, err := store.Resolve(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("model for %s: %s\n", args[0], resolved)
	return nil
}

func runFetch(dir string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: loqa-model fetch [-dir DIR] MODEL_KEY")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := modelstore.New(config.ModelsConfig{Dir: dir},
		slog.New(slog.NewTextHandler(os.Stderr, nil)))
	installed, err := store.Fetch(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("installed: %s\n", installed)
	return nil
}

func newStore(dir, override string) *modelstore.Store {
	return modelstore.New(config.ModelsConfig{Dir: dir, PathOverride: override},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}
