// Package main is the mirip CLI entry point.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/mirip/internal/config"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/mirip/config.yaml"

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory wins if it exists, and a missing default file means built-in defaults.
// Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

type command struct {
	run   func(args []string) error
	usage string
}

var commands = map[string]command{
	"server":      {runServer, "Start the HTTP server (reconciles on start, saves on shutdown)"},
	"add":         {runAdd, "Add one product with its images"},
	"search":      {runSearch, "Find products similar to an image"},
	"search-text": {runSearchText, "Keyword search over product name, description and attributes"},
	"import":      {runImport, "Import a CSV or XLSX catalog"},
	"reconcile":   {runReconcile, "Repair the vector index against the mapping store"},
	"status":      {runStatus, "Show index and storage status"},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	name := os.Args[1]
	switch name {
	case "version", "--version", "-v":
		fmt.Printf("mirip version %s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Printf("Unknown command: %s\n", name)
		printUsage()
		os.Exit(1)
	}
	if err := cmd.run(os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
		os.Exit(1)
	}
}

// argsReorder moves every flag of fs (and its value) in front of the positional
// arguments so fs.Parse sees them wherever they were typed.
// "mirip search -config c.yaml query.jpg -k 3" would otherwise leave -k unparsed.
// Everything after "--" stays positional.
func argsReorder(fs *flag.FlagSet, args []string) []string {
	flags := make([]string, 0, len(args))
	positional := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if len(a) < 2 || a[0] != '-' {
			positional = append(positional, a)
			continue
		}
		flags = append(flags, a)
		name := strings.TrimLeft(a, "-")
		if strings.Contains(name, "=") {
			continue
		}
		if f := fs.Lookup(name); f != nil && !isBoolFlag(f) && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return append(flags, positional...)
}

func isBoolFlag(f *flag.Flag) bool {
	b, ok := f.Value.(interface{ IsBoolFlag() bool })
	return ok && b.IsBoolFlag()
}

// attrFlag collects repeated -attr k=v flags.
type attrFlag []string

func (a *attrFlag) String() string { return strings.Join(*a, ",") }

func (a *attrFlag) Set(v string) error {
	*a = append(*a, v)
	return nil
}

func printUsage() {
	fmt.Println(`mirip - visual product similarity search

Usage:
  mirip server [flags]                          Start the HTTP server
  mirip add [flags] <image>...                  Add a product with one or more images
  mirip search [flags] <image>                  Find products similar to an image
  mirip search-text [flags] <query>             Keyword search over product text
  mirip import [flags] <catalog.csv|xlsx>       Import a catalog
  mirip reconcile [flags]                       Repair the index after a crash
  mirip status [flags]                          Show index and storage status
  mirip version                                 Show version
  mirip help                                    Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/mirip/config.yaml)
  --debug            Enable debug logging

Add Flags:
  --id string            Product ID (required)
  --name string          Product name
  --price string         Price, e.g. 19.90 (default: 0)
  --description string   Description
  --attr key=value       Attribute; repeatable

Search Flags:
  -k int             Number of results (default from config, 5)
  --format string    Output format: text or json (default: text)
  --server string    Server URL; when set the image is uploaded to a running server

Search-Text Flags:
  --limit int        Number of results (default: 10)
  --fuzzy            Enable typo tolerance
  --server string    Server URL

Import Flags:
  --images string    Directory holding one image folder per product name (required)
  --batch int        Products per index save (default from config, 10)

Status Flags:
  --server string    Server URL; queries a running server
  --format string    Output format: text or json

Examples:
  mirip server
  mirip add -id SKU-1 -name "Floral Tee" -price 19.90 -attr color=red -attr size=M front.jpg back.jpg
  mirip search -k 3 query.jpg
  mirip search -server http://localhost:8080 -format json query.png
  mirip search-text -fuzzy florl
  mirip import -images ./images catalog.xlsx
  mirip status -server http://localhost:8080`)
}
