// Package main provides a CLI client for the opspulse REST surface.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
)

const defaultAddr = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "create":
		createCmd(os.Args[2:])
	case "list":
		listCmd(os.Args[2:])
	case "get":
		getCmd(os.Args[2:])
	case "update":
		updateCmd(os.Args[2:])
	case "delete":
		deleteCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "runs":
		runsCmd(os.Args[2:])
	case "health":
		healthCmd(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage:
  opspulse-client create --file <routine.json> [--addr <url>]
  opspulse-client list [--limit <n>] [--addr <url>]
  opspulse-client get --id <routine-id> [--addr <url>]
  opspulse-client update --id <routine-id> --file <patch.json> [--addr <url>]
  opspulse-client delete --id <routine-id> [--addr <url>]
  opspulse-client run --id <routine-id> [--addr <url>]
  opspulse-client runs --id <routine-id> [--limit <n>] [--addr <url>]
  opspulse-client health [--addr <url>]

The access token is read from OPSPULSE_TOKEN.
`)
}

// commonFlags registers the flags shared by every subcommand.
func commonFlags(fs *flag.FlagSet) *string {
	return fs.String("addr", defaultAddr, "opspulse server address")
}

func createCmd(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	addr := commonFlags(fs)
	file := fs.String("file", "", "path to routine JSON")
	_ = fs.Parse(args)

	if *file == "" {
		fatal("create: --file is required")
	}
	payload, err := os.ReadFile(*file)
	if err != nil {
		fatal("create: %v", err)
	}
	request(http.MethodPost, *addr+"/routines", payload)
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	addr := commonFlags(fs)
	limit := fs.Int("limit", 0, "max routines to return")
	_ = fs.Parse(args)

	url := *addr + "/routines"
	if *limit > 0 {
		url += "?limit=" + strconv.Itoa(*limit)
	}
	request(http.MethodGet, url, nil)
}

func getCmd(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	addr := commonFlags(fs)
	id := fs.String("id", "", "routine id")
	_ = fs.Parse(args)

	if *id == "" {
		fatal("get: --id is required")
	}
	request(http.MethodGet, *addr+"/routines/"+*id, nil)
}

func updateCmd(args []string) {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	addr := commonFlags(fs)
	id := fs.String("id", "", "routine id")
	file := fs.String("file", "", "path to patch JSON")
	_ = fs.Parse(args)

	if *id == "" || *file == "" {
		fatal("update: --id and --file are required")
	}
	payload, err := os.ReadFile(*file)
	if err != nil {
		fatal("update: %v", err)
	}
	request(http.MethodPatch, *addr+"/routines/"+*id, payload)
}

func deleteCmd(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	addr := commonFlags(fs)
	id := fs.String("id", "", "routine id")
	_ = fs.Parse(args)

	if *id == "" {
		fatal("delete: --id is required")
	}
	request(http.MethodDelete, *addr+"/routines/"+*id, nil)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	addr := commonFlags(fs)
	id := fs.String("id", "", "routine id")
	_ = fs.Parse(args)

	if *id == "" {
		fatal("run: --id is required")
	}
	request(http.MethodPost, *addr+"/routines/"+*id+"/run", nil)
}

func runsCmd(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	addr := commonFlags(fs)
	id := fs.String("id", "", "routine id")
	limit := fs.Int("limit", 0, "max runs to return")
	_ = fs.Parse(args)

	if *id == "" {
		fatal("runs: --id is required")
	}
	url := *addr + "/routines/" + *id + "/runs"
	if *limit > 0 {
		url += "?limit=" + strconv.Itoa(*limit)
	}
	request(http.MethodGet, url, nil)
}

func healthCmd(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := commonFlags(fs)
	_ = fs.Parse(args)
	request(http.MethodGet, *addr+"/health", nil)
}

// request performs one API call and pretty-prints the JSON response.
// Non-2xx responses print the error envelope and exit non-zero.
func request(method, url string, payload []byte) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		fatal("%v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := os.Getenv("OPSPULSE_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal("%v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal("read response: %v", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
