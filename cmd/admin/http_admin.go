package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func adminURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

// call performs one admin request and prints the response body. It exits
// non-zero on transport errors and non-2xx replies.
func call(method, u string, body io.Reader) {
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(2)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	call(http.MethodGet, adminURL(*baseURL, "/admin/v1/state"), nil)
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	call(http.MethodPost, adminURL(*baseURL, "/admin/v1/snapshot"), nil)
}

func spawnCmd(args []string) {
	fs := flag.NewFlagSet("spawn", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	name := fs.String("name", "", "entity name (optional)")
	_ = fs.Parse(args)
	call(http.MethodPost, adminURL(*baseURL, "/admin/v1/spawn?name="+url.QueryEscape(*name)), nil)
}

func activeCmd(args []string) {
	fs := flag.NewFlagSet("active", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	entity := fs.String("entity", "", "entity id (required)")
	active := fs.Bool("active", true, "attach (true) or detach (false)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*entity) == "" {
		fmt.Fprintln(os.Stderr, "missing -entity")
		os.Exit(2)
	}
	q := url.Values{"entity_id": {*entity}, "active": {fmt.Sprint(*active)}}
	call(http.MethodPost, adminURL(*baseURL, "/admin/v1/active?"+q.Encode()), nil)
}

func tuneCmd(args []string) {
	fs := flag.NewFlagSet("tune", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	entity := fs.String("entity", "", "entity id (empty for every entity)")
	kind := fs.String("kind", "HEALTH", "HEALTH|HEAT")
	op := fs.String("op", "CHANGE", "CHANGE|SET|SET_BOUND")
	value := fs.Float64("value", 0, "amount or target value")
	_ = fs.Parse(args)

	b, err := json.Marshal(map[string]any{"entity_id": *entity, "kind": *kind, "op": *op, "value": *value})
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		os.Exit(2)
	}
	call(http.MethodPost, adminURL(*baseURL, "/admin/v1/tune"), bytes.NewReader(b))
}
