package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

type client struct {
	base  string
	token string
	user  string
	role  string
	// reads retries GETs on transport errors; writes never retries
	reads  *retryablehttp.Client
	writes *retryablehttp.Client
}

func newClient(base, token, user, role string) *client {
	reads := retryablehttp.NewClient()
	reads.RetryMax = 2
	reads.RetryWaitMin = 200 * time.Millisecond
	reads.RetryWaitMax = time.Second
	reads.Logger = nil
	reads.CheckRetry = retryTransportErrors

	writes := retryablehttp.NewClient()
	writes.RetryMax = 0
	writes.Logger = nil
	writes.CheckRetry = func(ctx context.Context, _ *http.Response, _ error) (bool, error) {
		return false, ctx.Err()
	}
	return &client{base: strings.TrimRight(base, "/"), token: token, user: user, role: role, reads: reads, writes: writes}
}

// retryTransportErrors retries when no response arrived. A response of any
// status is final: the agent may already have acted on the request.
func retryTransportErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func main() {
	addr := flag.String("addr", envOr("MCAGENT_ADDR", "http://127.0.0.1:8080"), "Agent base URL")
	token := flag.String("token", os.Getenv("MCAGENT_TOKEN"), "Agent token")
	user := flag.String("user", envOr("MCAGENT_USER", "cli"), "User id recorded in the event log")
	role := flag.String("role", envOr("MCAGENT_ROLE", "admin"), "Role asserted for the request")
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	c := newClient(*addr, *token, *user, *role)

	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "status":
		c.get("/v1/status")
	case "players":
		c.get("/v1/players")
	case "start":
		c.post("/v1/server/start", nil)
	case "stop", "restart":
		var body any
		if len(args) > 0 {
			ms, err := strconv.Atoi(args[0])
			if err != nil {
				fail("timeout must be milliseconds")
			}
			body = map[string]int{"timeoutMs": ms}
		}
		c.post("/v1/server/"+flag.Arg(0), body)
	case "kill":
		c.post("/v1/server/kill", nil)
	case "cmd":
		if len(args) == 0 {
			fail("missing command")
		}
		c.post("/v1/console/command", map[string]string{"command": strings.Join(args, " ")})
	case "logs":
		q := url.Values{"limit": {"100"}}
		if len(args) > 0 {
			q.Set("limit", args[0])
		}
		c.get("/v1/console/logs?" + q.Encode())
	case "tail":
		c.tail()
	case "backups":
		c.get("/v1/backups")
	case "backup":
		body := map[string]string{}
		if len(args) > 0 {
			body["label"] = args[0]
		}
		c.post("/v1/backups", body)
	case "restore":
		if len(args) == 0 {
			fail("missing backup name")
		}
		c.post("/v1/backups/"+url.PathEscape(args[0])+"/restore", nil)
	case "events":
		q := url.Values{}
		if len(args) > 0 {
			q.Set("category", args[0])
		}
		c.get("/v1/events?" + q.Encode())
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("mcagentctl [--addr URL] [--token T] [--user U] [--role R] <command> [args]")
	fmt.Println("commands:")
	fmt.Println("  status                   Show server status")
	fmt.Println("  players                  List online players")
	fmt.Println("  start                    Start the server")
	fmt.Println("  stop [timeoutMs]         Stop the server")
	fmt.Println("  restart [timeoutMs]      Restart the server")
	fmt.Println("  kill                     Kill the server")
	fmt.Println("  cmd <command...>         Send a console command")
	fmt.Println("  logs [n]                 Show buffered console lines")
	fmt.Println("  tail                     Follow the console")
	fmt.Println("  backups                  List backups")
	fmt.Println("  backup [label]           Create a backup")
	fmt.Println("  restore <name>           Restore a backup")
	fmt.Println("  events [category]        Show the event log")
}

// do sends one request. Statuses of 300 and above are returned as errors
// carrying the response body.
func (c *client) do(method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := retryablehttp.NewRequest(method, c.base+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-User-Id", c.user)
	req.Header.Set("X-User-Role", c.role)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	hc := c.writes
	if method == http.MethodGet {
		hc = c.reads
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (c *client) request(method, path string, body any) *http.Response {
	resp, err := c.do(method, path, body)
	if err != nil {
		fail(err.Error())
	}
	return resp
}

func (c *client) get(path string) {
	resp := c.request(http.MethodGet, path, nil)
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func (c *client) post(path string, body any) {
	resp := c.request(http.MethodPost, path, body)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		fmt.Println("OK")
		return
	}
	printJSON(resp.Body)
}

// tail follows the server-sent console stream until the server stops.
func (c *client) tail() {
	c.reads.HTTPClient.Timeout = 0
	resp := c.request(http.MethodGet, "/v1/console/stream?tail=50", nil)
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 128*1024)
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if event != "log" {
				fmt.Fprintf(os.Stderr, "-- stream %s\n", event)
				return
			}
			var e struct {
				Raw string `json:"raw"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err == nil {
				fmt.Println(e.Raw)
			}
		}
	}
}

func printJSON(r io.Reader) {
	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Println("OK")
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	os.Stdout.Write(b)
	fmt.Println()
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
