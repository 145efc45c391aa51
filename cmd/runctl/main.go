// Command runctl is a command line client for the run engine.
//
//	runctl [-addr URL] create -session S [-plan plan.yaml] [-key K]
//	runctl get RUN_ID
//	runctl tasks RUN_ID
//	runctl resume [-key K] RUN_ID INPUT_JSON
//	runctl cancel [-reason R] RUN_ID
//	runctl events [-since N] [-limit N] RUN_ID
//	runctl tail [-since N] RUN_ID
//	runctl pool
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
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/internal/domain"
)

// Client calls the engine's HTTP APIs.
type Client struct {
	addr     string
	internal string
	http     *http.Client
}

// APIError is a non-2xx reply.
type APIError struct {
	Status int
	Body   domain.ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Body.Code, e.Body.Error)
}

func (c *Client) do(method, base, path string, body any, headers map[string]string) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(data, &apiErr.Body); err != nil || apiErr.Body.Code == "" {
			apiErr.Body = domain.ErrorResponse{Error: strings.TrimSpace(string(data)), Code: http.StatusText(resp.StatusCode)}
		}
		return nil, apiErr
	}
	return data, nil
}

// Tail streams the events of a run over WebSocket until the run ends or
// interrupt fires.
func (c *Client) Tail(runID string, since int64, interrupt <-chan os.Signal, out func(*domain.SessionEvent)) error {
	u, err := url.Parse(c.addr)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v1/runs/" + runID + "/events"
	u.RawQuery = "since_seq=" + strconv.FormatInt(since, 10)

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		for {
			var ev domain.SessionEvent
			if err := conn.ReadJSON(&ev); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					err = nil
				}
				done <- err
				return
			}
			out(&ev)
		}
	}()

	select {
	case err := <-done:
		return err
	case <-interrupt:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
}

// loadPlan reads a plan from a YAML or JSON file.
func loadPlan(path string) (*domain.PlanSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	// Round trip through JSON so task inputs keep their JSON form.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	var plan domain.PlanSpec
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return &plan, nil
}

func printJSON(raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}

func printEvent(ev *domain.SessionEvent) {
	ts := ev.CreatedAt.Local().Format("15:04:05.000")
	fmt.Printf("%6d %s %-22s %s\n", ev.Seq, ts, ev.Type, ev.Payload)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: runctl [-addr URL] [-internal URL] <create|get|tasks|resume|cancel|events|tail|pool> [args]")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	addr := flag.String("addr", envOr("RUNCTL_ADDR", "http://localhost:8080"), "engine API address")
	internal := flag.String("internal", envOr("RUNCTL_INTERNAL_ADDR", "http://localhost:8081"), "engine control plane address")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	c := &Client{
		addr:     strings.TrimRight(*addr, "/"),
		internal: strings.TrimRight(*internal, "/"),
		http:     &http.Client{Timeout: *timeout},
	}
	if err := dispatch(c, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
		log.Fatal(err)
	}
}

func dispatch(c *Client, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	switch cmd {
	case "create":
		session := fs.String("session", "", "session id")
		trigger := fs.String("trigger", "cli", "trigger source")
		planFile := fs.String("plan", "", "plan file (YAML or JSON)")
		key := fs.String("key", "", "idempotency key")
		_ = fs.Parse(args)
		req := domain.CreateRunRequest{SessionID: *session, TriggerSource: *trigger}
		if *planFile != "" {
			plan, err := loadPlan(*planFile)
			if err != nil {
				return err
			}
			req.Plan = plan
		}
		return c.print(http.MethodPost, c.addr, "/v1/runs", req, idempotencyHeader(*key))

	case "get", "tasks":
		_ = fs.Parse(args)
		runID, err := runArg(fs)
		if err != nil {
			return err
		}
		path := "/v1/runs/" + runID
		if cmd == "tasks" {
			path += "/tasks"
		}
		return c.print(http.MethodGet, c.addr, path, nil, nil)

	case "resume":
		key := fs.String("key", "", "idempotency key")
		_ = fs.Parse(args)
		runID, err := runArg(fs)
		if err != nil {
			return err
		}
		input := json.RawMessage("null")
		if fs.NArg() > 1 {
			input = json.RawMessage(fs.Arg(1))
			if !json.Valid(input) {
				// Plain text answers are sent as a JSON string.
				input, _ = json.Marshal(fs.Arg(1))
			}
		}
		return c.print(http.MethodPost, c.addr, "/v1/runs/"+runID+"/resume",
			domain.ResumeRunRequest{Input: input}, idempotencyHeader(*key))

	case "cancel":
		reason := fs.String("reason", "", "cancel reason")
		_ = fs.Parse(args)
		runID, err := runArg(fs)
		if err != nil {
			return err
		}
		return c.print(http.MethodPost, c.addr, "/v1/runs/"+runID+"/cancel", domain.CancelRunRequest{Reason: *reason}, nil)

	case "events":
		since := fs.Int64("since", 0, "only events after this seq")
		limit := fs.Int("limit", 0, "page size")
		_ = fs.Parse(args)
		runID, err := runArg(fs)
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/v1/runs/%s/events?since_seq=%d&limit=%d", runID, *since, *limit)
		data, err := c.do(http.MethodGet, c.addr, path, nil, nil)
		if err != nil {
			return err
		}
		var resp domain.ListEventsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return err
		}
		for _, ev := range resp.Events {
			printEvent(ev)
		}
		if resp.HasMore {
			fmt.Printf("more events after seq %d\n", resp.NextSeq)
		}
		return nil

	case "tail":
		since := fs.Int64("since", 0, "only events after this seq")
		_ = fs.Parse(args)
		runID, err := runArg(fs)
		if err != nil {
			return err
		}
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		return c.Tail(runID, *since, interrupt, printEvent)

	case "pool":
		return c.print(http.MethodGet, c.internal, "/internal/model_pool", nil, nil)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (c *Client) print(method, base, path string, body any, headers map[string]string) error {
	data, err := c.do(method, base, path, body, headers)
	if err != nil {
		return err
	}
	printJSON(data)
	return nil
}

func runArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() == 0 || fs.Arg(0) == "" {
		return "", fmt.Errorf("%s: run id is required", fs.Name())
	}
	return fs.Arg(0), nil
}

func idempotencyHeader(key string) map[string]string {
	if key == "" {
		return nil
	}
	return map[string]string{"Idempotency-Key": key}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
