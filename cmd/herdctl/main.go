// ABOUTME: CLI client for herd-master: submit jobs, watch results, list minions
// ABOUTME: Talks to the master's HTTP API with a bearer token

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/herdctl/herd/internal/job"
	"github.com/herdctl/herd/internal/registry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := &client{
		base:  envOr("HERD_MASTER", "http://127.0.0.1:4505"),
		token: os.Getenv("HERD_TOKEN"),
		http:  &http.Client{Timeout: 2 * time.Minute},
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = c.run(ctx, os.Args[2:])
	case "status":
		err = c.status(ctx, os.Args[2:])
	case "cancel":
		err = c.cancel(ctx, os.Args[2:])
	case "minions":
		err = c.minions(ctx)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: herdctl <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <target> <command> [--timeout 30s] [--async]   Submit a job and wait for results")
	fmt.Println("  status <jid>                                       Show a job snapshot")
	fmt.Println("  cancel <jid>                                       Cancel a job")
	fmt.Println("  minions                                            List known minions")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  HERD_MASTER   Master base URL (default http://127.0.0.1:4505)")
	fmt.Println("  HERD_TOKEN    Bearer token (see: herd-master token)")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *client) run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	timeout := fs.Duration("timeout", 0, "job timeout")
	async := fs.Bool("async", false, "return the JID without waiting for results")

	// Positional args come first: herdctl run 'web*' 'uptime' --timeout 10s
	if len(args) < 2 {
		return fmt.Errorf("usage: herdctl run <target> <command> [flags]")
	}
	targetSpec, command := args[0], args[1]
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}

	body := map[string]string{
		"target":  targetSpec,
		"command": command,
	}
	if *timeout > 0 {
		body["timeout"] = timeout.String()
	}

	var submitted struct {
		JID string `json:"jid"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", body, &submitted); err != nil {
		return err
	}

	if *async {
		fmt.Println(submitted.JID)
		return nil
	}

	var view job.JobView
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+submitted.JID+"/wait?max_wait=5m", nil, &view); err != nil {
		return err
	}
	printView(&view)
	return nil
}

func (c *client) status(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: herdctl status <jid>")
	}

	var view job.JobView
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+args[0], nil, &view); err != nil {
		return err
	}
	printView(&view)
	return nil
}

func (c *client) cancel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: herdctl cancel <jid>")
	}

	var result struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+args[0], nil, &result); err != nil {
		return err
	}

	if result.Cancelled {
		color.Yellow("cancelled %s", args[0])
	} else {
		fmt.Printf("%s was already finished\n", args[0])
	}
	return nil
}

func (c *client) minions(ctx context.Context) error {
	var minions []registry.Info
	if err := c.do(ctx, http.MethodGet, "/api/v1/minions", nil, &minions); err != nil {
		return err
	}

	if len(minions) == 0 {
		fmt.Println("no minions registered")
		return nil
	}

	for _, m := range minions {
		if m.Stale {
			color.Red("  %-24s stale (last seen %s)", m.ID, m.LastSeen.Format(time.RFC3339))
		} else {
			color.Green("  %-24s online", m.ID)
		}
	}
	return nil
}

func printView(view *job.JobView) {
	counts := view.Counts()

	statusColor := color.New(color.FgYellow)
	switch view.Status {
	case job.StatusComplete:
		statusColor = color.New(color.FgGreen)
	case job.StatusTimedOut, job.StatusCancelled:
		statusColor = color.New(color.FgRed)
	}

	fmt.Printf("jid:     %s\n", view.JID)
	fmt.Printf("target:  %s\n", view.Target)
	fmt.Print("status:  ")
	statusColor.Println(string(view.Status))
	fmt.Printf("slots:   %d received / %d errored / %d awaiting\n\n",
		counts.Received, counts.Errored, counts.Awaiting)

	ids := make([]string, 0, len(view.Slots))
	for id := range view.Slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		slot := view.Slots[id]
		switch slot.State {
		case job.SlotReceived:
			color.Green("%s:", id)
			fmt.Printf("    %s\n", string(slot.Payload))
		case job.SlotErrored:
			color.Red("%s: %s", id, slot.Reason)
			if len(slot.Payload) > 0 {
				fmt.Printf("    %s\n", string(slot.Payload))
			}
		default:
			color.Yellow("%s: awaiting", id)
		}
	}
}
