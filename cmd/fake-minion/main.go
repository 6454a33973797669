// ABOUTME: Minimal fake minion for E2E testing: registers, long-polls, echoes commands back
// ABOUTME: Usage: fake-minion [-master http://localhost:4505] [-id echo-minion] [-token TOKEN]

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/herdctl/herd/internal/transport"
)

func main() {
	master := flag.String("master", "http://127.0.0.1:4505", "master base URL")
	minionID := flag.String("id", "echo-minion", "minion ID")
	token := flag.String("token", os.Getenv("HERD_TOKEN"), "bearer token for this minion ID")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	flag.Parse()

	if err := run(*master, *minionID, *token, *heartbeat); err != nil {
		log.Fatal(err)
	}
}

func run(master, minionID, token string, heartbeat time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := &minionClient{
		base:  master,
		id:    minionID,
		token: token,
		http:  &http.Client{Timeout: 2 * time.Minute},
	}

	if err := c.post(ctx, "/register", nil); err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	fmt.Fprintf(os.Stderr, "registered as %s\n", minionID)

	// Heartbeat in the background; polling also refreshes liveness but
	// a minion stuck executing should not go stale.
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.post(ctx, "/heartbeat", nil); err != nil {
					fmt.Fprintf(os.Stderr, "heartbeat failed: %v\n", err)
				}
			}
		}
	}()

	for ctx.Err() == nil {
		env, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "poll failed: %v\n", err)
			time.Sleep(time.Second)
			continue
		}
		if env == nil {
			continue // empty poll window
		}

		fmt.Fprintf(os.Stderr, "executing job %s: %s\n", env.JID, env.Command)

		result := map[string]any{
			"jid":     env.JID,
			"payload": fmt.Sprintf("echo: %s", env.Command),
		}
		if err := c.post(ctx, "/results", result); err != nil {
			fmt.Fprintf(os.Stderr, "pushing result failed: %v\n", err)
		}
	}
	return nil
}

type minionClient struct {
	base  string
	id    string
	token string
	http  *http.Client
}

func (c *minionClient) url(path string) string {
	return c.base + "/api/v1/minions/" + c.id + path
}

func (c *minionClient) post(ctx context.Context, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), &buf)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return nil
}

func (c *minionClient) poll(ctx context.Context) (*transport.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/jobs"), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var env transport.Envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, err
		}
		return &env, nil
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, fmt.Errorf("poll: %s", resp.Status)
	}
}

func (c *minionClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
}
