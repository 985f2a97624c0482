package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"courtbot/internal/api"
	"courtbot/internal/orchestrator"
)

// apiClient talks to a running daemon's admin API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

type clientOpts struct {
	addr  string
	token string
}

func (o *clientOpts) bind(cmd *cobra.Command) {
	addr := os.Getenv("COURTBOT_ADDR")
	if addr == "" {
		addr = api.DefaultAddr
	}
	cmd.Flags().StringVar(&o.addr, "addr", addr, "admin API address (env COURTBOT_ADDR)")
	cmd.Flags().StringVar(&o.token, "token", os.Getenv("COURTBOT_TOKEN"), "admin API bearer token (env COURTBOT_TOKEN)")
}

func (o *clientOpts) client() *apiClient {
	base := strings.TrimRight(o.addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{base: base, token: o.token, http: &http.Client{Timeout: 15 * time.Second}}
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return 0, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s (http %d)", e.Error, resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func newTriggerCmd() *cobra.Command {
	var opts clientOpts
	cmd := &cobra.Command{
		Use:   "trigger <noon|polling|both>",
		Short: "Ask the running daemon to start a booking run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := orchestrator.ParseMode(args[0])
			if err != nil {
				return err
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, "/v1/trigger/"+mode, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "triggered %s\n", mode)
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

func newStateCmd() *cobra.Command {
	var opts clientOpts
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the running daemon's orchestrator state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st orchestrator.State
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/v1/state", &st); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	opts.bind(cmd)
	return cmd
}
