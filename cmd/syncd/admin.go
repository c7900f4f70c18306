package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"capture-sync/internal/config"

	"github.com/spf13/cobra"
)

// apiClient talks to a running daemon's local API. Operator commands go
// through the daemon so its in-memory cache stays authoritative.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type clientFlags struct {
	addr   string
	apiKey string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "local API address (default from HOST and PORT)")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "local API key (default from LOCAL_API_KEY)")
}

func (f *clientFlags) client() *apiClient {
	addr, key := f.addr, f.apiKey
	if addr == "" || key == "" {
		if cfg, err := config.Load(); err == nil {
			if addr == "" {
				addr = net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
			}
			if key == "" {
				key = cfg.Server.APIKey
			}
		}
	}
	if addr == "" {
		addr = "127.0.0.1:8787"
	}
	return &apiClient{
		base:   "http://" + addr + "/api/v1",
		apiKey: key,
		http:   &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		if env.Error == "" {
			env.Error = http.StatusText(resp.StatusCode)
		}
		return nil, errors.New(env.Error)
	}
	return env.Data, nil
}

func printJSON(w io.Writer, data json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// simpleCommand builds an operator command that issues one API call and
// prints the result.
func simpleCommand(use, short string, args cobra.PositionalArgs, request func(args []string) (string, string, error)) *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			method, path, err := request(args)
			if err != nil {
				return err
			}
			data, err := flags.client().do(cmd.Context(), method, path)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	flags.register(cmd)
	return cmd
}

func newStatusCommand() *cobra.Command {
	return simpleCommand("status", "Show connectivity and queue state", cobra.NoArgs,
		func([]string) (string, string, error) {
			return http.MethodGet, "/sync/status", nil
		})
}

func newDrainCommand() *cobra.Command {
	return simpleCommand("drain", "Run one drain cycle now", cobra.NoArgs,
		func([]string) (string, string, error) {
			return http.MethodPost, "/sync/drain", nil
		})
}

func newFailedCommand() *cobra.Command {
	return simpleCommand("failed", "List permanently failed operations", cobra.NoArgs,
		func([]string) (string, string, error) {
			return http.MethodGet, "/sync/failed", nil
		})
}

func newRetryCommand() *cobra.Command {
	return simpleCommand("retry <seq>", "Resubmit a failed operation", cobra.ExactArgs(1),
		func(args []string) (string, string, error) {
			seq, err := parseSeqArg(args[0])
			if err != nil {
				return "", "", err
			}
			return http.MethodPost, fmt.Sprintf("/sync/failed/%d/retry", seq), nil
		})
}

func newDiscardCommand() *cobra.Command {
	return simpleCommand("discard <seq>", "Drop a failed operation", cobra.ExactArgs(1),
		func(args []string) (string, string, error) {
			seq, err := parseSeqArg(args[0])
			if err != nil {
				return "", "", err
			}
			return http.MethodDelete, fmt.Sprintf("/sync/failed/%d", seq), nil
		})
}

func newConflictsCommand() *cobra.Command {
	var entityID string
	var limit int

	cmd := simpleCommand("conflicts", "List recorded conflict resolutions", cobra.NoArgs,
		func([]string) (string, string, error) {
			q := url.Values{}
			if entityID != "" {
				q.Set("entity_id", entityID)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/sync/conflicts"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return http.MethodGet, path, nil
		})
	cmd.Flags().StringVar(&entityID, "entity", "", "only conflicts for this entity")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of conflicts")
	return cmd
}

func parseSeqArg(arg string) (int64, error) {
	seq, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || seq < 1 {
		return 0, fmt.Errorf("invalid operation sequence %q", arg)
	}
	return seq, nil
}
