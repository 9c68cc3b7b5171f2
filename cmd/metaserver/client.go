package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zztaki/curve/pkg/server"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(addr string) *client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(method, path string, body any) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}

func printJSON(w io.Writer, body []byte) {
	var v any
	if json.Unmarshal(body, &v) == nil {
		p, _ := json.MarshalIndent(v, "", "  ")
		fmt.Fprintln(w, string(p))
		return
	}
	fmt.Fprintln(w, string(body))
}

func newStatusCommand() *cobra.Command {
	var (
		addr          string
		pool, copyset uint32
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show copyset status of a running metaserver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/copysets/"
			if cmd.Flags().Changed("copyset") {
				path = fmt.Sprintf("/copysets/%d/%d/status", pool, copyset)
			}
			status, body, err := newClient(addr).do(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), body)
			if status != http.StatusOK {
				return fmt.Errorf("status failed: http %d", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:6701", "metaserver HTTP address")
	cmd.Flags().Uint32Var(&pool, "pool", 0, "pool id")
	cmd.Flags().Uint32Var(&copyset, "copyset", 0, "copyset id, all copysets when unset")
	return cmd
}

func newProposeCommand() *cobra.Command {
	var (
		addr          string
		pool, copyset uint32
		req           server.ProposeRequest
	)
	cmd := &cobra.Command{
		Use:   "propose <create_partition|delete_partition|put|delete>",
		Short: "Propose a meta operation to a copyset leader",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Op = args[0]
			path := fmt.Sprintf("/copysets/%d/%d/ops", pool, copyset)
			c := newClient(addr)
			status, body, err := c.do(http.MethodPost, path, req)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), body)

			if status == http.StatusMisdirectedRequest {
				var resp server.ProposeResponse
				if json.Unmarshal(body, &resp) == nil && resp.LeaderAddress != "" {
					return fmt.Errorf("not the leader, retry against the metaserver hosting %s", resp.LeaderAddress)
				}
			}
			if status != http.StatusOK {
				return fmt.Errorf("propose failed: http %d", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:6701", "metaserver HTTP address")
	cmd.Flags().Uint32Var(&pool, "pool", 0, "pool id")
	cmd.Flags().Uint32Var(&copyset, "copyset", 0, "copyset id")
	cmd.Flags().Uint32Var(&req.PartitionID, "partition", 0, "partition id")
	cmd.Flags().Uint32Var(&req.FsID, "fs", 0, "filesystem id (create_partition)")
	cmd.Flags().Uint64Var(&req.Start, "start", 0, "first inode id (create_partition)")
	cmd.Flags().Uint64Var(&req.End, "end", 0, "last inode id (create_partition)")
	cmd.Flags().StringVar(&req.Key, "key", "", "key (put, delete)")
	cmd.Flags().StringVar(&req.Value, "value", "", "value (put)")
	return cmd
}
