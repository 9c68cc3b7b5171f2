package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zztaki/curve/pkg/copyset"
)

// HTTPLeaderStatusFetcher asks a remote leader for its status over the
// /copysets/{pool}/{copyset}/status endpoint.
type HTTPLeaderStatusFetcher struct {
	// Resolve maps a peer id to the base URL of its HTTP server.
	Resolve func(peer copyset.PeerID) (string, error)
	Client  *http.Client
}

// NewHTTPLeaderStatusFetcher resolves peers through a static map of peer id
// to "host:port".
func NewHTTPLeaderStatusFetcher(httpAddrs map[copyset.PeerID]string, timeout time.Duration) *HTTPLeaderStatusFetcher {
	return &HTTPLeaderStatusFetcher{
		Resolve: func(peer copyset.PeerID) (string, error) {
			addr, ok := httpAddrs[peer]
			if !ok {
				return "", fmt.Errorf("no http address for peer %s", peer)
			}
			return "http://" + addr, nil
		},
		Client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPLeaderStatusFetcher) FetchLeaderStatus(ctx context.Context, leader copyset.PeerID, poolID copyset.PoolID, copysetID copyset.CopysetID) (copyset.NodeStatus, error) {
	base, err := f.Resolve(leader)
	if err != nil {
		return copyset.NodeStatus{}, err
	}
	url := fmt.Sprintf("%s/copysets/%d/%d/status", base, poolID, copysetID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return copyset.NodeStatus{}, fmt.Errorf("build request: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return copyset.NodeStatus{}, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return copyset.NodeStatus{}, fmt.Errorf("get %s: status %d: %s", url, resp.StatusCode, body)
	}
	var st copyset.NodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return copyset.NodeStatus{}, fmt.Errorf("decode leader status: %w", err)
	}
	return st, nil
}

var _ copyset.LeaderStatusFetcher = (*HTTPLeaderStatusFetcher)(nil)
