// Package stub provides a deterministic, in-memory domain.WorkExecutor
// used by tests and by cmd/dispatcher when no real browser-automation
// backend is configured.
package stub

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/scrapctl/dispatcher/internal/domain"
)

// Client is a fast, deterministic WorkExecutor. It performs no network
// calls; every method derives its result from its inputs so repeated
// runs are reproducible.
type Client struct{}

// New constructs a stub Client.
func New() *Client { return &Client{} }

func seed(parts ...string) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum32()
}

// FetchFollowings returns up to limit deterministic usernames derived
// from account and username.
func (c *Client) FetchFollowings(_ domain.Context, account, username string, limit int) (domain.FetchResult, error) {
	time.Sleep(10 * time.Millisecond)
	if limit <= 0 {
		limit = 10
	}
	base := seed(account, username)
	out := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, fmt.Sprintf("follow_%08x", base+uint32(i)*2654435761))
	}
	return domain.FetchResult{Followings: out}, nil
}

// AnalyzeProfile returns a deterministic score/notes pair derived from
// account and username.
func (c *Client) AnalyzeProfile(_ domain.Context, account, username string) (domain.AnalyzeResult, error) {
	time.Sleep(10 * time.Millisecond)
	score := float64(seed(account, username)%1000) / 1000.0
	return domain.AnalyzeResult{
		Score: score,
		Notes: fmt.Sprintf("stub analysis for %s", username),
	}, nil
}

// SendDirectMessage reports deterministic delivery: every send succeeds
// except when dest ends in the reserved suffix "_undeliverable", used by
// tests to exercise the retry/error path.
func (c *Client) SendDirectMessage(_ domain.Context, account, dest, _ string) (domain.SendResult, error) {
	time.Sleep(10 * time.Millisecond)
	if len(dest) > len("_undeliverable") && dest[len(dest)-len("_undeliverable"):] == "_undeliverable" {
		return domain.SendResult{Delivered: false}, fmt.Errorf("op=stub.SendDirectMessage: account=%s dest=%s: simulated undeliverable", account, dest)
	}
	return domain.SendResult{Delivered: true}, nil
}
