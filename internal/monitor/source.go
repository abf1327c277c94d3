package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// Kind groups sources by how their findings are counted.
type Kind string

const (
	KindSocial    Kind = "social"
	KindBlacklist Kind = "blacklist"
	KindPattern   Kind = "pattern"
)

// Finding is one signal produced by a source. ID must be stable across
// polls so the same signal is only counted once.
type Finding struct {
	ID      string
	Kind    Kind
	Source  string
	Address string
	Summary string
	Detail  string
	Threat  bool
}

// Source is an external signal feed polled by the monitor.
type Source interface {
	Name() string
	Kind() Kind
	// Init validates configuration before the first poll.
	Init(ctx context.Context) error
	Poll(ctx context.Context) ([]Finding, error)
}

// DefaultThreatKeywords flag social posts and notifications as threats.
var DefaultThreatKeywords = []string{
	"drainer", "phishing", "scam", "exploit", "hack", "rug", "malicious", "compromised", "fake airdrop",
}

// solanaAddress matches base58 strings of Solana address length.
var solanaAddress = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{32,44}\b`)

// addressesIn returns the unique Solana-looking addresses in text.
func addressesIn(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range solanaAddress.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// matchKeyword returns the first keyword contained in text, or "".
func matchKeyword(text string, keywords []string) string {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return k
		}
	}
	return ""
}

func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) error {
	body, err := get(ctx, client, url, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", redactQuery(url), err)
	}
	return nil
}

func get(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", redactQuery(url), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request to %s failed (status %d)", redactQuery(url), resp.StatusCode)
	}
	return body, nil
}

// redactQuery drops the query string, which may carry API keys.
func redactQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}
