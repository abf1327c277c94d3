package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/andywolf/walletguard/internal/storage"
	"github.com/andywolf/walletguard/internal/version"
)

func defaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 20 * time.Second}
}

// BlacklistFeed reads a list of flagged wallet addresses. The feed may be a
// JSON array of strings, a JSON array of objects with an "address" field, or
// a plain newline-separated list with # comments.
type BlacklistFeed struct {
	FeedName string
	URL      string
	Client   *http.Client
}

func (f *BlacklistFeed) Name() string { return f.FeedName }
func (f *BlacklistFeed) Kind() Kind   { return KindBlacklist }

func (f *BlacklistFeed) Init(context.Context) error {
	if f.URL == "" {
		return fmt.Errorf("blacklist feed %s: url is required", f.FeedName)
	}
	f.Client = defaultClient(f.Client)
	return nil
}

func (f *BlacklistFeed) Poll(ctx context.Context) ([]Finding, error) {
	body, err := get(ctx, f.Client, f.URL, map[string]string{"User-Agent": version.UserAgent()})
	if err != nil {
		return nil, err
	}
	addrs, err := parseBlacklist(body)
	if err != nil {
		return nil, fmt.Errorf("blacklist feed %s: %w", f.FeedName, err)
	}

	findings := make([]Finding, 0, len(addrs))
	for _, a := range addrs {
		findings = append(findings, Finding{
			ID:      "blacklist:" + a,
			Kind:    KindBlacklist,
			Source:  f.FeedName,
			Address: a,
			Summary: fmt.Sprintf("Blacklisted wallet %s reported by %s", a, f.FeedName),
			Threat:  true,
		})
	}
	return findings, nil
}

func parseBlacklist(body []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var plain []string
		if err := json.Unmarshal(trimmed, &plain); err == nil {
			return cleanAddresses(plain), nil
		}
		var objects []struct {
			Address string `json:"address"`
		}
		if err := json.Unmarshal(trimmed, &objects); err != nil {
			return nil, fmt.Errorf("unrecognized JSON blacklist: %w", err)
		}
		addrs := make([]string, 0, len(objects))
		for _, o := range objects {
			addrs = append(addrs, o.Address)
		}
		return cleanAddresses(addrs), nil
	}

	var addrs []string
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, strings.Fields(line)[0])
	}
	return cleanAddresses(addrs), sc.Err()
}

func cleanAddresses(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// RedditFeed searches public Reddit posts for threat reports.
type RedditFeed struct {
	Query    string
	Keywords []string
	BaseURL  string
	// ClientID switches the feed to app-only OAuth against OAuthURL.
	ClientID string
	OAuthURL string
	TokenURL string
	Client   *http.Client
}

const redditInstalledClientGrant = "https://oauth.reddit.com/grants/installed_client"

func (r *RedditFeed) Name() string { return "reddit" }
func (r *RedditFeed) Kind() Kind   { return KindSocial }

func (r *RedditFeed) Init(ctx context.Context) error {
	if r.Query == "" {
		r.Query = "solana drainer OR solana scam OR solana phishing"
	}
	if r.BaseURL == "" {
		r.BaseURL = "https://www.reddit.com"
	}
	if len(r.Keywords) == 0 {
		r.Keywords = DefaultThreatKeywords
	}
	r.Client = defaultClient(r.Client)
	if r.ClientID == "" {
		return nil
	}

	if r.OAuthURL == "" {
		r.OAuthURL = "https://oauth.reddit.com"
	}
	if r.TokenURL == "" {
		r.TokenURL = "https://www.reddit.com/api/v1/access_token"
	}
	creds := clientcredentials.Config{
		ClientID: r.ClientID,
		TokenURL: r.TokenURL,
		EndpointParams: url.Values{
			"grant_type": {redditInstalledClientGrant},
			"device_id":  {"DO_NOT_TRACK_THIS_DEVICE"},
		},
		AuthStyle: oauth2.AuthStyleInHeader,
	}
	base := r.Client
	tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, base)
	tokens := creds.TokenSource(tokenCtx)
	if _, err := tokens.Token(); err != nil {
		return fmt.Errorf("failed to authenticate reddit client: %w", err)
	}
	r.Client = oauth2.NewClient(tokenCtx, tokens)
	r.Client.Timeout = base.Timeout
	return nil
}

func (r *RedditFeed) searchURL() string {
	if r.ClientID != "" {
		return strings.TrimRight(r.OAuthURL, "/") + "/search"
	}
	return strings.TrimRight(r.BaseURL, "/") + "/search.json"
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				ID        string `json:"id"`
				Title     string `json:"title"`
				Selftext  string `json:"selftext"`
				Permalink string `json:"permalink"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (r *RedditFeed) Poll(ctx context.Context) ([]Finding, error) {
	u := fmt.Sprintf("%s?q=%s&sort=new&limit=25", r.searchURL(), url.QueryEscape(r.Query))
	var listing redditListing
	if err := getJSON(ctx, r.Client, u, map[string]string{"User-Agent": version.UserAgent()}, &listing); err != nil {
		return nil, err
	}

	var findings []Finding
	for _, child := range listing.Data.Children {
		post := child.Data
		text := post.Title + "\n" + post.Selftext
		keyword := matchKeyword(text, r.Keywords)
		if keyword == "" {
			continue
		}
		f := Finding{
			ID:      "reddit:" + post.ID,
			Kind:    KindSocial,
			Source:  "reddit",
			Summary: fmt.Sprintf("Reddit report (%s): %s", keyword, post.Title),
			Detail:  "https://www.reddit.com" + post.Permalink,
			Threat:  true,
		}
		if addrs := addressesIn(text); len(addrs) > 0 {
			f.Address = addrs[0]
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// TwitterFeed searches recent posts through the X/Twitter v2 API.
type TwitterFeed struct {
	BearerToken string
	Query       string
	Keywords    []string
	BaseURL     string
	Client      *http.Client
}

func (t *TwitterFeed) Name() string { return "twitter" }
func (t *TwitterFeed) Kind() Kind   { return KindSocial }

func (t *TwitterFeed) Init(context.Context) error {
	if t.BearerToken == "" {
		return errors.New("twitter feed: bearer token is required")
	}
	if t.Query == "" {
		t.Query = "(solana drainer OR solana phishing OR solana scam) -is:retweet"
	}
	if t.BaseURL == "" {
		t.BaseURL = "https://api.twitter.com"
	}
	if len(t.Keywords) == 0 {
		t.Keywords = DefaultThreatKeywords
	}
	t.Client = defaultClient(t.Client)
	return nil
}

type tweetSearch struct {
	Data []struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

func (t *TwitterFeed) Poll(ctx context.Context) ([]Finding, error) {
	u := fmt.Sprintf("%s/2/tweets/search/recent?query=%s&max_results=25", strings.TrimRight(t.BaseURL, "/"), url.QueryEscape(t.Query))
	var res tweetSearch
	if err := getJSON(ctx, t.Client, u, map[string]string{"Authorization": "Bearer " + t.BearerToken}, &res); err != nil {
		return nil, err
	}

	var findings []Finding
	for _, tw := range res.Data {
		keyword := matchKeyword(tw.Text, t.Keywords)
		if keyword == "" {
			continue
		}
		f := Finding{
			ID:      "twitter:" + tw.ID,
			Kind:    KindSocial,
			Source:  "twitter",
			Summary: fmt.Sprintf("Twitter report (%s): %s", keyword, truncate(tw.Text, 140)),
			Threat:  true,
		}
		if addrs := addressesIn(tw.Text); len(addrs) > 0 {
			f.Address = addrs[0]
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// NotificationReader is the storage surface the pattern detector needs.
type NotificationReader interface {
	RecentNotifications(ctx context.Context, since time.Time, limit int) ([]storage.Notification, error)
}

// PatternDetector scans recent notifications for drainer and phishing
// patterns. Notifications written by the monitor itself are skipped.
type PatternDetector struct {
	Store    NotificationReader
	Window   time.Duration
	Keywords []string
	Now      func() time.Time
}

func (p *PatternDetector) Name() string { return "patterns" }
func (p *PatternDetector) Kind() Kind   { return KindPattern }

func (p *PatternDetector) Init(context.Context) error {
	if p.Store == nil {
		return errors.New("pattern detector: notification store is required")
	}
	if p.Window <= 0 {
		p.Window = time.Hour
	}
	if len(p.Keywords) == 0 {
		p.Keywords = DefaultThreatKeywords
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return nil
}

func (p *PatternDetector) Poll(ctx context.Context) ([]Finding, error) {
	notes, err := p.Store.RecentNotifications(ctx, p.Now().Add(-p.Window), 200)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, n := range notes {
		if n.Source == NotificationSource {
			continue
		}
		text := n.Short + " " + n.Long
		keyword := matchKeyword(text, p.Keywords)
		if keyword == "" {
			continue
		}
		f := Finding{
			ID:      fmt.Sprintf("pattern:%d", n.ID),
			Kind:    KindPattern,
			Source:  n.Source,
			Summary: fmt.Sprintf("Suspicious %s pattern in %s notification: %s", keyword, n.Source, truncate(n.Short, 120)),
			Threat:  true,
		}
		if addrs := addressesIn(text); len(addrs) > 0 {
			f.Address = addrs[0]
		}
		findings = append(findings, f)
	}
	return findings, nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
