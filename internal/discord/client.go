// Package discord is a minimal Discord REST client covering what syncing
// needs: listing channels and threads and paging message history.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	. "github.com/ynishimura/guildrag/internal/logging"
	"github.com/ynishimura/guildrag/internal/store"
	"github.com/ynishimura/guildrag/internal/syncrun"
)

const (
	apiBase = "https://discord.com/api/v10"

	// Snowflake timestamps count milliseconds from the Discord epoch.
	discordEpochMS = 1420070400000

	pageSize    = 100
	maxRetries  = 5
	httpTimeout = 20 * time.Second
)

// Channel types worth indexing: text, announcement, forum.
var textChannelTypes = map[int]bool{0: true, 5: true, 15: true}

// Client talks to the Discord REST API with bot-token auth.
type Client struct {
	token  string
	client *http.Client
}

var _ syncrun.Source = (*Client)(nil)

// New creates a Client.
func New(token string) *Client {
	return &Client{
		token:  token,
		client: &http.Client{Timeout: httpTimeout},
	}
}

type apiChannel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       int    `json:"type"`
	ParentID   string `json:"parent_id"`
	GuildID    string `json:"guild_id"`
	ThreadMeta *struct {
		Archived bool `json:"archived"`
	} `json:"thread_metadata"`
}

type apiMessage struct {
	ID              string     `json:"id"`
	ChannelID       string     `json:"channel_id"`
	Content         string     `json:"content"`
	Timestamp       time.Time  `json:"timestamp"`
	EditedTimestamp *time.Time `json:"edited_timestamp"`
	Author          struct {
		ID  string `json:"id"`
		Bot bool   `json:"bot"`
	} `json:"author"`
	Mentions []struct {
		ID string `json:"id"`
	} `json:"mentions"`
	Attachments []struct {
		URL string `json:"url"`
	} `json:"attachments"`
}

// ListChannels returns the guild's text-like channels. Categories are kept
// only as parent metadata on their children.
func (c *Client) ListChannels(ctx context.Context, guildID string) ([]store.Channel, error) {
	var raw []apiChannel
	if err := c.get(ctx, fmt.Sprintf("/guilds/%s/channels", guildID), &raw); err != nil {
		return nil, err
	}

	var channels []store.Channel
	for _, ch := range raw {
		if !textChannelTypes[ch.Type] {
			continue
		}
		channels = append(channels, store.Channel{
			ID:         ch.ID,
			GuildID:    guildID,
			CategoryID: ch.ParentID,
			Name:       ch.Name,
			Type:       strconv.Itoa(ch.Type),
		})
	}
	return channels, nil
}

// ListThreads returns active threads guild-wide plus archived public
// threads per text channel.
func (c *Client) ListThreads(ctx context.Context, guildID string) ([]store.Thread, error) {
	var active struct {
		Threads []apiChannel `json:"threads"`
	}
	if err := c.get(ctx, fmt.Sprintf("/guilds/%s/threads/active", guildID), &active); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var threads []store.Thread
	add := func(th apiChannel, archived bool) {
		if seen[th.ID] {
			return
		}
		seen[th.ID] = true
		threads = append(threads, store.Thread{
			ID:        th.ID,
			GuildID:   guildID,
			ChannelID: th.ParentID,
			Name:      th.Name,
			Archived:  archived,
		})
	}
	for _, th := range active.Threads {
		add(th, false)
	}

	channels, err := c.ListChannels(ctx, guildID)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		var archived struct {
			Threads []apiChannel `json:"threads"`
		}
		path := fmt.Sprintf("/channels/%s/threads/archived/public", ch.ID)
		if err := c.get(ctx, path, &archived); err != nil {
			// Archive listing needs read history; skip channels we lack.
			L_warn("discord: archived thread listing failed", "channel", ch.ID, "error", err)
			continue
		}
		for _, th := range archived.Threads {
			add(th, true)
		}
	}
	return threads, nil
}

// FetchChannelMessages pages a channel's history ascending from since.
func (c *Client) FetchChannelMessages(ctx context.Context, guildID, channelID string, since *time.Time) ([]syncrun.Fetched, error) {
	return c.fetchMessages(ctx, guildID, channelID, channelID, "", since)
}

// FetchThreadMessages pages a thread's history ascending from since. The
// thread starter shares the thread's id and forces a chunk boundary.
func (c *Client) FetchThreadMessages(ctx context.Context, guildID, channelID, threadID string, since *time.Time) ([]syncrun.Fetched, error) {
	return c.fetchMessages(ctx, guildID, threadID, channelID, threadID, since)
}

func (c *Client) fetchMessages(ctx context.Context, guildID, containerID, channelID, threadID string, since *time.Time) ([]syncrun.Fetched, error) {
	after := "0"
	if since != nil {
		after = snowflakeAfter(*since)
	}

	var out []syncrun.Fetched
	for {
		var page []apiMessage
		path := fmt.Sprintf("/channels/%s/messages?limit=%d&after=%s", containerID, pageSize, after)
		if err := c.get(ctx, path, &page); err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return out, nil
		}

		// after-pagination returns newest first within the page.
		for i := len(page) - 1; i >= 0; i-- {
			m := page[i]
			if m.Author.Bot || m.Content == "" {
				continue
			}
			out = append(out, c.convert(guildID, channelID, threadID, m))
		}
		after = page[0].ID

		if len(page) < pageSize {
			return out, nil
		}
	}
}

func (c *Client) convert(guildID, channelID, threadID string, m apiMessage) syncrun.Fetched {
	mentions := make([]string, 0, len(m.Mentions))
	for _, u := range m.Mentions {
		mentions = append(mentions, u.ID)
	}
	attachments := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, a.URL)
	}

	container := m.ChannelID
	return syncrun.Fetched{
		Message: store.Message{
			ID:           m.ID,
			GuildID:      guildID,
			ChannelID:    channelID,
			ThreadID:     threadID,
			AuthorID:     m.Author.ID,
			ContentMD:    m.Content,
			ContentPlain: Plaintext(m.Content),
			CreatedAt:    m.Timestamp,
			EditedAt:     m.EditedTimestamp,
			Mentions:     mentions,
			Attachments:  attachments,
			JumpLink:     fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, container, m.ID),
		},
		IsTopLevel: threadID != "" && m.ID == threadID,
	}
}

// get performs one authed GET with 429 handling.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.token)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRetries {
			wait := retryAfter(resp, body)
			L_debug("discord: rate limited", "path", path, "wait", wait.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("discord: GET %s: status %d: %s", path, resp.StatusCode, string(body))
		}
		return json.Unmarshal(body, out)
	}
}

func retryAfter(resp *http.Response, body []byte) time.Duration {
	var parsed struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.RetryAfter > 0 {
		return time.Duration(parsed.RetryAfter * float64(time.Second))
	}
	if h := resp.Header.Get("Retry-After"); h != "" {
		if sec, err := strconv.ParseFloat(h, 64); err == nil {
			return time.Duration(sec * float64(time.Second))
		}
	}
	return time.Second
}

// snowflakeAfter builds the smallest snowflake newer than t, for use as an
// "after" pagination anchor.
func snowflakeAfter(t time.Time) string {
	ms := t.UnixMilli() - discordEpochMS
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms<<22, 10)
}
