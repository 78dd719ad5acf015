// Package platform is the HTTP client for the poker platform's internal
// services: group membership, the user directory, and the delivery endpoints
// (player inbox and ticket grants). casterd consumes these as collaborators;
// their storage and business rules live elsewhere.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"caster/internal/audience"
	"caster/internal/broadcast"
	"caster/pkg/logx"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   logx.Logger
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("platform base_url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("platform base_url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:  u,
		token: cfg.Token,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   log,
	}, nil
}

// ---- audience.GroupDirectory ----

type membersResponse struct {
	Members []string `json:"members"`
	Count   int      `json:"count"`
}

func (c *Client) Members(ctx context.Context, groupID string) ([]string, error) {
	var out membersResponse
	err := c.do(ctx, http.MethodGet, "/v1/groups/"+url.PathEscape(groupID)+"/members", nil, &out)
	if errors.Is(err, errNotFound) {
		return nil, audience.ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (c *Client) MemberCount(ctx context.Context, groupID string) (int, error) {
	var out membersResponse
	err := c.do(ctx, http.MethodGet, "/v1/groups/"+url.PathEscape(groupID)+"/members?count_only=1", nil, &out)
	if errors.Is(err, errNotFound) {
		return 0, audience.ErrGroupNotFound
	}
	if err != nil {
		return 0, err
	}
	return out.Count, nil
}

// ---- audience.UserDirectory ----

func (c *Client) Exists(ctx context.Context, userID string) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID), nil, nil)
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type activeUsersResponse struct {
	IDs  []string `json:"ids"`
	Next string   `json:"next"`
}

func (c *Client) ActiveUsers(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	q := url.Values{}
	q.Set("status", "active")
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out activeUsersResponse
	if err := c.do(ctx, http.MethodGet, "/v1/users?"+q.Encode(), nil, &out); err != nil {
		return nil, "", err
	}
	return out.IDs, out.Next, nil
}

// ---- dispatch.Deliverer ----

// Deliver pushes one broadcast to one recipient. The Idempotency-Key header
// carries the (broadcast, recipient) pair so retried calls de-duplicate on
// the platform side as well.
func (c *Client) Deliver(ctx context.Context, b *broadcast.Broadcast, recipientID string) error {
	switch b.Kind {
	case broadcast.KindMessage:
		body := map[string]any{
			"broadcast_id": b.ID,
			"title":        b.Message.Title,
			"body":         b.Message.Body,
		}
		if b.Message.ImagePath != "" {
			body["image_path"] = b.Message.ImagePath
		}
		return c.doIdempotent(ctx,
			"/v1/users/"+url.PathEscape(recipientID)+"/inbox",
			b.ID+":"+recipientID, body)
	case broadcast.KindTicketGrant:
		body := map[string]any{
			"broadcast_id": b.ID,
			"ticket_id":    b.TicketID,
		}
		return c.doIdempotent(ctx,
			"/v1/users/"+url.PathEscape(recipientID)+"/tickets",
			b.ID+":"+recipientID, body)
	default:
		return fmt.Errorf("deliver: unknown broadcast kind %q", b.Kind)
	}
}

func (c *Client) doIdempotent(ctx context.Context, path, idemKey string, body any) error {
	return c.doWith(ctx, http.MethodPost, path, body, nil, map[string]string{
		"Idempotency-Key": idemKey,
	})
}

// ---- plumbing ----

var errNotFound = errors.New("platform: not found")

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.doWith(ctx, method, path, body, out, nil)
}

func (c *Client) doWith(ctx context.Context, method, path string, body, out any, headers map[string]string) error {
	ref, err := url.Parse(path)
	if err != nil {
		return err
	}
	u := c.base.ResolveReference(ref)

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		// Keep the body short; platform errors can be verbose HTML.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("platform: %s %s: status %d: %s", method, ref.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
