package connector

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"
)

const discoveryPageSize = 100
const discoveryPageCap = 50

// discoverQueues paginates the routing queues API, optionally filtering by
// queue name substring, and stops at maxItems (0 skips discovery entirely,
// a negative value means unbounded).
func (c *Connector) discoverQueues(ctx context.Context, token string) ([]string, error) {
	if c.cfg.MaxQueues == 0 {
		return nil, nil
	}
	var ids []string
	page := 1
	for page <= discoveryPageCap {
		url := fmt.Sprintf("%s/api/v2/routing/queues?pageSize=%d&pageNumber=%d", c.cfg.APIBaseURL, discoveryPageSize, page)
		var body struct {
			Entities   []map[string]any `json:"entities"`
			PageCount  int              `json:"pageCount"`
			PageNumber int              `json:"pageNumber"`
		}
		if err := c.getJSON(ctx, token, url, &body); err != nil {
			return nil, err
		}
		if len(body.Entities) == 0 {
			break
		}
		for _, entity := range body.Entities {
			name, _ := entity["name"].(string)
			if !matchesAnyFilter(name, c.cfg.TopicBuilderQueueFilters) {
				continue
			}
			id, _ := entity["id"].(string)
			if id == "" {
				continue
			}
			ids = append(ids, id)
			if c.cfg.MaxQueues > 0 && len(ids) >= c.cfg.MaxQueues {
				return ids, nil
			}
		}
		if body.PageCount > 0 && page >= body.PageCount {
			break
		}
		if len(body.Entities) < discoveryPageSize {
			break
		}
		page++
	}
	return ids, nil
}

// discoverUsers paginates the active users API, optionally filtering by
// email domain, and stops at maxItems (0 skips discovery entirely).
func (c *Connector) discoverUsers(ctx context.Context, token string) ([]string, error) {
	if c.cfg.MaxUsers == 0 {
		return nil, nil
	}
	var ids []string
	page := 1
	for page <= discoveryPageCap {
		url := fmt.Sprintf("%s/api/v2/users?state=active&pageSize=%d&pageNumber=%d", c.cfg.APIBaseURL, discoveryPageSize, page)
		var body struct {
			Entities   []map[string]any `json:"entities"`
			PageCount  int              `json:"pageCount"`
			PageNumber int              `json:"pageNumber"`
		}
		if err := c.getJSON(ctx, token, url, &body); err != nil {
			return nil, err
		}
		if len(body.Entities) == 0 {
			break
		}
		for _, entity := range body.Entities {
			email, _ := entity["email"].(string)
			if c.cfg.TopicBuilderEmailDomain != "" && !strings.HasSuffix(strings.ToLower(email), "@"+strings.ToLower(c.cfg.TopicBuilderEmailDomain)) {
				continue
			}
			if !matchesAnyFilter(email, c.cfg.TopicBuilderUserFilters) {
				continue
			}
			id, _ := entity["id"].(string)
			if id == "" {
				continue
			}
			ids = append(ids, id)
			if c.cfg.MaxUsers > 0 && len(ids) >= c.cfg.MaxUsers {
				return ids, nil
			}
		}
		if body.PageCount > 0 && page >= body.PageCount {
			break
		}
		if len(body.Entities) < discoveryPageSize {
			break
		}
		page++
	}
	return ids, nil
}

func matchesAnyFilter(value string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	lower := strings.ToLower(value)
	for _, f := range filters {
		if f == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(f)) {
			return true
		}
	}
	return false
}

// discoverTopics runs queue and user discovery concurrently (an improvement
// over a strictly sequential fetch, since the two calls are independent) and
// turns the resulting ids into subscription topic strings.
func (c *Connector) discoverTopics(ctx context.Context, token string) ([]string, error) {
	mode := c.cfg.TopicBuilderMode
	wantQueues := mode == "queues" || mode == "queues_users" || mode == "all"
	wantUsers := mode == "users" || mode == "queues_users" || mode == "all"

	var queueIDs, userIDs []string
	g, gctx := errgroup.WithContext(ctx)
	if wantQueues {
		g.Go(func() error {
			ids, err := c.discoverQueues(gctx, token)
			if err != nil {
				return fmt.Errorf("discover queues: %w", err)
			}
			queueIDs = ids
			return nil
		})
	}
	if wantUsers {
		g.Go(func() error {
			ids, err := c.discoverUsers(gctx, token)
			if err != nil {
				return fmt.Errorf("discover users: %w", err)
			}
			userIDs = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	topics := make([]string, 0, len(queueIDs)+len(userIDs))
	for _, id := range queueIDs {
		topics = append(topics, "v2.routing.queues."+id+".conversations.calls")
	}
	for _, id := range userIDs {
		topics = append(topics, "v2.users."+id+".conversations.calls")
	}
	return topics, nil
}

// getJSON performs an authenticated GET and decodes the JSON response body
// into out, retrying transient failures through the shared retry+breaker
// helper used for every outbound vendor call.
func (c *Connector) getJSON(ctx context.Context, token, url string, out any) error {
	return c.requestJSON(ctx, http.MethodGet, url, token, nil, out)
}
