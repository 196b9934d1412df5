// Package router is the gateway core: it owns the shard descriptor table and
// performs routing, primary/backup failover, multi-shard fan-out and result
// merging. It holds no persistent state of its own.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"shardchat/internal/domain"
	"shardchat/internal/sharding"
)

const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"

	// attemptTimeout bounds one endpoint attempt; after it the next
	// candidate in the shard's endpoint list is tried.
	attemptTimeout = 5 * time.Second
)

// shardState is one row of the descriptor table. Owned exclusively by the
// router; request and probe paths are the only mutators.
type shardState struct {
	id               int
	endpoints        []string // ordered candidates, primary first
	health           string
	consecutiveFails int
	lastCheck        time.Time
}

// ShardStatus is the externally visible health of one shard.
type ShardStatus struct {
	ID     int    `json:"id"`
	Health string `json:"health"`
}

type Router struct {
	mu     sync.RWMutex
	shards []*shardState
	client *http.Client
}

// New builds a router over the given shard endpoint lists. endpoints[i]
// holds the ordered candidates for shard i+1, primary first; every shard
// needs at least one.
func New(endpoints [][]string) (*Router, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one shard is required")
	}

	shards := make([]*shardState, len(endpoints))
	for i, eps := range endpoints {
		if len(eps) == 0 {
			return nil, fmt.Errorf("shard %d has no endpoints", i+1)
		}
		shards[i] = &shardState{
			id:        i + 1,
			endpoints: eps,
			health:    HealthHealthy,
		}
	}

	return &Router{
		shards: shards,
		client: &http.Client{Timeout: attemptTimeout},
	}, nil
}

func (r *Router) ShardCount() int {
	return len(r.shards)
}

// StatusError carries a definitive non-2xx reply from a shard node. The
// shard answered, so this is not a failover trigger.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("shard returned status %d: %s", e.Code, e.Body)
}

// do tries a shard's endpoints in order. Transport errors and timeouts move
// on to the next candidate; any HTTP reply counts as the shard being alive.
// When every endpoint fails the shard is marked unhealthy and the request
// fails as unavailable.
func (r *Router) do(ctx context.Context, shardID int, method, path string, query url.Values, body any) ([]byte, error) {
	state := r.shards[shardID-1]

	var lastErr error
	for _, endpoint := range r.endpointsOf(state) {
		data, err := r.attempt(ctx, method, endpoint, path, query, body)
		if err != nil {
			if se, ok := err.(*StatusError); ok {
				// A definitive reply: the endpoint is reachable, so no
				// failover, but only a success resets the counters.
				log.Printf("[gateway] shard %d endpoint %s: status %d", shardID, endpoint, se.Code)
				return nil, se
			}
			log.Printf("[gateway] shard %d endpoint %s unreachable: %v", shardID, endpoint, err)
			lastErr = err
			continue
		}
		log.Printf("[gateway] shard %d endpoint %s: ok", shardID, endpoint)
		r.markHealthy(shardID)
		return data, nil
	}

	r.markUnhealthy(shardID)
	return nil, fmt.Errorf("shard %d: %w: %v", shardID, domain.ErrShardUnavailable, lastErr)
}

func (r *Router) attempt(ctx context.Context, method, endpoint, path string, query url.Values, body any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	target := endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	return data, nil
}

// endpointsOf copies the candidate list so no lock is held across network
// calls.
func (r *Router) endpointsOf(state *shardState) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eps := make([]string, len(state.endpoints))
	copy(eps, state.endpoints)
	return eps
}

func (r *Router) markHealthy(shardID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.shards[shardID-1]
	state.health = HealthHealthy
	state.consecutiveFails = 0
	state.lastCheck = time.Now()
}

func (r *Router) markUnhealthy(shardID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.shards[shardID-1]
	state.health = HealthUnhealthy
	state.consecutiveFails++
	state.lastCheck = time.Now()
}

// FailureCount reports a shard's consecutive request-path failures.
func (r *Router) FailureCount(shardID int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shards[shardID-1].consecutiveFails
}

type MessagesResult struct {
	Messages []*domain.Message `json:"messages"`
	UserID   int64             `json:"user_id"`
	ShardID  int               `json:"shard_id"`
}

type ConversationResult struct {
	Messages      []*domain.Message `json:"messages"`
	UserID        int64             `json:"user_id"`
	OtherID       int64             `json:"other_id"`
	ShardsQueried []int             `json:"shards_queried"`
}

type UsersResult struct {
	Users []*domain.User `json:"users"`
	Total int            `json:"total"`
}

// SendMessage routes a write to the sender's shard, with failover.
func (r *Router) SendMessage(ctx context.Context, fromID, toID int64, content string) (*domain.Message, error) {
	shardID := sharding.ShardForID(fromID, r.ShardCount())

	data, err := r.do(ctx, shardID, http.MethodPost, "/internal/messages", nil, map[string]any{
		"from_id": fromID,
		"to_id":   toID,
		"content": content,
	})
	if err != nil {
		return nil, err
	}

	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode shard %d reply: %w", shardID, err)
	}
	return &msg, nil
}

// MessagesFor reads a user's inbox from their shard, with failover.
func (r *Router) MessagesFor(ctx context.Context, userID int64, limit int) (*MessagesResult, error) {
	shardID := sharding.ShardForID(userID, r.ShardCount())

	query := url.Values{}
	query.Set("user_id", fmt.Sprint(userID))
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}

	data, err := r.do(ctx, shardID, http.MethodGet, "/internal/messages", query, nil)
	if err != nil {
		return nil, err
	}

	var result MessagesResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode shard %d reply: %w", shardID, err)
	}
	return &result, nil
}

// Conversation reads both users' shards (once if they share one) and merges
// the results. A failing sub-query degrades to an empty partial result
// rather than failing the request.
func (r *Router) Conversation(ctx context.Context, userID, otherID int64, limit int) (*ConversationResult, error) {
	userShard := sharding.ShardForID(userID, r.ShardCount())
	otherShard := sharding.ShardForID(otherID, r.ShardCount())

	result := &ConversationResult{
		UserID:        userID,
		OtherID:       otherID,
		ShardsQueried: []int{userShard},
	}

	if userShard == otherShard {
		result.Messages = MergeConversations(r.conversationFrom(ctx, userShard, userID, otherID, limit), nil)
	} else {
		result.ShardsQueried = append(result.ShardsQueried, otherShard)

		var wg sync.WaitGroup
		var fromUserShard, fromOtherShard []*domain.Message
		wg.Add(2)
		go func() {
			defer wg.Done()
			fromUserShard = r.conversationFrom(ctx, userShard, userID, otherID, limit)
		}()
		go func() {
			defer wg.Done()
			fromOtherShard = r.conversationFrom(ctx, otherShard, userID, otherID, limit)
		}()
		wg.Wait()

		// Requester's shard first so timestamp ties keep that order.
		result.Messages = MergeConversations(fromUserShard, fromOtherShard)
	}

	if limit > 0 && len(result.Messages) > limit {
		result.Messages = result.Messages[:limit]
	}
	if result.Messages == nil {
		result.Messages = []*domain.Message{}
	}
	return result, nil
}

// conversationFrom runs one conversation sub-query, absorbing failure into
// an empty result.
func (r *Router) conversationFrom(ctx context.Context, shardID int, userID, otherID int64, limit int) []*domain.Message {
	query := url.Values{}
	query.Set("user_id", fmt.Sprint(userID))
	query.Set("other_id", fmt.Sprint(otherID))
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}

	data, err := r.do(ctx, shardID, http.MethodGet, "/internal/conversation", query, nil)
	if err != nil {
		log.Printf("[gateway] conversation sub-query on shard %d failed: %v", shardID, err)
		return nil
	}

	var reply struct {
		Messages []*domain.Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		log.Printf("[gateway] failed to decode shard %d conversation reply: %v", shardID, err)
		return nil
	}
	return reply.Messages
}

// ListUsers fans out to every shard in parallel. A failing shard
// contributes an empty set, never a whole-request failure.
func (r *Router) ListUsers(ctx context.Context) (*UsersResult, error) {
	perShard := make([][]*domain.User, len(r.shards))

	var wg sync.WaitGroup
	for i := range r.shards {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			shardID := idx + 1

			data, err := r.do(ctx, shardID, http.MethodGet, "/internal/users", nil, nil)
			if err != nil {
				log.Printf("[gateway] user fan-out on shard %d failed: %v", shardID, err)
				return
			}

			var reply struct {
				Users []*domain.User `json:"users"`
			}
			if err := json.Unmarshal(data, &reply); err != nil {
				log.Printf("[gateway] failed to decode shard %d users reply: %v", shardID, err)
				return
			}
			perShard[idx] = reply.Users
		}(i)
	}
	wg.Wait()

	result := &UsersResult{Users: []*domain.User{}}
	for _, users := range perShard {
		result.Users = append(result.Users, users...)
	}
	result.Total = len(result.Users)
	return result, nil
}

// Health reports shard health. Without probe it returns the cached state
// from the request path; with probe it checks every endpoint live, leaving
// the request-path failure counters untouched.
func (r *Router) Health(ctx context.Context, probe bool) []ShardStatus {
	if !probe {
		r.mu.RLock()
		defer r.mu.RUnlock()
		statuses := make([]ShardStatus, len(r.shards))
		for i, state := range r.shards {
			statuses[i] = ShardStatus{ID: state.id, Health: state.health}
		}
		return statuses
	}

	statuses := make([]ShardStatus, len(r.shards))
	var wg sync.WaitGroup
	for i, state := range r.shards {
		wg.Add(1)
		go func(idx int, shardID int) {
			defer wg.Done()
			health := HealthUnhealthy
			for _, endpoint := range r.endpointsOf(r.shards[shardID-1]) {
				if err := r.probeEndpoint(ctx, endpoint); err != nil {
					log.Printf("[gateway] probe shard %d endpoint %s: %v", shardID, endpoint, err)
					continue
				}
				log.Printf("[gateway] probe shard %d endpoint %s: ok", shardID, endpoint)
				health = HealthHealthy
			}
			statuses[idx] = ShardStatus{ID: shardID, Health: health}
		}(i, state.id)
	}
	wg.Wait()
	return statuses
}

func (r *Router) probeEndpoint(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}
