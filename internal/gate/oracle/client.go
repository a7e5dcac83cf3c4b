// internal/gate/oracle/client.go
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"membergate/internal/common/errors"
	"membergate/internal/common/logger"
	"membergate/internal/common/metrics"
	"membergate/internal/models"
)

// Client speaks to the external membership directory. All calls pass
// through a pacer keeping steady-state traffic under the provider's
// published limits, and every failure carries a classified error code.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     logger.Logger

	mu       sync.Mutex
	nextCall time.Time
}

func NewClient(config *Config, log logger.Logger) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: log.WithFields(map[string]interface{}{"component": "oracle"}),
	}
}

// membershipResponse is the provider's membership lookup body. The four
// status values are the provider's vocabulary, not ours.
type membershipResponse struct {
	Status string `json:"status"`
}

// CheckMembership resolves the authoritative membership state of a user in
// a channel. Admins count as members; left and kicked both map to
// NotMember.
func (c *Client) CheckMembership(ctx context.Context, channelID, userID int64) (models.MembershipState, error) {
	url := fmt.Sprintf("%s/channels/%d/members/%d", c.config.BaseURL, channelID, userID)

	body, err := c.call(ctx, http.MethodGet, url, nil)
	if err != nil {
		metrics.OracleCallsTotal.WithLabelValues("check_membership", string(errors.CodeOf(err))).Inc()
		return "", err
	}

	var member membershipResponse
	if err := json.Unmarshal(body, &member); err != nil {
		metrics.OracleCallsTotal.WithLabelValues("check_membership", string(errors.ErrCodeOracleUnknown)).Inc()
		return "", errors.NewOracleUnknownError(fmt.Sprintf("decode membership response: %v", err))
	}

	var state models.MembershipState
	switch member.Status {
	case "member", "admin":
		state = models.MembershipMember
	case "left", "kicked":
		state = models.MembershipNotMember
	default:
		metrics.OracleCallsTotal.WithLabelValues("check_membership", string(errors.ErrCodeOracleUnknown)).Inc()
		return "", errors.NewOracleUnknownError(fmt.Sprintf("unrecognized membership status %q", member.Status))
	}

	metrics.OracleCallsTotal.WithLabelValues("check_membership", "ok").Inc()
	return state, nil
}

// Restrict mutes the user in the group. The provider treats repeated calls
// with the same arguments as a no-op, so callers may safely re-issue it.
func (c *Client) Restrict(ctx context.Context, groupID, userID int64) error {
	return c.setRestricted(ctx, "restrict", groupID, userID, true)
}

// Unrestrict lifts the restriction. Idempotent like Restrict.
func (c *Client) Unrestrict(ctx context.Context, groupID, userID int64) error {
	return c.setRestricted(ctx, "unrestrict", groupID, userID, false)
}

func (c *Client) setRestricted(ctx context.Context, op string, groupID, userID int64, restricted bool) error {
	url := fmt.Sprintf("%s/groups/%d/restrictions", c.config.BaseURL, groupID)
	payload, _ := json.Marshal(map[string]interface{}{
		"user_id":    userID,
		"restricted": restricted,
	})

	if _, err := c.call(ctx, http.MethodPost, url, payload); err != nil {
		metrics.OracleCallsTotal.WithLabelValues(op, string(errors.CodeOf(err))).Inc()
		return err
	}

	metrics.OracleCallsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// call performs one paced request, absorbing the provider's retry-after
// signal up to MaxRetries waits. Anything left after that surfaces as a
// classified error; non-429 failures are never retried here.
func (c *Client) call(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := c.pace(ctx); err != nil {
			return nil, errors.NewOracleNetworkError(err)
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, errors.NewOracleNetworkError(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, errors.NewOracleNetworkError(err)
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return c.classify(resp)
		}

		retryAfter := c.retryAfter(resp)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if attempt >= c.config.MaxRetries {
			return nil, errors.NewOracleRateLimitedError(attempt + 1)
		}

		c.logger.Warn("oracle rate limited, waiting before retry", map[string]interface{}{
			"url":        url,
			"retryAfter": retryAfter.String(),
			"attempt":    attempt + 1,
		})

		timer := time.NewTimer(retryAfter)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.NewOracleNetworkError(ctx.Err())
		}
	}
}

// classify maps a non-429 response onto the error taxonomy and returns the
// body for successful calls.
func (c *Client) classify(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewOracleNetworkError(err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.NewOracleNotFoundError(fmt.Sprintf("status %d: %s", resp.StatusCode, body))
	case resp.StatusCode == http.StatusForbidden:
		return nil, errors.NewOracleForbiddenError(fmt.Sprintf("status %d: %s", resp.StatusCode, body))
	case resp.StatusCode >= 500:
		return nil, errors.NewOracleNetworkError(fmt.Errorf("status %d: %s", resp.StatusCode, body))
	default:
		return nil, errors.NewOracleUnknownError(fmt.Sprintf("status %d: %s", resp.StatusCode, body))
	}
}

// retryAfter reads the provider's Retry-After header in whole seconds. An
// absent or garbled header falls back to the configured default.
func (c *Client) retryAfter(resp *http.Response) time.Duration {
	header := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if header == "" {
		return c.config.DefaultRetryAfter
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return c.config.DefaultRetryAfter
	}
	return time.Duration(seconds) * time.Second
}

// pace reserves the next call slot, keeping at least MinInterval between
// outbound requests across all goroutines sharing the client.
func (c *Client) pace(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	slot := c.nextCall
	if slot.Before(now) {
		slot = now
	}
	c.nextCall = slot.Add(c.config.MinInterval)
	c.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
