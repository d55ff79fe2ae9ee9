package matrix

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

func (c *Client) Login(ctx context.Context, password string) error {
	local := c.userID
	if i := strings.Index(local, ":"); i > 0 {
		local = strings.TrimPrefix(local[:i], "@")
	}
	req := loginReq{
		Type:       "m.login.password",
		Identifier: map[string]any{"type": "m.id.user", "user": local},
		Password:   password,
		DeviceName: "spacebot",
	}
	var out loginResp
	if err := c.request(ctx, http.MethodPost, apiPrefix+"/login", nil, req, &out, false); err != nil {
		return err
	}
	if out.AccessToken == "" {
		return fmt.Errorf("matrix: login returned no access token")
	}
	c.mu.Lock()
	c.token = out.AccessToken
	c.deviceID = out.DeviceID
	c.mu.Unlock()
	return nil
}

// LoginWithRetry retries rate-limited logins after the server's retry hint.
// maxRetries caps the number of attempts; zero means unlimited. Any other
// error is returned immediately.
func (c *Client) LoginWithRetry(ctx context.Context, password string, maxRetries int) error {
	for attempt := 1; ; attempt++ {
		c.log.Info("logging in", zap.Int("attempt", attempt))
		err := c.Login(ctx, password)
		if err == nil {
			c.log.Info("login ok", zap.String("user", c.userID), zap.String("device", c.DeviceID()))
			return nil
		}
		wait, limited := IsRateLimited(err)
		if !limited {
			return fmt.Errorf("login failed after %d attempt(s): %w", attempt, err)
		}
		if maxRetries > 0 && attempt >= maxRetries {
			return fmt.Errorf("login failed after %d attempt(s): %w", attempt, err)
		}
		c.log.Warn("login rate-limited", zap.Duration("retry_after", wait), zap.Int("max_retries", maxRetries))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
