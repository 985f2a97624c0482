package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"courtbot/internal/task/retry"
	"courtbot/pkg/logx"
)

type loginBody struct {
	IsAPICall       bool   `json:"IsApiCall"`
	UserNameOrEmail string `json:"UserNameOrEmail"`
	Password        string `json:"Password"`
}

type loginResponse struct {
	IsValid      bool   `json:"IsValid"`
	Message      string `json:"Message"`
	ErrorMessage string `json:"ErrorMessage"`
}

// Login establishes an authenticated session. Credential rejections return at
// once; other failures are retried with a fresh cookie jar and a backoff that
// doubles from LoginBackoff. The defaults give three attempts with waits of
// 1s then 2s.
func (c *Client) Login(ctx context.Context) error {
	policy := retry.Policy{
		Attempts: c.cfg.LoginAttempts,
		Base:     c.cfg.LoginBackoff,
	}
	err := retry.Do(ctx, policy, retry.Options{
		Sleep: c.sleep,
		OnRetry: func(attempt int, d time.Duration, err error) {
			c.log.Warn("login attempt failed; retrying",
				logx.Int("attempt", attempt),
				logx.Duration("backoff", d),
				logx.Err(err),
			)
		},
	}, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			if err := c.resetJar(); err != nil {
				return retry.NoRetry(err)
			}
		}
		return c.loginOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("login %s: %w", c.creds.Email, err)
	}
	c.log.Info("logged in")
	return nil
}

func (c *Client) loginOnce(ctx context.Context) error {
	page := fmt.Sprintf("%s/Online/Account/LogIn/%s", c.cfg.AppURL, c.venue.OrgID)
	if _, err := c.do(ctx, request{op: "login.page", method: http.MethodGet, url: page}); err != nil {
		return err
	}

	body, err := json.Marshal(loginBody{IsAPICall: true, UserNameOrEmail: c.creds.Email, Password: c.creds.Password})
	if err != nil {
		return retry.NoRetry(err)
	}
	var res loginResponse
	err = c.doJSON(ctx, request{
		op:          "login",
		method:      http.MethodPost,
		url:         fmt.Sprintf("%s/Online/Account/Login?id=%s", c.cfg.AppURL, c.venue.OrgID),
		contentType: "application/json",
		body:        body,
		headers:     map[string]string{"Referer": page, "reactsubmit": "true"},
	}, &res)
	if err != nil {
		return err
	}
	if !res.IsValid {
		msg := res.Message
		if msg == "" {
			msg = res.ErrorMessage
		}
		if msg == "" {
			msg = "invalid credentials"
		}
		if IsCredentialMessage(msg) {
			return retry.NoRetry(fmt.Errorf("%w: %s", ErrInvalidCredentials, msg))
		}
		return fmt.Errorf("%w: login: %s", ErrRejected, msg)
	}

	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	return nil
}

// Refresh drops every cookie and logs in again.
func (c *Client) Refresh(ctx context.Context) error {
	if err := c.resetJar(); err != nil {
		return err
	}
	return c.Login(ctx)
}
