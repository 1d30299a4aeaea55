// This package keeps the short lived token the persistent channel authenticates with. The token is a
// server issued JWT fetched with the account's basic credentials and reused until its exp claim passes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"go.uber.org/zap"
	"resty.dev/v3"
)

var ErrNoCredentials = errors.New("auth: no credentials configured")

type tokenRequest struct {
	AppID string `json:"appId,omitempty"`
	Scope string `json:"scope,omitempty"`
}

// ServerError is the body the server answers a failed token request with.
type ServerError struct {
	HTTPStatus int    `json:"-"`
	Status     int    `json:"status"`
	Reason     string `json:"reason"`
}

func (se *ServerError) Error() string {
	return fmt.Sprintf("auth: server returned %d (status=%d reason=%s)", se.HTTPStatus, se.Status, se.Reason)
}

type tokenResponse struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
	Data   struct {
		Token string `json:"token"`
	} `json:"data"`
}

type TokenManager struct {
	config     *config.Config
	clock      clock.Clock
	log        *zap.SugaredLogger
	client     *resty.Client
	lock       sync.Mutex
	token      string
	finished   sync.WaitGroup
	cancelFunc context.CancelFunc
}

func NewTokenManager(c *config.Config, cl clock.Clock) *TokenManager {
	client := resty.New().
		SetBaseURL(c.ServerURL).
		SetTimeout(c.RequestTimeout()).
		SetHeader("Content-Type", "application/json").
		SetBasicAuth(c.Username, c.Password)
	return &TokenManager{
		config: c,
		clock:  cl,
		log:    c.Logger("auth"),
		client: client,
	}
}

// Start refreshes the token in the background on the configured interval.
func (tm *TokenManager) Start() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	tm.cancelFunc = cancelFunc
	tm.startRefresher(ctx)
}

func (tm *TokenManager) Shutdown() {
	if tm.cancelFunc != nil {
		tm.cancelFunc()
		tm.finished.Wait()
	}
}

// Token returns a token that has not expired, fetching a new one if needed.
func (tm *TokenManager) Token(ctx context.Context) (string, error) {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	if !tm.expired(tm.token) {
		return tm.token, nil
	}
	token, err := tm.fetch(ctx)
	if err != nil {
		return "", err
	}
	tm.token = token
	return token, nil
}

// Invalidate drops the cached token, for instance after the server rejected it.
func (tm *TokenManager) Invalidate() {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	tm.token = ""
}

func (tm *TokenManager) expired(token string) bool {
	if token == "" {
		return true
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		tm.log.Debugf("unable to parse token: %v", err)
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !tm.clock.Now().Before(claims.ExpiresAt.Time)
}

func (tm *TokenManager) fetch(ctx context.Context) (string, error) {
	if tm.config.Username == "" {
		return "", ErrNoCredentials
	}
	tr := &tokenResponse{}
	se := &ServerError{}
	resp, err := tm.client.R().
		SetContext(ctx).
		SetBody(&tokenRequest{}).
		SetResult(tr).
		SetError(se).
		Put("v1/authorize/token")
	if err != nil {
		return "", fmt.Errorf("auth: error fetching token: %w", err)
	}
	if resp.IsError() {
		se.HTTPStatus = resp.StatusCode()
		return "", se
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("auth: unexpected status fetching token: %d", resp.StatusCode())
	}
	if tr.Data.Token == "" {
		return "", fmt.Errorf("auth: empty token (status=%d reason=%s)", tr.Status, tr.Reason)
	}
	tm.log.Infof("refreshed token")
	return tr.Data.Token, nil
}

func (tm *TokenManager) startRefresher(ctx context.Context) {
	interval := time.Duration(tm.config.TokenRefreshIntervalMs) * time.Millisecond
	tm.finished.Add(1)
	go func() {
		defer tm.finished.Done()
		for {
			reqCtx, cancelFn := context.WithTimeout(ctx, tm.config.RequestTimeout())
			if _, err := tm.Token(reqCtx); err != nil && !errors.Is(err, ErrNoCredentials) {
				tm.log.Warnf("error refreshing token: %v", err)
			}
			cancelFn()
			select {
			case <-ctx.Done():
				return
			case <-tm.clock.After(interval):
			}
		}
	}()
}
