// This package resolves and caches the public identity keys a conversation's messages are encrypted for.
package keys

import (
	"context"
	"fmt"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/store"
	"go.uber.org/zap"
	"resty.dev/v3"
)

// Directory resolves user ids to their current identity keys. Results may be partial or stale.
type Directory interface {
	ResolveKeys(ctx context.Context, uids []string) ([]*store.PublicKeyInfo, error)
}

type resolveRequest struct {
	UIDs []string `json:"uids"`
}

type resolveResponse struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
	Data   struct {
		Keys []*store.PublicKeyInfo `json:"keys"`
	} `json:"data"`
}

// ServerError is the body the directory answers a failed request with.
type ServerError struct {
	HTTPStatus int    `json:"-"`
	Status     int    `json:"status"`
	Reason     string `json:"reason"`
}

func (se *ServerError) Error() string {
	return fmt.Sprintf("keys: directory returned %d (status=%d reason=%s)", se.HTTPStatus, se.Status, se.Reason)
}

type HTTPDirectory struct {
	log    *zap.SugaredLogger
	client *resty.Client
}

func NewHTTPDirectory(c *config.Config) *HTTPDirectory {
	return &HTTPDirectory{
		log: c.Logger("keys/directory"),
		client: resty.New().
			SetBaseURL(c.ServerURL).
			SetTimeout(c.RequestTimeout()).
			SetHeader("Content-Type", "application/json").
			SetBasicAuth(c.Username, c.Password),
	}
}

func (d *HTTPDirectory) ResolveKeys(ctx context.Context, uids []string) ([]*store.PublicKeyInfo, error) {
	rr := &resolveResponse{}
	se := &ServerError{}
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(&resolveRequest{UIDs: uids}).
		SetResult(rr).
		SetError(se).
		Post("v3/keys/identity/bulk")
	if err != nil {
		return nil, fmt.Errorf("keys: error resolving keys: %w", err)
	}
	if resp.IsError() {
		se.HTTPStatus = resp.StatusCode()
		return nil, se
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("keys: unexpected status resolving keys: %d", resp.StatusCode())
	}
	if rr.Status != 0 {
		return nil, &ServerError{HTTPStatus: resp.StatusCode(), Status: rr.Status, Reason: rr.Reason}
	}
	d.log.Debugf("resolved %d keys for %d uids", len(rr.Data.Keys), len(uids))
	return rr.Data.Keys, nil
}
