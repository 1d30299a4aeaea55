package transport

import (
	"context"

	"github.com/meow-io/go-courier/config"
	"go.uber.org/zap"
	"resty.dev/v3"
)

// Fallback submits messages with plain HTTP requests when the channel can't be used.
type Fallback struct {
	log    *zap.SugaredLogger
	client *resty.Client
}

func NewFallback(c *config.Config) *Fallback {
	return &Fallback{
		log: c.Logger("transport/fallback"),
		client: resty.New().
			SetBaseURL(c.ServerURL).
			SetTimeout(c.RequestTimeout()).
			SetHeader("Content-Type", "application/json").
			SetBasicAuth(c.Username, c.Password),
	}
}

func (f *Fallback) Send(ctx context.Context, to Destination, msg *OutgoingMessage) (Outcome, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetBody(msg).
		Put(to.path("v4"))
	if err != nil {
		f.log.Debugf("error sending to %s: %v", to.ID, err)
		return nil, transient(err)
	}
	return classify(resp.StatusCode(), []byte(resp.String()))
}
