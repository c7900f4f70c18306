package remote

import (
	"context"
	"errors"

	"github.com/go-kivik/kivik/v4"
)

var ErrUnreachable = errors.New("remote store unreachable")

type pinger struct {
	client *kivik.Client
}

func NewPinger(client *kivik.Client) Pinger {
	return &pinger{client: client}
}

func (p *pinger) Ping(ctx context.Context) error {
	ok, err := p.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnreachable
	}
	return nil
}
