package health

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// BrokerProbe checks that the broker answers its native ping. Each check
// dials a fresh connection and waits for the server's PONG via a flush
// round-trip; anything other than a clean reply within the timeout is
// not-ready.
type BrokerProbe struct {
	url     string
	timeout time.Duration
}

// NewBrokerProbe builds a probe for the broker at url. A zero timeout
// defaults to 2s per attempt.
func NewBrokerProbe(url string, timeout time.Duration) *BrokerProbe {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &BrokerProbe{url: url, timeout: timeout}
}

func (p *BrokerProbe) Check(ctx context.Context) Result {
	deadline := p.timeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < deadline {
			deadline = remaining
		}
	}
	if deadline <= 0 {
		return notReady("context deadline exceeded")
	}

	nc, err := nats.Connect(p.url,
		nats.Timeout(deadline),
		nats.RetryOnFailedConnect(false),
	)
	if err != nil {
		return notReady(fmt.Sprintf("connect: %v", err))
	}
	defer nc.Close()

	// FlushTimeout issues PING and waits for the matching PONG.
	if err := nc.FlushTimeout(deadline); err != nil {
		return notReady(fmt.Sprintf("ping: %v", err))
	}

	return ready("ping acknowledged")
}
