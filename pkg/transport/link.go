package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/resi-gateway/pkg/logging"
)

// LinkOptions controls the reconnect loop.
type LinkOptions struct {
	ReconnectInterval time.Duration
	MaxReconnect      int // 0 means infinite
	Header            func() http.Header
	Conn              Options
	// Hold, when set, may stretch the wait before the next attempt, e.g.
	// when the gateway asked the node to back off.
	Hold func() time.Duration
}

// LinkInfo contains connection metadata for a gateway link.
type LinkInfo struct {
	URL         string
	Conn        *WSConn
	ConnectedAt time.Time
}

// RunLink maintains a long-lived connection to url, handing each established
// connection to handler. It returns when ctx is done or MaxReconnect
// consecutive attempts have failed.
func RunLink(ctx context.Context, url string, opts LinkOptions, handler func(context.Context, LinkInfo) error) error {
	reconnectInterval := opts.ReconnectInterval
	if reconnectInterval <= 0 {
		reconnectInterval = 5 * time.Second
	}

	reconnectCount := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var header http.Header
		if opts.Header != nil {
			header = opts.Header()
		}
		conn, err := Dial(ctx, url, header, opts.Conn)
		if err != nil {
			logging.Logf("[link] connect failed url=%s err=%v", url, err)
			if opts.MaxReconnect > 0 && reconnectCount >= opts.MaxReconnect {
				return err
			}
			reconnectCount++
			logging.Logf("[link] reconnecting url=%s in=%v attempt=%d", url, reconnectInterval, reconnectCount)
			if !sleepCtx(ctx, reconnectInterval) {
				return ctx.Err()
			}
			continue
		}

		reconnectCount = 0
		link := LinkInfo{
			URL:         url,
			Conn:        conn,
			ConnectedAt: time.Now(),
		}
		logging.Logf("[link] connected url=%s remote=%s", url, conn.RemoteAddr())

		err = handler(ctx, link)
		_ = conn.Close()
		if err != nil {
			logging.Logf("[link] connection closed url=%s uptime=%s err=%v", url, time.Since(link.ConnectedAt).Truncate(time.Second), err)
		}

		if opts.MaxReconnect > 0 && reconnectCount >= opts.MaxReconnect {
			return err
		}
		reconnectCount++
		wait := reconnectInterval
		if opts.Hold != nil {
			if hold := opts.Hold(); hold > wait {
				wait = hold
			}
		}
		logging.Logf("[link] reconnecting url=%s in=%v attempt=%d", url, wait, reconnectCount)
		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
