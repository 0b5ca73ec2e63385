// Package settings stores the broker connection settings edited by the
// platform's configuration screen and notifies listeners when they change.
package settings

import (
	"context"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/ppalechor/agrotic-telemetry/errors"
)

// DefaultBrokerURL is used when no broker has been configured.
const DefaultBrokerURL = "ws://test.mosquitto.org:8080/mqtt"

// DefaultTopic is subscribed when no topics have been configured.
const DefaultTopic = "agrotic/sensores/#"

// Settings are the pub/sub connection settings.
type Settings struct {
	BrokerURL string   `json:"brokerUrl"`
	Topics    []string `json:"topics"`
}

// Default returns the fallback settings.
func Default() Settings {
	return Settings{BrokerURL: DefaultBrokerURL, Topics: []string{DefaultTopic}}
}

// Normalize trims values, drops empty and duplicate topics, and fills in defaults.
func (s Settings) Normalize() Settings {
	out := Settings{BrokerURL: strings.TrimSpace(s.BrokerURL)}
	if out.BrokerURL == "" {
		out.BrokerURL = DefaultBrokerURL
	}
	seen := make(map[string]bool, len(s.Topics))
	for _, t := range s.Topics {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out.Topics = append(out.Topics, t)
	}
	if len(out.Topics) == 0 {
		out.Topics = []string{DefaultTopic}
	}
	return out
}

// Equal reports whether two settings select the same broker and topics.
func (s Settings) Equal(o Settings) bool {
	return s.BrokerURL == o.BrokerURL && slices.Equal(s.Topics, o.Topics)
}

// Validate checks the broker URL scheme.
func (s Settings) Validate() error {
	u, err := url.Parse(s.BrokerURL)
	if err != nil {
		return errors.WrapInvalid(err, "Settings", "Validate", "parse broker url")
	}
	switch u.Scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Settings", "Validate",
			"unsupported broker scheme "+u.Scheme)
	}
	if u.Host == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Settings", "Validate", "broker host is required")
	}
	return nil
}

// Store persists settings and publishes changes.
type Store interface {
	// Load returns the stored settings, or Default when none are stored.
	Load(ctx context.Context) (Settings, error)
	// Save validates and stores s, then notifies watchers.
	Save(ctx context.Context, s Settings) error
	// Watch delivers every later change until ctx is done.
	Watch(ctx context.Context) (<-chan Settings, error)
	// Close releases the store's resources.
	Close() error
}

// fanout delivers the latest settings to every watcher. A slow watcher
// only ever sees the most recent value.
type fanout struct {
	mu   sync.Mutex
	subs map[chan Settings]struct{}
}

func newFanout() *fanout {
	return &fanout{subs: make(map[chan Settings]struct{})}
}

func (f *fanout) subscribe(ctx context.Context) <-chan Settings {
	ch := make(chan Settings, 1)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	context.AfterFunc(ctx, func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	})
	return ch
}

func (f *fanout) publish(s Settings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		close(ch)
		delete(f.subs, ch)
	}
}
