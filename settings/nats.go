package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ppalechor/agrotic-telemetry/errors"
)

// Defaults for the NATS key-value store.
const (
	DefaultBucket = "agrotic_settings"
	settingsKey   = "mqtt"
)

// NATSConfig configures a NATSStore.
type NATSConfig struct {
	URL     string        `json:"url"     yaml:"url"`
	Bucket  string        `json:"bucket"  yaml:"bucket"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// NATSStore keeps settings in a JetStream key-value bucket so that every
// engine instance sharing the bucket sees changes.
type NATSStore struct {
	conn    *nats.Conn
	kv      jetstream.KeyValue
	timeout time.Duration
	logger  *slog.Logger
}

// NewNATSStore connects to NATS and opens or creates the bucket.
func NewNATSStore(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSStore, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSStore", "NewNATSStore", "nats url is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "settings", "bucket", cfg.Bucket)

	conn, err := nats.Connect(cfg.URL,
		nats.Name("agrotic-telemetry"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSStore", "NewNATSStore", "connect")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "NATSStore", "NewNATSStore", "open jetstream")
	}

	kv, err := openBucket(ctx, js, cfg.Bucket)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &NATSStore{conn: conn, kv: kv, timeout: cfg.Timeout, logger: logger}, nil
}

func openBucket(ctx context.Context, js jetstream.JetStream, bucket string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.WrapTransient(err, "NATSStore", "openBucket", "look up bucket")
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Pub/sub broker settings",
		History:     5,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		// another instance created it first
		kv, err = js.KeyValue(ctx, bucket)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSStore", "openBucket", "create bucket")
	}
	return kv, nil
}

// Load reads the stored settings, returning Default when the key is absent.
func (s *NATSStore) Load(ctx context.Context) (Settings, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry, err := s.kv.Get(ctx, settingsKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Default(), nil
	}
	if err != nil {
		return Default(), errors.WrapTransient(err, "NATSStore", "Load", "get settings")
	}
	return decode(entry.Value())
}

// Save validates and stores st. Watchers, including those of other
// instances, receive the change through the bucket.
func (s *NATSStore) Save(ctx context.Context, st Settings) error {
	st = st.Normalize()
	if err := st.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return errors.WrapInvalid(err, "NATSStore", "Save", "encode settings")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.kv.Put(ctx, settingsKey, data); err != nil {
		return errors.WrapTransient(err, "NATSStore", "Save", "put settings")
	}
	return nil
}

// Watch delivers every change to the settings key made after the call.
func (s *NATSStore) Watch(ctx context.Context) (<-chan Settings, error) {
	w, err := s.kv.Watch(ctx, settingsKey, jetstream.UpdatesOnly())
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSStore", "Watch", "watch settings key")
	}

	out := make(chan Settings, 1)
	go func() {
		defer close(out)
		defer func() { _ = w.Stop() }()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil || entry.Operation() != jetstream.KeyValuePut {
					continue
				}
				st, err := decode(entry.Value())
				if err != nil {
					s.logger.Warn("ignoring malformed settings", "revision", entry.Revision(), "error", err)
					continue
				}
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close drains the NATS connection.
func (s *NATSStore) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return errors.WrapTransient(err, "NATSStore", "Close", "drain connection")
	}
	return nil
}

func decode(data []byte) (Settings, error) {
	var st Settings
	if err := json.Unmarshal(data, &st); err != nil {
		return Default(), errors.WrapInvalid(errors.ErrParsingFailed, "NATSStore", "decode", err.Error())
	}
	return st.Normalize(), nil
}
