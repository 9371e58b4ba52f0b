package natskv

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const keyPrefix = "k."

// Connect opens one NATS connection with JetStream context.
// Params: server URLs and connection name used in server monitoring.
// Returns: connection, JetStream context, or setup error.
func Connect(urls []string, name string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(urls, ","), nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init: %w", err)
	}
	return nc, js, nil
}

// OpenBucket opens a KV bucket and creates it when allowed.
// Params: JetStream context, bucket name, and create permission.
// Returns: KV handle or open/create error.
func OpenBucket(js nats.JetStreamContext, bucket string, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// EnablePerMessageTTL ensures underlying KV stream allows Nats-TTL header
// and emits delete markers when a key expires.
// Params: JetStream context and KV bucket name.
// Returns: stream update error when config cannot be applied.
func EnablePerMessageTTL(js nats.JetStreamContext, bucket string) error {
	info, err := js.StreamInfo(StreamName(bucket))
	if err != nil {
		return err
	}
	if info.Config.AllowMsgTTL && info.Config.SubjectDeleteMarkerTTL > 0 {
		return nil
	}
	cfg := info.Config
	cfg.AllowMsgTTL = true
	if cfg.SubjectDeleteMarkerTTL == 0 {
		cfg.SubjectDeleteMarkerTTL = 5 * time.Minute
	}
	_, err = js.UpdateStream(&cfg)
	return err
}

// EnsureStream creates a file-backed stream when it does not exist yet.
// Params: JetStream context, stream name, single subject, retention, and max age.
// Returns: lookup or create error.
func EnsureStream(js nats.JetStreamContext, name, subject string, retention nats.RetentionPolicy, maxAge time.Duration) error {
	_, err := js.StreamInfo(name)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found"):
		return fmt.Errorf("stream info %q: %w", name, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", name, err)
	}
	return nil
}

// StreamName returns backing stream name of one KV bucket.
func StreamName(bucket string) string {
	return "KV_" + bucket
}

// SubjectPrefix returns the $KV subject prefix of one bucket.
func SubjectPrefix(bucket string) string {
	return "$KV." + bucket + "."
}

// EncodeKey maps arbitrary service ID into a valid KV key.
// Params: raw service ID.
// Returns: reversible key made of KV-safe characters.
func EncodeKey(serviceID string) string {
	return keyPrefix + base64.RawURLEncoding.EncodeToString([]byte(serviceID))
}

// DecodeKey reverses EncodeKey.
// Params: KV key.
// Returns: service ID or error for foreign keys.
func DecodeKey(key string) (string, error) {
	if !strings.HasPrefix(key, keyPrefix) {
		return "", fmt.Errorf("unexpected key %q", key)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(key, keyPrefix))
	if err != nil {
		return "", fmt.Errorf("decode key %q: %w", key, err)
	}
	return string(raw), nil
}

// KeyFromSubject extracts key from $KV.<bucket>.<key> subject.
// Params: bucket name and full subject.
// Returns: key or empty on mismatch.
func KeyFromSubject(bucket, subject string) string {
	prefix := SubjectPrefix(bucket)
	if !strings.HasPrefix(subject, prefix) {
		return ""
	}
	return strings.TrimPrefix(subject, prefix)
}

// IsRevisionConflict reports whether KV write failed on expected revision.
// Params: error returned by Create/Update.
// Returns: true for CAS mismatch.
func IsRevisionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

// IsNotFound reports missing or deleted KV key.
func IsNotFound(err error) bool {
	return errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted)
}

// Keys lists all live keys of one bucket.
// Params: KV handle.
// Returns: keys, empty on empty bucket.
func Keys(kv nats.KeyValue) ([]string, error) {
	keys, err := kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}
