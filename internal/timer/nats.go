package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"escalation/internal/config"
	"escalation/internal/domain"
	"escalation/internal/natskv"

	"github.com/nats-io/nats.go"
)

const (
	payloadKeyPrefix = "payload."
	minTTL           = time.Second
	markerReasonTTL  = "MaxAge"
	expiryNakDelay   = time.Second
)

// NATSFacility implements timers as KV keys with per-message TTL.
// Arming publishes the service key with Nats-TTL; expiry surfaces as a
// server delete marker which the queue consumer turns into a timeout event.
// Manual deletes (cancel) produce markers without MaxAge reason and are ignored.
type NATSFacility struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	kv            nats.KeyValue
	settings      config.NATSStateConfig
	subjectPrefix string
	logger        *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

type armedValue struct {
	ServiceID string    `json:"service_id"`
	ArmedAt   time.Time `json:"armed_at"`
	DelayMS   int64     `json:"delay_ms"`
}

// NewNATSFacility opens timer bucket and enables per-message TTL on it.
// Params: NATS settings and logger.
// Returns: facility or setup error.
func NewNATSFacility(settings config.NATSStateConfig, logger *slog.Logger) (*NATSFacility, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, js, err := natskv.Connect(settings.URL, "escalation-timer")
	if err != nil {
		return nil, err
	}
	kv, err := natskv.OpenBucket(js, settings.TimerBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if err := natskv.EnablePerMessageTTL(js, settings.TimerBucket); err != nil {
		nc.Close()
		return nil, fmt.Errorf("enable per-message ttl on timer bucket: %w", err)
	}
	return &NATSFacility{
		nc:            nc,
		js:            js,
		kv:            kv,
		settings:      settings,
		subjectPrefix: natskv.SubjectPrefix(settings.TimerBucket),
		logger:        logger,
	}, nil
}

// Arm publishes timer key with TTL, replacing any pending timer of the service.
// Params: timer request; delays below one second are raised to one second.
// Returns: payload/publish error.
func (f *NATSFacility) Arm(_ context.Context, req domain.TimerRequest) error {
	key := natskv.EncodeKey(req.ServiceID)
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("encode timer payload: %w", err)
	}
	if _, err := f.kv.Put(payloadKeyPrefix+key, payload); err != nil {
		return fmt.Errorf("put timer payload: %w", err)
	}

	delay := req.Delay
	if delay < minTTL {
		delay = minTTL
	}
	value, err := json.Marshal(armedValue{ServiceID: req.ServiceID, ArmedAt: time.Now().UTC(), DelayMS: delay.Milliseconds()})
	if err != nil {
		return fmt.Errorf("encode timer value: %w", err)
	}
	msg := nats.NewMsg(f.subjectPrefix + key)
	msg.Data = value
	msg.Header = nats.Header{
		"Nats-TTL": []string{strconv.FormatInt(delay.Milliseconds(), 10) + "ms"},
	}
	if _, err := f.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish timer: %w", err)
	}
	return nil
}

// Cancel deletes timer and payload keys.
// Params: service ID.
// Returns: delete error; absent keys are not errors.
func (f *NATSFacility) Cancel(_ context.Context, serviceID string) error {
	key := natskv.EncodeKey(serviceID)
	if err := f.kv.Delete(key); err != nil && !natskv.IsNotFound(err) {
		return fmt.Errorf("delete timer: %w", err)
	}
	if err := f.kv.Delete(payloadKeyPrefix + key); err != nil && !natskv.IsNotFound(err) {
		return fmt.Errorf("delete timer payload: %w", err)
	}
	return nil
}

// Armed reports whether timer key is still live.
// Params: service ID.
// Returns: live flag or read error.
func (f *NATSFacility) Armed(_ context.Context, serviceID string) (bool, error) {
	if _, err := f.kv.Get(natskv.EncodeKey(serviceID)); err != nil {
		if natskv.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get timer: %w", err)
	}
	return true, nil
}

// Listen starts queue consumer for TTL delete markers.
// Params: handler for expired timers.
// Returns: subscription error.
func (f *NATSFacility) Listen(handler Handler) error {
	sub, err := f.js.QueueSubscribe(f.settings.TimerSubjectWildcard, f.settings.TimerDeliverGroup, func(message *nats.Msg) {
		f.handleMarker(message, handler)
	},
		nats.BindStream(natskv.StreamName(f.settings.TimerBucket)),
		nats.Durable(f.settings.TimerConsumerName),
		nats.ManualAck(),
		nats.DeliverNew(),
		nats.AckExplicit(),
	)
	if err != nil {
		return fmt.Errorf("subscribe timer markers: %w", err)
	}
	f.mu.Lock()
	f.sub = sub
	f.mu.Unlock()
	return nil
}

func (f *NATSFacility) handleMarker(message *nats.Msg, handler Handler) {
	key := natskv.KeyFromSubject(f.settings.TimerBucket, message.Subject)
	if len(message.Data) != 0 || key == "" || strings.HasPrefix(key, payloadKeyPrefix) || !isExpiryMarker(message) {
		_ = message.Ack()
		return
	}
	serviceID, err := natskv.DecodeKey(key)
	if err != nil {
		f.logger.Warn("timer marker with foreign key", "key", key, "error", err)
		_ = message.Ack()
		return
	}
	event := domain.AcknowledgementTimeout{ServiceID: serviceID, Payload: f.loadPayload(key)}
	if handler != nil {
		if err := handler(context.Background(), event); err != nil {
			f.logger.Warn("timer handler failed, redelivering", "service_id", serviceID, "error", err)
			_ = message.NakWithDelay(expiryNakDelay)
			return
		}
	}
	_ = message.Ack()
}

// loadPayload reads payload stored at arm time.
// Params: encoded timer key.
// Returns: payload or nil when missing/undecodable.
func (f *NATSFacility) loadPayload(key string) *domain.TimerPayload {
	entry, err := f.kv.Get(payloadKeyPrefix + key)
	if err != nil {
		return nil
	}
	var payload domain.TimerPayload
	if err := json.Unmarshal(entry.Value(), &payload); err != nil {
		return nil
	}
	return &payload
}

// isExpiryMarker reports whether delete marker was produced by TTL expiry.
func isExpiryMarker(message *nats.Msg) bool {
	if message.Header == nil {
		return false
	}
	return strings.EqualFold(message.Header.Get("Nats-Marker-Reason"), markerReasonTTL)
}

// Close drains subscription and closes NATS connection.
// Params: none.
// Returns: drain error.
func (f *NATSFacility) Close() error {
	f.mu.Lock()
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()
	if sub != nil {
		if err := sub.Drain(); err != nil {
			f.nc.Close()
			return err
		}
	}
	f.nc.Close()
	return nil
}
