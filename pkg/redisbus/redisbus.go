// Package redisbus is the list-and-key signalling fabric shared by the
// admission controller, the executors and the fixture manager.
//
// Producers push JSON payloads onto per-workflow lists; consumers block on
// BLPop across the key set they care about. Every list write refreshes a
// one-day TTL so abandoned workflows age out on their own.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	// ListTTL is refreshed on every push; lists nobody touches for a day
	// disappear.
	ListTTL = 24 * time.Hour

	// NotificationTTL keeps dedup markers long enough to outlive any
	// plausible notifier restart storm.
	NotificationTTL = 10 * 24 * time.Hour

	connectTimeout = 5 * time.Second
)

// ErrNoEntry indicates the key does not exist.
var ErrNoEntry = errors.New("no such entry")

// Key builders. The id is the root workflow id unless noted otherwise.

func QueryListKey(rootID string) string  { return "query-list-key-" + rootID }
func DeleteListKey(rootID string) string { return "del-list-key-" + rootID }

// ForceDeleteListKey carries force-delete interrupts; executors drain it with
// higher priority than the plain delete list.
func ForceDeleteListKey(rootID string) string { return "del-force-list-key-" + rootID }

func ResultListKey(rootID string) string { return "result-list-key-" + rootID }

// ResultKey holds a single leaf outcome keyed by the reporting sn, so a
// recovering executor can re-read results the previous incarnation consumed.
func ResultKey(rootID, nodeID string, sn int64) string {
	return fmt.Sprintf("result-key-%s-%s-%d", rootID, nodeID, sn)
}

// Launch handshake, keyed by leaf node id: the in-container agent stores its
// report at the launch key and pushes the launch list; the executor answers
// through the ack pair before the agent runs the user command.

func LaunchKey(rootID string) string        { return "launch-key-" + rootID }
func LaunchListKey(rootID string) string    { return "launch-list-key-" + rootID }
func LaunchAckKey(rootID string) string     { return "launch-ack-key-" + rootID }
func LaunchAckListKey(rootID string) string { return "launch-ack-list-key-" + rootID }

// FixtureTerminationListKey is where the fixture manager tells a workflow's
// executor that a reserved fixture is being torn down under it.
func FixtureTerminationListKey(rootID string) string { return "fixture-termination-list-" + rootID }

func NotificationKey(id string) string          { return "notification:" + id }
func AssignmentKey(serviceID string) string     { return "assignment:" + serviceID }
func DeploymentUpKey(deploymentID string) string { return "deployment-up-key-" + deploymentID }
func DeploymentUpListKey(deploymentID string) string {
	return "deployment-up-list-key-" + deploymentID
}

// Bus is the signalling surface the services program against. Redis backs
// production; Memory backs tests and the single-process development mode.
type Bus interface {
	PushList(ctx context.Context, key string, payload any) error
	PushNotification(ctx context.Context, key string, payload any) error
	PopAny(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error)
	SetJSON(ctx context.Context, key string, payload any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, out any) error
	Notify(ctx context.Context, key string, payload any) error
	HasKey(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	ListLen(ctx context.Context, key string) (int64, error)
	Close() error
}

// Redis is the production Bus over a go-redis client.
type Redis struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// New connects and pings; a bus that cannot reach redis is useless to every
// caller, so fail eagerly.
func New(ctx context.Context, logger *slog.Logger, addr, password string, db int) (*Redis, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	err := client.Ping(pingCtx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", addr, "db", db)

	return &Redis{client: client, logger: logger.With("module", "redisbus")}, nil
}

// NewFromClient wraps an existing client; tests use this with a stub.
func NewFromClient(client redis.UniversalClient, logger *slog.Logger) *Redis {
	return &Redis{client: client, logger: logger.With("module", "redisbus")}
}

// PushList appends the JSON encoding of payload to key and refreshes the
// list's TTL.
func (b *Redis) PushList(ctx context.Context, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", key, err)
	}

	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, ListTTL)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}

	return nil
}

// PushNotification appends to a notification list that must outlive executor
// and consumer restarts, so it carries the long dedup TTL instead of ListTTL.
func (b *Redis) PushNotification(ctx context.Context, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", key, err)
	}

	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, NotificationTTL)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to push notification to %s: %w", key, err)
	}

	return nil
}

// PopAny blocks up to timeout on the given keys and returns the key that
// fired plus its raw payload. ErrNoEntry is returned on timeout.
func (b *Redis) PopAny(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	result, err := b.client.BLPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", "", ErrNoEntry
		}

		return "", "", fmt.Errorf("failed to pop from %v: %w", keys, err)
	}

	if len(result) < 2 {
		return "", "", ErrNoEntry
	}

	return result[0], result[1], nil
}

// SetJSON stores the JSON encoding of payload under key with the given TTL.
// A zero ttl keeps the key forever.
func (b *Redis) SetJSON(ctx context.Context, key string, payload any, ttl time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", key, err)
	}

	err = b.client.Set(ctx, key, data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	return nil
}

// GetJSON loads key into out; ErrNoEntry when the key is absent.
func (b *Redis) GetJSON(ctx context.Context, key string, out any) error {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNoEntry
		}

		return fmt.Errorf("failed to get %s: %w", key, err)
	}

	err = json.Unmarshal(data, out)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}

	return nil
}

// Notify records a dedup marker so repeated alerts on the same subject are
// suppressed for NotificationTTL.
func (b *Redis) Notify(ctx context.Context, key string, payload any) error {
	return b.SetJSON(ctx, key, payload, NotificationTTL)
}

// HasKey reports key existence without reading the value.
func (b *Redis) HasKey(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}

	return n > 0, nil
}

// Delete removes the given keys; missing keys are not an error.
func (b *Redis) Delete(ctx context.Context, keys ...string) error {
	err := b.client.Del(ctx, keys...).Err()
	if err != nil {
		return fmt.Errorf("failed to delete %v: %w", keys, err)
	}

	return nil
}

// ListLen returns the current length of a list key.
func (b *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := b.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of %s: %w", key, err)
	}

	return n, nil
}

func (b *Redis) Close() error {
	return b.client.Close()
}
