package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Bus. TTLs are ignored; keys live until deleted or
// popped.
type Memory struct {
	mu     sync.Mutex
	lists  map[string][]string
	kv     map[string]string
	signal chan struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		lists:  make(map[string][]string),
		kv:     make(map[string]string),
		signal: make(chan struct{}),
	}
}

// broadcast wakes every blocked PopAny; callers hold mu.
func (m *Memory) broadcast() {
	close(m.signal)
	m.signal = make(chan struct{})
}

func (m *Memory) PushList(_ context.Context, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", key, err)
	}

	m.mu.Lock()
	m.lists[key] = append(m.lists[key], string(data))
	m.broadcast()
	m.mu.Unlock()

	return nil
}

func (m *Memory) PushNotification(ctx context.Context, key string, payload any) error {
	return m.PushList(ctx, key, payload)
}

func (m *Memory) PopAny(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		for _, key := range keys {
			if entries := m.lists[key]; len(entries) > 0 {
				value := entries[0]
				m.lists[key] = entries[1:]
				m.mu.Unlock()

				return key, value, nil
			}
		}
		wake := m.signal
		m.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return "", "", ErrNoEntry
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
}

func (m *Memory) SetJSON(_ context.Context, key string, payload any, _ time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", key, err)
	}

	m.mu.Lock()
	m.kv[key] = string(data)
	m.broadcast()
	m.mu.Unlock()

	return nil
}

func (m *Memory) GetJSON(_ context.Context, key string, out any) error {
	m.mu.Lock()
	data, ok := m.kv[key]
	m.mu.Unlock()

	if !ok {
		return ErrNoEntry
	}

	err := json.Unmarshal([]byte(data), out)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}

	return nil
}

func (m *Memory) Notify(ctx context.Context, key string, payload any) error {
	return m.SetJSON(ctx, key, payload, NotificationTTL)
}

func (m *Memory) HasKey(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.kv[key]; ok {
		return true, nil
	}

	return len(m.lists[key]) > 0, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, key := range keys {
		delete(m.kv, key)
		delete(m.lists, key)
	}
	m.mu.Unlock()

	return nil
}

func (m *Memory) ListLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.lists[key])), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		m.broadcast()
	}

	return nil
}
