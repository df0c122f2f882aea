// Package webhook posts batches of audit events to an external endpoint so
// a chat surface or SIEM can follow mediation decisions.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tokengate/tokengate/pkg/types"
)

type Config struct {
	URL     string
	Headers map[string]string

	// Events filters by event type; "*" or empty forwards everything.
	Events []string

	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	RetryCount    int
	RetryDelay    time.Duration
}

type Store struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	buf       []types.Event
	closed    bool
	flushDone chan struct{}
}

func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	s := &Store{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		flushDone: make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

func (s *Store) wants(eventType string) bool {
	if len(s.cfg.Events) == 0 {
		return true
	}
	for _, t := range s.cfg.Events {
		if t == "*" || t == eventType {
			return true
		}
	}
	return false
}

func (s *Store) AppendEvent(_ context.Context, ev types.Event) error {
	if !s.wants(ev.Type) {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("webhook store closed")
	}
	s.buf = append(s.buf, ev)
	var batch []types.Event
	if len(s.buf) >= s.cfg.BatchSize {
		batch = s.buf
		s.buf = nil
	}
	s.mu.Unlock()

	if batch != nil {
		s.send(batch)
	}
	return nil
}

// QueryEvents is unsupported on the webhook sink.
func (s *Store) QueryEvents(context.Context, types.EventQuery) ([]types.Event, error) {
	return nil, nil
}

func (s *Store) flushLoop() {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.flushDone:
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Flush sends any buffered events immediately.
func (s *Store) Flush() {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(batch) > 0 {
		s.send(batch)
	}
}

func (s *Store) send(batch []types.Event) {
	body, err := json.Marshal(batch)
	if err != nil {
		return
	}
	for attempt := 0; attempt <= s.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			time.Sleep(s.cfg.RetryDelay)
		}
		req, err := http.NewRequest(http.MethodPost, s.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range s.cfg.Headers {
			req.Header.Set(k, v)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return
		}
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.flushDone)
	s.Flush()
	return nil
}
