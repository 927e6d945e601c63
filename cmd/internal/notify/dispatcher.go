package notify

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"taskchat/cmd/internal/ids"
	"taskchat/cmd/internal/metrics"
	"taskchat/cmd/internal/retry"
)

const (
	SignatureHeader = "X-Taskchat-Signature"
	DeliveryHeader  = "X-Taskchat-Delivery"

	defaultTimeout = 10 * time.Second
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("notify: dispatcher closed")

// Dispatcher posts payloads to the dispatcher endpoint in the background.
// Delivery failures are logged and counted; they never reach the caller.
// A nil or endpoint-less Dispatcher drops every payload.
type Dispatcher struct {
	endpoint string
	client   *http.Client
	key      []byte
	timeout  time.Duration
	policy   retry.Policy
	log      *slog.Logger
	metrics  *metrics.Metrics
	newID    func(time.Time) (string, error)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) error {
		if c == nil {
			return errors.New("notify: nil http client")
		}
		d.client = c
		return nil
	}
}

// WithSigningKey enables the keyed BLAKE2b-256 body signature header.
func WithSigningKey(key []byte) Option {
	return func(d *Dispatcher) error {
		if len(key) == 0 {
			return nil
		}
		if len(key) > blake2b.Size {
			return fmt.Errorf("notify: signing key longer than %d bytes", blake2b.Size)
		}
		d.key = append([]byte(nil), key...)
		return nil
	}
}

// WithTimeout bounds one delivery including retries (default 10s).
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) error {
		if t <= 0 {
			return errors.New("notify: timeout must be > 0")
		}
		d.timeout = t
		return nil
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) error {
		d.policy = p
		return nil
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) error {
		if log != nil {
			d.log = log
		}
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) error {
		d.metrics = m
		return nil
	}
}

// NewDispatcher constructs a Dispatcher. An empty endpoint yields a
// Dispatcher that drops payloads.
func NewDispatcher(endpoint string, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("notify: invalid endpoint %q", endpoint)
		}
	}

	d := &Dispatcher{
		endpoint: endpoint,
		client:   &http.Client{},
		timeout:  defaultTimeout,
		policy:   retry.Policy{Base: 500 * time.Millisecond, Max: 4 * time.Second, Multiplier: 2, Attempts: 3},
		log:      slog.Default(),
		newID:    ids.NewULID,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Enabled reports whether payloads are delivered anywhere.
func (d *Dispatcher) Enabled() bool { return d != nil && d.endpoint != "" }

// Dispatch validates p and delivers it in the background. The returned error
// only reports an invalid payload or a closed dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) error {
	if p == nil {
		return ErrInvalidPayload
	}
	w, err := p.wire()
	if err != nil {
		return err
	}
	if !d.Enabled() {
		return nil
	}

	body, err := json.Marshal(w)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	// The caller's request may end before delivery does.
	bg := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		d.deliver(bg, w.Type, body)
	}()
	return nil
}

// Close stops accepting payloads and waits for in-flight deliveries or ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("dispatcher responded %d", e.code) }

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, kind Kind, body []byte) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// Without an id the request goes out with no delivery header.
	delivery, idErr := d.newID(time.Time{})
	if idErr != nil {
		d.log.Debug("notify.delivery_id.fail", "type", string(kind), "err", idErr)
		delivery = ""
	}
	sig := d.sign(body)

	start := time.Now()
	attempt := 0
	err := d.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		return d.post(ctx, delivery, sig, body)
	}, retryable, func(err error, wait time.Duration) {
		d.log.Warn("notify.retry",
			"type", string(kind),
			"delivery", delivery,
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"err", err,
		)
	})
	if err != nil {
		d.metrics.Notification(string(kind), "fail")
		d.log.Error("notify.fail",
			"type", string(kind),
			"delivery", delivery,
			"attempts", attempt,
			"err", err,
		)
		return
	}

	d.metrics.Notification(string(kind), "ok")
	d.log.Info("notify.ok",
		"type", string(kind),
		"delivery", delivery,
		"dur_ms", time.Since(start).Milliseconds(),
	)
}

func (d *Dispatcher) post(ctx context.Context, delivery, sig string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if delivery != "" {
		req.Header.Set(DeliveryHeader, delivery)
	}
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

func (d *Dispatcher) sign(body []byte) string {
	if len(d.key) == 0 {
		return ""
	}
	return Sign(d.key, body)
}

// Sign returns the hex keyed BLAKE2b-256 of body, as sent in SignatureHeader.
func Sign(key, body []byte) string {
	h, err := blake2b.New256(key)
	if err != nil {
		return ""
	}
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
