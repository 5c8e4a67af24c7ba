// Package dispatch forwards paired crossings to the external dispatcher
// service over HTTP.
package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rfidtrack/metrics"
	"rfidtrack/tracking"
)

var ErrUnexpectedStatus = errors.New("dispatch: unexpected response status")

// Config holds dispatcher settings.
type Config struct {
	URL        string        `yaml:"url"` // empty disables forwarding
	Timeout    time.Duration `yaml:"timeout"`
	MACAddress string        `yaml:"mac_address"` // defaults to this host's node ID
	CACert     string        `yaml:"ca_cert"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
}

// Payload is the body POSTed for each crossing.
type Payload struct {
	TagID      string `json:"tagId"`
	MACAddress string `json:"macAddress"`
	Direction  string `json:"direction"`
	ReadDate   string `json:"readDate"`
}

// Forwarder sends crossings without blocking the caller.
type Forwarder struct {
	cfg    Config
	mac    string
	loc    *time.Location
	client *http.Client
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a forwarder. read_date values are interpreted in loc.
func New(cfg Config, loc *time.Location) (*Forwarder, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if loc == nil {
		loc = time.Local
	}

	f := &Forwarder{
		cfg:    cfg,
		mac:    MACAddress(cfg.MACAddress),
		loc:    loc,
		logger: log.With().Str("component", "dispatch").Logger(),
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caCert)
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	f.client = &http.Client{Transport: transport, Timeout: cfg.Timeout}

	if cfg.URL == "" {
		f.logger.Info().Msg("dispatch disabled (no url configured)")
	} else {
		f.logger.Info().Str("url", cfg.URL).Str("mac", f.mac).Msg("dispatch enabled")
	}
	return f, nil
}

// Enabled reports whether a dispatcher URL is configured.
func (f *Forwarder) Enabled() bool {
	return f.cfg.URL != ""
}

// Forward sends c in the background. Failures are logged and dropped.
func (f *Forwarder) Forward(c tracking.Crossing) {
	if !f.Enabled() {
		return
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.logger.Warn().Str("tag", c.Tag).Str("direction", string(c.Direction)).Msg("forwarder closed, crossing dropped")
		return
	}
	f.wg.Add(1)
	f.mu.Unlock()
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
		defer cancel()
		if err := f.Send(ctx, c); err != nil {
			f.logger.Error().Err(err).Str("tag", c.Tag).Str("direction", string(c.Direction)).Msg("forward failed")
		}
	}()
}

// Send POSTs one crossing and waits for the reply.
func (f *Forwarder) Send(ctx context.Context, c tracking.Crossing) error {
	readDate, err := tracking.DispatchDate(c.ReadDate, f.loc)
	if err != nil {
		return fmt.Errorf("convert read date: %w", err)
	}
	body, err := json.Marshal(Payload{
		TagID:      c.Tag,
		MACAddress: f.mac,
		Direction:  string(c.Direction),
		ReadDate:   readDate,
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.Username != "" {
		req.SetBasicAuth(f.cfg.Username, f.cfg.Password)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		metrics.RecordForward(false, time.Since(start))
		return fmt.Errorf("make request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		metrics.RecordForward(true, time.Since(start))
		f.logger.Info().Str("tag", c.Tag).Str("direction", string(c.Direction)).Str("read_date", readDate).Msg("crossing forwarded")
		return nil
	default:
		metrics.RecordForward(false, time.Since(start))
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
}

// Close waits for in-flight sends. Later crossings are dropped.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wg.Wait()
	return nil
}

// MACAddress returns configured, or this host's IEEE node ID formatted as
// AA:BB:CC:DD:EE:FF.
func MACAddress(configured string) string {
	if configured != "" {
		return strings.ToUpper(configured)
	}
	id := uuid.NodeID()
	parts := make([]string, len(id))
	for i, b := range id {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
