// Package eventpipe accepts operator commands written line by line to a
// named pipe.
package eventpipe

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the event pipe.
type Config struct {
	Path string `yaml:"path"` // Path to named pipe (e.g., "/tmp/rfidtrack-commands")
}

// Kind identifies an operator command.
type Kind int

const (
	KindTag    Kind = iota + 1 // simulate a reader tag read
	KindRecord                 // add a record with an explicit direction
	KindPower
	KindRange
	KindFilter
	KindClear
	KindStats
	KindList
	KindSync // merge records from a JSON file
)

// Command is one parsed operator line.
type Command struct {
	Kind      Kind
	Tag       string
	Direction string
	Location  string
	File      string
	Value     int // dBm, meters, min cm or list limit
	Value2    int // max cm
	Confirm   bool
}

const openRetryDelay = time.Second

// Handler is called for each command received.
type Handler func(Command)

// EventPipe listens for commands on a named pipe.
type EventPipe struct {
	path    string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger

	retryDelay time.Duration // wait after a failed open
}

// New creates the pipe. Returns nil if path is empty.
func New(cfg Config, handler Handler) (*EventPipe, error) {
	if cfg.Path == "" {
		return nil, nil
	}

	os.Remove(cfg.Path)
	if err := syscall.Mkfifo(cfg.Path, 0666); err != nil {
		return nil, fmt.Errorf("create named pipe %s: %w", cfg.Path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EventPipe{
		path:    cfg.Path,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With().Str("component", "eventpipe").Logger(),

		retryDelay: openRetryDelay,
	}, nil
}

// Start reads commands until Close. Run it as a goroutine.
func (ep *EventPipe) Start() {
	ep.logger.Info().Str("path", ep.path).Msg("event pipe listening")

	for ep.ctx.Err() == nil {
		// Blocks until a writer connects.
		file, err := os.OpenFile(ep.path, os.O_RDONLY, 0)
		if err != nil {
			if ep.ctx.Err() != nil {
				return
			}
			ep.logger.Error().Err(err).Dur("retry_in", ep.retryDelay).Msg("event pipe open")
			select {
			case <-ep.ctx.Done():
				return
			case <-time.After(ep.retryDelay):
			}
			continue
		}

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			if ep.ctx.Err() != nil {
				file.Close()
				return
			}
			ep.dispatch(scanner.Text())
		}
		file.Close()
	}
}

func (ep *EventPipe) dispatch(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	cmd, err := ParseLine(line)
	if err != nil {
		ep.logger.Warn().Err(err).Str("line", line).Msg("event pipe parse error")
		return
	}
	if ep.handler != nil {
		ep.handler(cmd)
	}
}

// Close stops the listener and removes the pipe.
func (ep *EventPipe) Close() error {
	ep.cancel()
	// Unblock a reader waiting in open.
	if f, err := os.OpenFile(ep.path, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
		f.Close()
	}
	return os.Remove(ep.path)
}

// ParseLine parses a command line.
// Command format:
//
//	tag <epc>                       - Simulate a reader tag read
//	record <epc> <in|out>           - Add a record directly
//	power <dBm>                     - Set reader transmit power
//	range <inside|outside> <meters> - Set a sensor's detection range
//	filter <min_cm> <max_cm>        - Set both sensors' distance filter
//	clear confirm                   - Archive and clear all records
//	stats                           - Log statistics
//	list [limit]                    - Log the most recent records
//	sync <file>                     - Merge a JSON array of records
func ParseLine(line string) (Command, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}

	cmd := strings.ToLower(parts[0])
	switch cmd {
	case "tag", "rfid":
		if len(parts) < 2 {
			return Command{}, fmt.Errorf("tag requires an EPC")
		}
		return Command{Kind: KindTag, Tag: strings.ToUpper(parts[1])}, nil

	case "record":
		if len(parts) < 3 {
			return Command{}, fmt.Errorf("record requires <epc> <in|out>")
		}
		return Command{Kind: KindRecord, Tag: strings.ToUpper(parts[1]), Direction: parts[2]}, nil

	case "power":
		if len(parts) < 2 {
			return Command{}, fmt.Errorf("power requires dBm")
		}
		dBm, err := strconv.Atoi(parts[1])
		if err != nil {
			return Command{}, fmt.Errorf("invalid power: %s", parts[1])
		}
		return Command{Kind: KindPower, Value: dBm}, nil

	case "range":
		if len(parts) < 3 {
			return Command{}, fmt.Errorf("range requires <inside|outside> <meters>")
		}
		meters, err := strconv.Atoi(parts[2])
		if err != nil {
			return Command{}, fmt.Errorf("invalid range: %s", parts[2])
		}
		return Command{Kind: KindRange, Location: strings.ToLower(parts[1]), Value: meters}, nil

	case "filter":
		if len(parts) < 3 {
			return Command{}, fmt.Errorf("filter requires <min_cm> <max_cm>")
		}
		minCM, err := strconv.Atoi(parts[1])
		if err != nil {
			return Command{}, fmt.Errorf("invalid min distance: %s", parts[1])
		}
		maxCM, err := strconv.Atoi(parts[2])
		if err != nil {
			return Command{}, fmt.Errorf("invalid max distance: %s", parts[2])
		}
		return Command{Kind: KindFilter, Value: minCM, Value2: maxCM}, nil

	case "clear":
		confirm := len(parts) > 1 && strings.ToLower(parts[1]) == "confirm"
		return Command{Kind: KindClear, Confirm: confirm}, nil

	case "stats":
		return Command{Kind: KindStats}, nil

	case "list":
		c := Command{Kind: KindList, Value: 10}
		if len(parts) > 1 {
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				return Command{}, fmt.Errorf("invalid limit: %s", parts[1])
			}
			c.Value = n
		}
		return c, nil

	case "sync":
		if len(parts) < 2 {
			return Command{}, fmt.Errorf("sync requires a file")
		}
		return Command{Kind: KindSync, File: parts[1]}, nil

	default:
		return Command{}, fmt.Errorf("unknown command: %s", cmd)
	}
}
