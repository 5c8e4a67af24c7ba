package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rfidtrack/eventpipe"
)

// commandWindow bounds the age of a signed command in either direction.
const commandWindow = 5 * time.Minute

var (
	ErrBadSignature = errors.New("control: signature verification failed")
	ErrStaleCommand = errors.New("control: command timestamp outside window")
)

// ControlRequest is a signed remote operator command. Command uses the event
// pipe grammar.
type ControlRequest struct {
	Command   string `json:"command"`
	Timestamp uint64 `json:"timestamp"`
	Signature string `json:"signature"`
}

// decodeControl authenticates payload and parses the command it carries.
func decodeControl(base64Secret string, payload []byte, now time.Time) (eventpipe.Command, error) {
	var req ControlRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return eventpipe.Command{}, fmt.Errorf("decode control request: %w", err)
	}
	if err := verifyCommand(base64Secret, req.Command, req.Timestamp, req.Signature); err != nil {
		return eventpipe.Command{}, err
	}

	ts := time.Unix(int64(req.Timestamp), 0)
	if d := now.Sub(ts); d > commandWindow || d < -commandWindow {
		return eventpipe.Command{}, fmt.Errorf("%w: %s", ErrStaleCommand, ts.UTC().Format(time.RFC3339))
	}
	return eventpipe.ParseLine(req.Command)
}

// signCommand returns the HMAC-SHA256 of command||ts as hex and base64.
func signCommand(base64Secret, command string, ts uint64) (string, string, error) {
	secret, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 secret: %w", err)
	}
	if len(secret) == 0 {
		return "", "", errors.New("secret cannot be empty")
	}

	msg := make([]byte, 0, len(command)+8)
	msg = append(msg, command...)
	msg = binary.BigEndian.AppendUint64(msg, ts)

	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	sum := mac.Sum(nil)

	return hex.EncodeToString(sum), base64.StdEncoding.EncodeToString(sum), nil
}

// verifyCommand accepts either a hex or a base64 signature.
func verifyCommand(base64Secret, command string, ts uint64, provided string) error {
	sigHex, _, err := signCommand(base64Secret, command, ts)
	if err != nil {
		return err
	}
	expected, _ := hex.DecodeString(sigHex)

	if decoded, err := hex.DecodeString(provided); err == nil {
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return nil
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(provided); err == nil {
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return nil
		}
	}
	return ErrBadSignature
}
