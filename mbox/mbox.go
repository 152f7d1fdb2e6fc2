// Package mbox streams messages out of an mbox file. The transport identifier
// of each message is the SHA-256 of its bytes, so re-reading a file yields the
// same identifiers.
package mbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/jobspool/identity"
	"github.com/dhcgn/jobspool/model"
	"github.com/dhcgn/jobspool/runner"
)

// Stdin selects standard input as the mbox source.
const Stdin = "-"

type Options struct {
	Path string
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &fileReader{path: path, logger: logger}, nil
}

// NewStreamReader reads an already opened mbox stream.
func NewStreamReader(r io.Reader, logger *slog.Logger) Reader {
	return &streamReader{r: r, name: "stream", logger: logger}
}

type fileReader struct {
	path   string
	logger *slog.Logger
}

func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	if f.path == Stdin {
		return (&streamReader{r: os.Stdin, name: "stdin", logger: f.logger}).Stream(ctx, out)
	}
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return (&streamReader{r: file, name: f.path, logger: f.logger}).Stream(ctx, out)
}

type streamReader struct {
	r      io.Reader
	name   string
	logger *slog.Logger
}

func (s *streamReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	reader := mboxlib.NewReader(s.r)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return s.emitError(ctx, out, fmt.Errorf("message %d: %w", idx, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return s.emitError(ctx, out, fmt.Errorf("message %d read: %w", idx, err))
		}

		if err := emitEnvelope(ctx, out, model.Envelope{Message: NewMessage(raw)}); err != nil {
			return err
		}
	}
}

func (s *streamReader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if s.logger != nil {
		s.logger.Error("mbox stream error", "source", s.name, "err", err)
	}
	return emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// NewMessage wraps raw bytes read from an mbox. ReceivedAt comes from the
// Date header when it parses and is zero otherwise.
func NewMessage(raw []byte) model.Message {
	sum := sha256.Sum256(raw)
	msg := model.Message{
		TID:  model.TID(sum[:]),
		Size: int64(len(raw)),
		Raw:  raw,
	}
	if h, err := identity.Extract(raw); err == nil {
		if t, err := h.Date(); err == nil {
			msg.ReceivedAt = t
		}
	}
	return msg
}

// NewProducer registers an mbox reader as the runner's source.
func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (Reader, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	r.AddSource("mbox", reader)
	return reader, nil
}

// MboxMessage is a single message as seen by the stats command.
type MboxMessage struct {
	Header mail.Header
	Raw    []byte
}

// Read iterates through the messages of an mbox file. Messages whose header
// block cannot be parsed are skipped.
func Read(path string, callback func(m *MboxMessage) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return ReadFrom(file, callback)
}

func ReadFrom(r io.Reader, callback func(m *MboxMessage) error) error {
	reader := mboxlib.NewReader(r)
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			// try to continue
			continue
		}

		h, err := identity.Extract(raw)
		if err != nil {
			continue
		}

		if err := callback(&MboxMessage{Header: h, Raw: raw}); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// Just consume the message without parsing
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}
