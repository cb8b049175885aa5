// Package protocol defines the broker<->worker wire format over the local
// socket described in spec.md §6: one length-prefixed, gob-encoded record
// per message. gob is the direct Go-to-Go analogue of the Ruby
// implementation's native Marshal use for the same purpose — both ends of
// this socket are always this module's own binary, so a
// self-describing/cross-language format buys nothing and costs a
// dependency (see DESIGN.md).
package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// maxFrameLen guards against a corrupt or hostile length prefix causing an
// unbounded allocation.
const maxFrameLen = 64 << 20

// Request is what a Worker Client sends each time it goes idle (§4.5
// Requesting state): its identity and the fetch criteria that determine
// which waiting_clients bucket the broker places it in.
type Request struct {
	WorkerName   string
	Queue        string
	MinPriority  int
	MaxPriority  int
	PoolSize     int
}

// ConfigKey is the worker_config key (queue + priority band + pool size)
// §4.4 uses to partition waiting_clients and prefetched_jobs.
func (r Request) ConfigKey() string {
	return fmt.Sprintf("%s|%d|%d|%d", r.Queue, r.MinPriority, r.MaxPriority, r.PoolSize)
}

// Job is the wire representation of a locked job handed from broker to
// worker. It intentionally carries only what a worker needs to execute
// and report back, decoupled from the store's gorm model.
type Job struct {
	ID            uuid.UUID
	Priority      int
	Queue         string
	Strand        string // empty means "no strand"
	Attempts      int
	MaxAttempts   int // 0 means "no cap"
	Tag           string
	Source        string
	Payload       []byte
	RunAt         time.Time
}

// Envelope is broker->client: either a Job, or NoJob=true meaning "nothing
// for you right now, reconnect" (used when the broker is shutting down or
// the wait times out without a dispatch).
type Envelope struct {
	NoJob bool
	Job   Job
}

// WriteFrame writes a length-prefixed gob record. Callers are expected to
// apply their own write deadline via conn.SetWriteDeadline before calling
// this (the client_timeout / server_socket_timeout knobs in §5).
func WriteFrame(w io.Writer, v any) error {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if buf.Len() > maxFrameLen {
		return fmt.Errorf("frame too large: %d bytes", buf.Len())
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadFrame blocks until a full length-prefixed record is available and
// decodes it into v. Callers apply their own read deadline.
func ReadFrame(r *bufio.Reader, v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameLen {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(body)).Decode(v)
}
