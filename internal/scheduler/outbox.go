package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ruuvi/stationd/internal/cloudqueue"
)

// OutboxTransport hands requests to an external uploader by appending them
// as JSON lines to a file. A request counts as delivered once its line is
// synced to disk.
type OutboxTransport struct {
	mu   sync.Mutex
	path string
}

// NewOutboxTransport creates the transport. The file and its directory are
// created on first delivery.
func NewOutboxTransport(path string) *OutboxTransport {
	return &OutboxTransport{path: path}
}

// Path returns the outbox file.
func (o *OutboxTransport) Path() string { return o.path }

// Deliver implements Transport.
func (o *OutboxTransport) Deliver(ctx context.Context, req cloudqueue.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := MarshalRequest(req)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(o.path), 0755); err != nil {
		return fmt.Errorf("create outbox directory: %w", err)
	}
	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write outbox: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync outbox: %w", err)
	}
	return f.Close()
}

// MarshalRequest renders a request as one line of protobuf JSON.
func MarshalRequest(req cloudqueue.Request) ([]byte, error) {
	fields := map[string]any{
		"id":         req.ID,
		"type":       string(req.Type),
		"key":        req.Key,
		"created_at": req.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if req.Payload != nil {
		fields["payload"] = req.Payload
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", req.ID, err)
	}
	return protojson.MarshalOptions{Multiline: false}.Marshal(st)
}

// UnmarshalRequest parses a line written by MarshalRequest.
func UnmarshalRequest(line []byte) (cloudqueue.Request, error) {
	var st structpb.Struct
	if err := protojson.Unmarshal(line, &st); err != nil {
		return cloudqueue.Request{}, err
	}
	m := st.AsMap()

	req := cloudqueue.Request{}
	req.ID, _ = m["id"].(string)
	req.Key, _ = m["key"].(string)
	if t, ok := m["type"].(string); ok {
		req.Type = cloudqueue.Type(t)
	}
	if ts, ok := m["created_at"].(string); ok {
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return cloudqueue.Request{}, fmt.Errorf("created_at: %w", err)
		}
		req.CreatedAt = at
	}
	if p, ok := m["payload"].(map[string]any); ok {
		req.Payload = p
	}
	return req, nil
}
