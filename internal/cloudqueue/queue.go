// Package cloudqueue holds the durable queue of pending outbound cloud
// mutations. The sync layer drains it; the wire protocol lives elsewhere.
package cloudqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/logging"
	"github.com/ruuvi/stationd/internal/storage/relational"
)

var log = logging.Component("cloudqueue")

// Type is the kind of mutation a request carries.
type Type string

const (
	TypeCreate Type = "create"
	TypeDelete Type = "delete"
)

// Valid reports whether t is a known request type.
func (t Type) Valid() bool {
	return t == TypeCreate || t == TypeDelete
}

// Request is a pending outbound mutation.
type Request struct {
	ID        string
	Type      Type
	Key       string
	Payload   map[string]any
	CreatedAt time.Time
}

// Store is the persistence the queue needs. The relational backend
// implements it.
type Store interface {
	PutCloudRequest(ctx context.Context, row relational.CloudRequestRow) error
	CloudRequests(ctx context.Context) ([]relational.CloudRequestRow, error)
	DeleteCloudRequest(ctx context.Context, id string) error
	ClearCloudRequests(ctx context.Context) (int, error)
}

// Queue is an ordered durable queue keyed by request key: enqueueing a key
// that is already pending replaces the older request and moves it to the
// tail.
type Queue struct {
	store Store
	now   func() time.Time
}

// New creates a queue over store.
func New(store Store) *Queue {
	return &Queue{store: store, now: time.Now}
}

// Enqueue stores a request and returns it with its assigned id.
func (q *Queue) Enqueue(ctx context.Context, typ Type, key string, payload map[string]any) (Request, error) {
	if !typ.Valid() {
		return Request{}, fmt.Errorf("request type %q: %w", typ, errors.ErrInvalidRequest)
	}
	if key == "" {
		return Request{}, errors.NewMissingField("key")
	}

	data, err := EncodePayload(payload)
	if err != nil {
		return Request{}, err
	}

	req := Request{
		ID:        uuid.NewString(),
		Type:      typ,
		Key:       key,
		Payload:   payload,
		CreatedAt: q.now().UTC(),
	}
	err = q.store.PutCloudRequest(ctx, relational.CloudRequestRow{
		ID:        req.ID,
		Type:      string(req.Type),
		Key:       req.Key,
		Payload:   data,
		CreatedAt: req.CreatedAt,
	})
	if err != nil {
		return Request{}, err
	}

	log.Debug("request queued", "id", req.ID, "type", req.Type, "key", req.Key)
	return req, nil
}

// Pending returns queued requests, oldest first. Rows whose payload can no
// longer be decoded are returned with a nil payload and logged.
func (q *Queue) Pending(ctx context.Context) ([]Request, error) {
	rows, err := q.store.CloudRequests(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Request, 0, len(rows))
	for _, row := range rows {
		payload, err := DecodePayload(row.Payload)
		if err != nil {
			log.Warn("undecodable request payload", "id", row.ID, "error", err)
		}
		out = append(out, Request{
			ID:        row.ID,
			Type:      Type(row.Type),
			Key:       row.Key,
			Payload:   payload,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

// Delete removes a request once it has been delivered.
func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.store.DeleteCloudRequest(ctx, id)
}

// Clear drops every pending request.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	n, err := q.store.ClearCloudRequests(ctx)
	if err == nil && n > 0 {
		log.Info("request queue cleared", "count", n)
	}
	return n, err
}

// Drain hands each pending request to deliver in order and deletes it when
// deliver succeeds. It stops at the first delivery error so ordering is
// kept; the failed request stays queued for the next pass.
func (q *Queue) Drain(ctx context.Context, deliver func(context.Context, Request) error) (int, error) {
	pending, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, req := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := deliver(ctx, req); err != nil {
			return delivered, fmt.Errorf("deliver %s: %w", req.ID, err)
		}
		if err := q.store.DeleteCloudRequest(ctx, req.ID); err != nil && !errors.IsNotFound(err) {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// EncodePayload serializes a payload as a protobuf Struct. A nil payload
// encodes to nil.
func EncodePayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	st, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w: %w", errors.ErrInvalidRequest, err)
	}
	return proto.Marshal(st)
}

// DecodePayload reverses EncodePayload.
func DecodePayload(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}
