package protocol

import (
	"fmt"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/ident"
	"github.com/roach88/constellation/internal/ir"
	"github.com/roach88/constellation/internal/policy"
)

// FrameType distinguishes inter-node messages.
type FrameType uint8

const (
	// FrameHello advertises a node's pools, contexts and load.
	FrameHello FrameType = iota + 1
	// FrameSteal carries a StealRequest.
	FrameSteal
	// FrameStealReply answers a FrameSteal with a possibly empty batch.
	FrameStealReply
	// FrameSignal carries a signal to the node holding its target.
	FrameSignal
	// FrameAdmit pushes a batch to a node that accepts its contexts.
	FrameAdmit
	// FrameTerminate starts the drain on a node.
	FrameTerminate
	// FrameTerminateAck reports that a node finished draining.
	FrameTerminateAck
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameSteal:
		return "steal"
	case FrameStealReply:
		return "steal-reply"
	case FrameSignal:
		return "signal"
	case FrameAdmit:
		return "admit"
	case FrameTerminate:
		return "terminate"
	case FrameTerminateAck:
		return "terminate-ack"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

// Frame is the unit handed to the transport.
type Frame struct {
	Type FrameType `msgpack:"type"`
	ID   string    `msgpack:"id"`
	From uint32    `msgpack:"from"`
	Body []byte    `msgpack:"body"`
}

// WireID is the serialized ActivityID.
type WireID struct {
	Origin uint64 `msgpack:"origin"`
	Seq    int64  `msgpack:"seq"`
	Events bool   `msgpack:"events"`
}

// WireRange is the serialized policy.Range.
type WireRange struct {
	Label string `msgpack:"label"`
	Min   int64  `msgpack:"min"`
	Max   int64  `msgpack:"max"`
}

// WireContext is the serialized policy.Context.
type WireContext struct {
	Label string `msgpack:"label"`
	Rank  int64  `msgpack:"rank"`
}

// Hello advertises what a node can run and where it steals.
type Hello struct {
	Rank      uint32      `msgpack:"rank"`
	BelongsTo string      `msgpack:"belongs_to"`
	Contexts  []WireRange `msgpack:"contexts"`
	Load      int         `msgpack:"load"`
	Master    bool        `msgpack:"master"`
}

// WireStealRequest is the serialized StealRequest. The local flag is absent.
type WireStealRequest struct {
	Source        uint64      `msgpack:"source"`
	Context       []WireRange `msgpack:"context"`
	Local         uint8       `msgpack:"local_strategy"`
	Constellation uint8       `msgpack:"constellation_strategy"`
	Remote        uint8       `msgpack:"remote_strategy"`
	Pool          string      `msgpack:"pool"`
	Size          int         `msgpack:"size"`

	// Load is the requesting node's queued activities.
	Load int `msgpack:"load"`
}

// StealReply answers a steal request.
type StealReply struct {
	RequestID string `msgpack:"request_id"`
	Load      int    `msgpack:"load"`
	Batch     Batch  `msgpack:"batch"`
}

// WireSignal is the serialized signal message.
type WireSignal struct {
	Source  WireID `msgpack:"source"`
	Target  WireID `msgpack:"target"`
	Payload []byte `msgpack:"payload"`
}

// Batch is an ordered relocation batch.
type Batch struct {
	ID      string  `msgpack:"id"`
	Entries []Entry `msgpack:"entries"`
}

// Entry is one relocated activity: identity, attributes, canonical state and
// the signals that were already queued for it.
type Entry struct {
	ID       WireID       `msgpack:"id"`
	Kind     string       `msgpack:"kind"`
	Context  WireContext  `msgpack:"context"`
	Locality uint8        `msgpack:"locality"`
	Started  bool         `msgpack:"started"`
	State    []byte       `msgpack:"state"`
	Digest   string       `msgpack:"digest"`
	Mailbox  []WireSignal `msgpack:"mailbox"`
}

// Admit pushes a batch to another node.
type Admit struct {
	Batch Batch `msgpack:"batch"`
}

// Terminate starts the drain on the receiving node.
type Terminate struct {
	Reason string `msgpack:"reason"`
}

// TerminateAck confirms a completed drain.
type TerminateAck struct {
	Rank       uint32   `msgpack:"rank"`
	Discarded  int      `msgpack:"discarded"`
	Diagnostic []string `msgpack:"diagnostic"`
}

// Len returns the number of activities in the batch.
func (b Batch) Len() int { return len(b.Entries) }

// ToWireID serializes an ActivityID.
func ToWireID(id ident.ActivityID) WireID {
	return WireID{Origin: uint64(id.Origin), Seq: id.Seq, Events: id.ExpectsEvents}
}

// FromWireID deserializes an ActivityID.
func FromWireID(w WireID) ident.ActivityID {
	return ident.ActivityID{Origin: ident.ConstellationID(w.Origin), Seq: w.Seq, ExpectsEvents: w.Events}
}

// ToWireRanges serializes an ExecutorContext.
func ToWireRanges(ec policy.ExecutorContext) []WireRange {
	ranges := ec.Ranges()
	out := make([]WireRange, len(ranges))
	for i, r := range ranges {
		out[i] = WireRange{Label: r.Label, Min: r.Min, Max: r.Max}
	}
	return out
}

// FromWireRanges deserializes an ExecutorContext.
func FromWireRanges(ws []WireRange) policy.ExecutorContext {
	ranges := make([]policy.Range, len(ws))
	for i, w := range ws {
		ranges[i] = policy.Range{Label: w.Label, Min: w.Min, Max: w.Max}
	}
	return policy.NewExecutorContext(ranges...)
}

// EncodeStealRequest serializes a request for the network.
func EncodeStealRequest(r *StealRequest) WireStealRequest {
	return WireStealRequest{
		Source:        uint64(r.Source),
		Context:       ToWireRanges(r.Context),
		Local:         uint8(r.LocalStrategy),
		Constellation: uint8(r.ConstellationStrategy),
		Remote:        uint8(r.RemoteStrategy),
		Pool:          r.Pool.String(),
		Size:          r.Size,
	}
}

// DecodeStealRequest deserializes a request received from the network. The
// result is always remote.
func DecodeStealRequest(w WireStealRequest) (*StealRequest, error) {
	pool, err := policy.ParseStealPool(w.Pool)
	if err != nil {
		return nil, fmt.Errorf("decode steal request: %w", err)
	}
	req := &StealRequest{
		Source:                ident.ConstellationID(w.Source),
		Context:               FromWireRanges(w.Context),
		LocalStrategy:         policy.StealStrategy(w.Local),
		ConstellationStrategy: policy.StealStrategy(w.Constellation),
		RemoteStrategy:        policy.StealStrategy(w.Remote),
		Pool:                  pool,
		Size:                  w.Size,
	}
	req.SetRemote()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("decode steal request: %w", err)
	}
	return req, nil
}

// EncodeSignal serializes a signal.
func EncodeSignal(sig activity.Signal) (WireSignal, error) {
	payload, err := ir.EncodePayload(sig.Payload)
	if err != nil {
		return WireSignal{}, fmt.Errorf("encode signal for %s: %w", sig.Target, err)
	}
	return WireSignal{Source: ToWireID(sig.Source), Target: ToWireID(sig.Target), Payload: payload}, nil
}

// DecodeSignal deserializes a signal.
func DecodeSignal(w WireSignal) (activity.Signal, error) {
	payload, err := ir.DecodePayload(w.Payload)
	if err != nil {
		return activity.Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	return activity.Signal{Source: FromWireID(w.Source), Target: FromWireID(w.Target), Payload: payload}, nil
}

// EncodeBatch serializes records for relocation. Every record must hold a
// Relocatable activity.
func EncodeBatch(id string, recs []*activity.Record) (Batch, error) {
	b := Batch{ID: id, Entries: make([]Entry, 0, len(recs))}
	for _, rec := range recs {
		rel, ok := rec.Activity.(activity.Relocatable)
		if !ok {
			return Batch{}, fmt.Errorf("encode batch: %s (%T) is not relocatable", rec.ID, rec.Activity)
		}
		state, err := rel.State()
		if err != nil {
			return Batch{}, fmt.Errorf("encode batch: state of %s: %w", rec.ID, err)
		}
		data, err := ir.EncodeState(state)
		if err != nil {
			return Batch{}, fmt.Errorf("encode batch: state of %s: %w", rec.ID, err)
		}
		digest, err := ir.StateDigest(rel.Kind(), state)
		if err != nil {
			return Batch{}, fmt.Errorf("encode batch: %w", err)
		}
		mailbox := rec.Mailbox()
		wm := make([]WireSignal, len(mailbox))
		for i, sig := range mailbox {
			if wm[i], err = EncodeSignal(sig); err != nil {
				return Batch{}, fmt.Errorf("encode batch: %w", err)
			}
		}
		ctx := rel.Context()
		b.Entries = append(b.Entries, Entry{
			ID:       ToWireID(rec.ID),
			Kind:     rel.Kind(),
			Context:  WireContext{Label: ctx.Label, Rank: ctx.Rank},
			Locality: uint8(rel.Locality()),
			Started:  rec.Started(),
			State:    data,
			Digest:   digest,
			Mailbox:  wm,
		})
	}
	return b, nil
}

// DecodeBatch rebuilds relocated records through reg. The records are in the
// Relocating state; the admitting executor queues them.
func DecodeBatch(b Batch, reg *activity.Registry) ([]*activity.Record, error) {
	recs := make([]*activity.Record, 0, len(b.Entries))
	for _, e := range b.Entries {
		id := FromWireID(e.ID)
		state, err := ir.DecodeState(e.State)
		if err != nil {
			return nil, fmt.Errorf("decode batch %s: %s: %w", b.ID, id, err)
		}
		digest, err := ir.StateDigest(e.Kind, state)
		if err != nil {
			return nil, fmt.Errorf("decode batch %s: %s: %w", b.ID, id, err)
		}
		if digest != e.Digest {
			return nil, fmt.Errorf("decode batch %s: %s: state digest mismatch", b.ID, id)
		}
		meta := activity.Meta{
			Ctx:    policy.Context{Label: e.Context.Label, Rank: e.Context.Rank},
			Events: e.ID.Events,
			Place:  activity.Locality(e.Locality),
		}
		a, err := reg.Restore(e.Kind, meta, state)
		if err != nil {
			return nil, fmt.Errorf("decode batch %s: %s: %w", b.ID, id, err)
		}
		mailbox := make([]activity.Signal, len(e.Mailbox))
		for i, w := range e.Mailbox {
			if mailbox[i], err = DecodeSignal(w); err != nil {
				return nil, fmt.Errorf("decode batch %s: %s: %w", b.ID, id, err)
			}
		}
		recs = append(recs, activity.RestoreRecord(id, a, e.Started, mailbox))
	}
	return recs, nil
}
