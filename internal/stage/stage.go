// Package stage runs the live side of the sync pipeline: a single goroutine
// owns the root scene group and the reconciler, drains inbound collection
// updates, and applies one reconciliation pass per update.
package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"

	"scenesync.dev/internal/persistence/snapshot"
	"scenesync.dev/internal/protocol"
	"scenesync.dev/internal/reconcile"
	"scenesync.dev/internal/scene"
)

type Config struct {
	ID                  string
	ForceUpdates        bool
	MaxObjects          int
	InboxSize           int
	SnapshotEveryPasses int
}

// UpdateEnvelope is one inbound collection update. Resp, if non-nil,
// receives the pass result exactly once.
type UpdateEnvelope struct {
	Source  string
	Seq     uint64
	Objects map[string]protocol.ObjectModel
	Force   bool
	Resp    chan<- PassResult
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	Pass    uint64
	Seq     uint64
	Added   int
	Changed int
	Removed int
	Objects int
	Digest  string

	// Rejected is set (to a protocol error code) when the update was
	// refused outright and no pass ran.
	Rejected string

	Failures []protocol.KeyFailure
}

type PassLogEntry struct {
	Pass     uint64                `json:"pass"`
	Source   string                `json:"source,omitempty"`
	Seq      uint64                `json:"seq"`
	Added    int                   `json:"added"`
	Changed  int                   `json:"changed"`
	Removed  int                   `json:"removed"`
	Objects  int                   `json:"objects"`
	Digest   string                `json:"digest"`
	Failures []protocol.KeyFailure `json:"failures,omitempty"`
}

type PassLogger interface {
	WritePass(entry PassLogEntry) error
}

// keyedModel pairs a model with its collection key so the creation callback
// can name the object it builds. Flat and comparable, like the model itself.
type keyedModel struct {
	Key   string
	Model protocol.ObjectModel
}

// Stage owns the scene root. All scene mutation happens on the Run goroutine
// through the reconciler; external callers only push envelopes.
type Stage struct {
	cfg Config
	log *log.Logger

	root *scene.Group
	rec  *reconcile.Reconciler[keyedModel, *scene.Object]

	// Collection as of the last completed pass. Run-goroutine only.
	objects map[string]protocol.ObjectModel

	updates chan UpdateEnvelope
	stop    chan struct{}

	pass atomic.Uint64

	// Optional pass logger (may be nil). Implemented in internal/persistence/indexdb.
	passLogger PassLogger

	// Optional snapshot sink (may be nil). Snapshot writing should be off-thread.
	snapshotSink chan<- snapshot.SnapshotV1
}

func New(cfg Config, logger *log.Logger) *Stage {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	return &Stage{
		cfg:     cfg,
		log:     logger,
		root:    scene.NewGroup(cfg.ID),
		rec:     reconcile.New[keyedModel, *scene.Object](),
		objects: map[string]protocol.ObjectModel{},
		updates: make(chan UpdateEnvelope, cfg.InboxSize),
		stop:    make(chan struct{}),
	}
}

func (s *Stage) SetPassLogger(l PassLogger)                    { s.passLogger = l }
func (s *Stage) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { s.snapshotSink = ch }

func (s *Stage) Inbox() chan<- UpdateEnvelope { return s.updates }
func (s *Stage) Root() *scene.Group           { return s.root }
func (s *Stage) CurrentPass() uint64          { return s.pass.Load() }

// Restore applies a previously written snapshot as pass zero. Must be called
// before Run.
func (s *Stage) Restore(ctx context.Context, snap snapshot.SnapshotV1) error {
	objs := make(map[string]protocol.ObjectModel, len(snap.Objects))
	for _, o := range snap.Objects {
		objs[o.Key] = protocol.ObjectModel{
			Kind:   o.Kind,
			Pos:    o.Pos,
			Yaw:    o.Yaw,
			Scale:  o.Scale,
			Color:  o.Color,
			Label:  o.Label,
			Hidden: o.Hidden,
		}
	}
	res := s.applyPass(ctx, UpdateEnvelope{Source: "snapshot", Objects: objs})
	if len(res.Failures) > 0 {
		return fmt.Errorf("restore: %d objects failed to create", len(res.Failures))
	}
	if res.Rejected != "" {
		return fmt.Errorf("restore rejected: %s", res.Rejected)
	}
	return nil
}

func (s *Stage) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case env := <-s.updates:
			res := s.applyPass(ctx, env)
			if env.Resp != nil {
				env.Resp <- res
			}
		}
	}
}

func (s *Stage) Stop() { close(s.stop) }

func (s *Stage) applyPass(ctx context.Context, env UpdateEnvelope) PassResult {
	if s.cfg.MaxObjects > 0 && len(env.Objects) > s.cfg.MaxObjects {
		if s.log != nil {
			s.log.Printf("pass rejected: %d objects exceeds limit %d (source=%s)", len(env.Objects), s.cfg.MaxObjects, env.Source)
		}
		return PassResult{Seq: env.Seq, Rejected: protocol.ErrTooManyValues}
	}

	coll := make(map[string]keyedModel, len(env.Objects))
	for k, m := range env.Objects {
		coll[k] = keyedModel{Key: k, Model: m}
	}

	var creates, updates, removes atomic.Int64
	funcs := reconcile.Funcs[keyedModel, *scene.Object]{
		Create: func(_ context.Context, km keyedModel) (*scene.Object, error) {
			if km.Model.Kind == "" {
				return nil, fmt.Errorf("object %q: empty kind", km.Key)
			}
			creates.Add(1)
			return scene.NewObject(km.Key, km.Model.Kind), nil
		},
		Update: func(km keyedModel, o *scene.Object) {
			updates.Add(1)
			applyModel(km.Model, o)
		},
		Remove: func(o *scene.Object) {
			removes.Add(1)
		},
	}

	err := s.rec.Sync(ctx, s.root, coll, funcs, env.Force || s.cfg.ForceUpdates)

	var failures []protocol.KeyFailure
	if err != nil {
		failures = collectFailures(err)
	}

	s.objects = env.Objects
	if s.objects == nil {
		s.objects = map[string]protocol.ObjectModel{}
	}

	pass := s.pass.Add(1)
	res := PassResult{
		Pass:     pass,
		Seq:      env.Seq,
		Added:    int(creates.Load()) + len(failures),
		Changed:  int(updates.Load()) - int(creates.Load()),
		Removed:  int(removes.Load()),
		Objects:  s.root.Len(),
		Digest:   Digest(s.objects),
		Failures: failures,
	}

	if s.passLogger != nil {
		entry := PassLogEntry{
			Pass:     res.Pass,
			Source:   env.Source,
			Seq:      res.Seq,
			Added:    res.Added,
			Changed:  res.Changed,
			Removed:  res.Removed,
			Objects:  res.Objects,
			Digest:   res.Digest,
			Failures: res.Failures,
		}
		if err := s.passLogger.WritePass(entry); err != nil && s.log != nil {
			s.log.Printf("pass log: %v", err)
		}
	}

	if s.snapshotSink != nil && s.cfg.SnapshotEveryPasses > 0 && pass%uint64(s.cfg.SnapshotEveryPasses) == 0 {
		select {
		case s.snapshotSink <- s.exportSnapshot(pass):
		default:
			// Drop rather than stall the stage; the next cadence hit retries.
		}
	}
	return res
}

func (s *Stage) exportSnapshot(pass uint64) snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{Version: 1, StageID: s.cfg.ID, Pass: pass},
	}
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m := s.objects[k]
		if _, ok := s.rec.Handle(k); !ok {
			// Creation failed for this key; persist only live objects.
			continue
		}
		snap.Objects = append(snap.Objects, snapshot.ObjectV1{
			Key:    k,
			Kind:   m.Kind,
			Pos:    m.Pos,
			Yaw:    m.Yaw,
			Scale:  m.Scale,
			Color:  m.Color,
			Label:  m.Label,
			Hidden: m.Hidden,
		})
	}
	return snap
}

func applyModel(m protocol.ObjectModel, o *scene.Object) {
	scale := m.Scale
	if scale == 0 {
		scale = 1
	}
	o.SetPose(scene.Pose{Pos: m.Pos, Yaw: m.Yaw, Scale: scale})
	o.SetColor(m.Color)
	o.SetLabel(m.Label)
	o.SetHidden(m.Hidden)
}

func collectFailures(err error) []protocol.KeyFailure {
	var out []protocol.KeyFailure
	var walk func(error)
	walk = func(e error) {
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, sub := range joined.Unwrap() {
				walk(sub)
			}
			return
		}
		var ce *reconcile.CreateError
		if errors.As(e, &ce) {
			out = append(out, protocol.KeyFailure{
				Key:     ce.Key,
				Code:    protocol.ErrCreateFailed,
				Message: ce.Err.Error(),
			})
		}
	}
	walk(err)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Digest is a stable fingerprint of a collection: sha256 over the sorted
// key/model pairs.
func Digest(objects map[string]protocol.ObjectModel) string {
	keys := make([]string, 0, len(objects))
	for k := range objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		b, _ := json.Marshal(objects[k])
		h.Write(b)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
