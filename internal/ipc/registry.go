package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// entry is one (shape, callback) registration. decode and call are split so
// a panicking callback can be contained without hiding decode failures.
type entry struct {
	id       uint64
	shape    reflect.Type
	required []string
	decode   func(c Codec, body []byte) (any, error)
	call     func(v any)
}

// Registry is the ordered set of handlers an endpoint dispatches incoming
// payloads to. Writers copy the slice; the receive path only loads the
// current snapshot, so Subscribe never waits on an in-flight dispatch.
type Registry struct {
	codec   Codec
	log     *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	nextID  uint64
	entries atomic.Pointer[[]*entry]
}

// NewRegistry returns an empty registry decoding with codec. Nil logger and
// metrics are allowed.
func NewRegistry(codec Codec, log *zap.Logger, m *Metrics) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{codec: codec, log: log, metrics: m}
	r.entries.Store(&[]*entry{})
	return r
}

// Subscription identifies a registration so it can be removed later.
type Subscription struct {
	r    *Registry
	id   uint64
	once sync.Once
}

// Unsubscribe removes the registration. Messages already being dispatched
// may still reach it. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.r.remove(s.id) })
}

// Handle appends a handler for payloads that decode into T. Struct fields
// tagged `ipc:"required"` must be present in the payload for it to match.
func Handle[T any](r *Registry, fn func(T)) *Subscription {
	shape := reflect.TypeFor[T]()
	e := &entry{
		shape:    shape,
		required: requiredFields(shape),
		decode: func(c Codec, body []byte) (any, error) {
			var v T
			if err := c.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		call: func(v any) { fn(v.(T)) },
	}
	return r.add(e)
}

func (r *Registry) add(e *entry) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e.id = r.nextID
	cur := *r.entries.Load()
	next := make([]*entry, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, e)
	r.entries.Store(&next)
	return &Subscription{r: r, id: e.id}
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.entries.Load()
	next := make([]*entry, 0, len(cur))
	for _, e := range cur {
		if e.id != id {
			next = append(next, e)
		}
	}
	r.entries.Store(&next)
}

// Len reports the number of registered handlers.
func (r *Registry) Len() int { return len(*r.entries.Load()) }

// Receive reads the whole body and dispatches it. A nil body is a caller
// bug and yields ErrNilBody.
func (r *Registry) Receive(body io.Reader) (int, error) {
	if body == nil {
		return 0, ErrNilBody
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return 0, fmt.Errorf("ipc: read body: %w", err)
	}
	return r.Dispatch(b), nil
}

// Dispatch tries every handler in registration order and invokes each one
// whose shape the payload decodes into. It returns the number of handlers
// that fired. Decode failures only skip the handler concerned.
func (r *Registry) Dispatch(body []byte) int {
	entries := *r.entries.Load()
	var keys map[string]struct{}
	matched := 0
	for _, e := range entries {
		if len(e.required) > 0 {
			if keys == nil {
				keys = objectKeys(body)
			}
			if missing := missingField(keys, e.required); missing != "" {
				r.mismatch(e, fmt.Errorf("missing required field %q", missing))
				continue
			}
		}
		v, err := e.decode(r.codec, body)
		if err != nil {
			r.mismatch(e, err)
			continue
		}
		if r.invoke(e, v) {
			matched++
		}
	}
	return matched
}

func (r *Registry) invoke(e *entry, v any) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
			r.log.Error("handler panicked",
				zap.Stringer("shape", e.shape),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	e.call(v)
	if r.metrics != nil {
		r.metrics.Matched.WithLabelValues(e.shape.String()).Inc()
	}
	return true
}

func (r *Registry) mismatch(e *entry, err error) {
	if r.metrics != nil {
		r.metrics.Mismatched.WithLabelValues(e.shape.String()).Inc()
	}
	if ce := r.log.Check(zap.DebugLevel, "payload does not match shape"); ce != nil {
		ce.Write(zap.Stringer("shape", e.shape), zap.Error(err))
	}
}

// requiredFields lists the JSON names of struct fields tagged
// `ipc:"required"`. Only top-level fields are considered.
func requiredFields(t reflect.Type) []string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	var out []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("ipc") != "required" {
			continue
		}
		name := f.Name
		if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag == "-" {
			continue
		} else if tag != "" {
			name = tag
		}
		out = append(out, name)
	}
	return out
}

// objectKeys returns the lower-cased top-level keys of a JSON object, or nil
// when body is not an object. Lower-casing mirrors encoding/json's
// case-insensitive field matching.
func objectKeys(body []byte) map[string]struct{} {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return map[string]struct{}{}
	}
	keys := make(map[string]struct{}, len(obj))
	for k := range obj {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return keys
}

func missingField(keys map[string]struct{}, required []string) string {
	for _, name := range required {
		if _, ok := keys[strings.ToLower(name)]; !ok {
			return name
		}
	}
	return ""
}
