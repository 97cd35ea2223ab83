package pipeline

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
)

// Values crossing a process boundary are encoded as a tree of JSON values in
// which every value that plain JSON cannot restore is wrapped as
// {"$t": <type name>, "v": <payload>}. Strings, bools, float64 and nil are
// written bare; JSON objects only ever appear as wrappers.
const wireTag = "$t"

type wireCodec struct {
	name   string
	typ    reflect.Type
	encode func(v reflect.Value) (any, error)
	decode func(payload any) (reflect.Value, error)
}

var (
	wireMu      sync.RWMutex
	wireByType  = map[reflect.Type]*wireCodec{}
	wireByName  = map[string]*wireCodec{}
	bareTypes   = map[string]reflect.Type{"string": reflect.TypeOf(""), "bool": reflect.TypeOf(false), "float64": reflect.TypeOf(0.0), "any": reflect.TypeOf((*any)(nil)).Elem()}
	contextType = reflect.TypeOf(Context{})
)

// RegisterWireType makes values of T transferable to worker processes. enc
// returns a payload made of wire-encodable values; dec rebuilds T from the
// decoded payload. Registering a name twice replaces the earlier codec.
func RegisterWireType[T any](name string, enc func(T) (any, error), dec func(any) (T, error)) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	c := &wireCodec{
		name: name,
		typ:  typ,
		encode: func(v reflect.Value) (any, error) {
			payload, err := enc(v.Interface().(T))
			if err != nil {
				return nil, err
			}
			return EncodeWire(payload)
		},
		decode: func(payload any) (reflect.Value, error) {
			inner, err := DecodeWire(payload)
			if err != nil {
				return reflect.Value{}, err
			}
			v, err := dec(inner)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(&v).Elem(), nil
		},
	}
	registerCodec(c)
}

func registerCodec(c *wireCodec) {
	wireMu.Lock()
	defer wireMu.Unlock()
	wireByType[c.typ] = c
	wireByName[c.name] = c
}

func lookupCodec(t reflect.Type) (*wireCodec, bool) {
	wireMu.RLock()
	defer wireMu.RUnlock()
	c, ok := wireByType[t]
	return c, ok
}

func init() {
	for _, t := range []reflect.Type{
		reflect.TypeOf(int(0)), reflect.TypeOf(int8(0)), reflect.TypeOf(int16(0)),
		reflect.TypeOf(int32(0)), reflect.TypeOf(int64(0)),
	} {
		registerCodec(&wireCodec{
			name:   t.String(),
			typ:    t,
			encode: func(v reflect.Value) (any, error) { return strconv.FormatInt(v.Int(), 10), nil },
			decode: func(p any) (reflect.Value, error) {
				s, _ := p.(string)
				n, err := strconv.ParseInt(s, 10, t.Bits())
				return reflect.ValueOf(n).Convert(t), err
			},
		})
	}
	for _, t := range []reflect.Type{
		reflect.TypeOf(uint(0)), reflect.TypeOf(uint8(0)), reflect.TypeOf(uint16(0)),
		reflect.TypeOf(uint32(0)), reflect.TypeOf(uint64(0)),
	} {
		registerCodec(&wireCodec{
			name:   t.String(),
			typ:    t,
			encode: func(v reflect.Value) (any, error) { return strconv.FormatUint(v.Uint(), 10), nil },
			decode: func(p any) (reflect.Value, error) {
				s, _ := p.(string)
				n, err := strconv.ParseUint(s, 10, t.Bits())
				return reflect.ValueOf(n).Convert(t), err
			},
		})
	}
	registerCodec(&wireCodec{
		name:   "float32",
		typ:    reflect.TypeOf(float32(0)),
		encode: func(v reflect.Value) (any, error) { return v.Float(), nil },
		decode: func(p any) (reflect.Value, error) {
			f, ok := p.(float64)
			if !ok {
				return reflect.Value{}, fmt.Errorf("float32 payload is %T", p)
			}
			return reflect.ValueOf(float32(f)), nil
		},
	})

	RegisterWireType("duration",
		func(d time.Duration) (any, error) { return int64(d), nil },
		func(p any) (time.Duration, error) {
			n, ok := p.(int64)
			if !ok {
				return 0, fmt.Errorf("duration payload is %T", p)
			}
			return time.Duration(n), nil
		})
	RegisterWireType("time",
		func(t time.Time) (any, error) { return t.Format(time.RFC3339Nano), nil },
		func(p any) (time.Time, error) {
			s, _ := p.(string)
			return time.Parse(time.RFC3339Nano, s)
		})
	RegisterWireType("bytes",
		func(b []byte) (any, error) { return base64.StdEncoding.EncodeToString(b), nil },
		func(p any) ([]byte, error) {
			s, _ := p.(string)
			return base64.StdEncoding.DecodeString(s)
		})
	RegisterWireType("pipeline.Table",
		func(t Table) (any, error) {
			return map[string]any{"columns": t.Columns, "rows": t.Rows}, nil
		},
		func(p any) (Table, error) {
			m, ok := p.(map[string]any)
			if !ok {
				return Table{}, fmt.Errorf("table payload is %T", p)
			}
			cols, _ := m["columns"].([]string)
			rows, _ := m["rows"].([][]any)
			return Table{Columns: cols, Rows: rows}, nil
		})
	registerContainer("pipeline.Context", contextType)
}

// registerContainer names a defined slice or map type so it keeps its type
// across the wire.
func registerContainer(name string, t reflect.Type) {
	registerCodec(&wireCodec{
		name:   name,
		typ:    t,
		encode: func(v reflect.Value) (any, error) { return encodeContainer(v) },
		decode: func(p any) (reflect.Value, error) { return decodeContainer(t, p) },
	})
}

// EncodeWire converts v to a JSON-encodable tree that DecodeWire restores to
// the same Go types. Values with no wire form (pointers, channels, funcs,
// unregistered structs) fail with InvalidConfiguration.
func EncodeWire(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return encodeValue(reflect.ValueOf(v))
}

func encodeValue(v reflect.Value) (any, error) {
	t := v.Type()
	if c, ok := lookupCodec(t); ok {
		payload, err := c.encode(v)
		if err != nil {
			return nil, err
		}
		return map[string]any{wireTag: c.name, "v": payload}, nil
	}

	switch t {
	case bareTypes["string"], bareTypes["bool"], bareTypes["float64"]:
		return v.Interface(), nil
	}

	name, err := wireName(t)
	if err != nil {
		return nil, err
	}
	payload, err := encodeContainer(v)
	if err != nil {
		return nil, err
	}
	return map[string]any{wireTag: name, "v": payload}, nil
}

// encodeContainer encodes the elements of a slice, array or string-keyed map.
func encodeContainer(v reflect.Value) (any, error) {
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		out := make([]any, v.Len())
		for i := range out {
			elem, err := encodeElem(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			elem, err := encodeElem(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = elem
		}
		return out, nil
	}
	return nil, glideerrors.InvalidConfiguration("value of type %s cannot be sent to a worker process", v.Type())
}

func encodeElem(v reflect.Value) (any, error) {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	return encodeValue(v)
}

// wireName names unregistered slice, array and map types structurally.
func wireName(t reflect.Type) (string, error) {
	if c, ok := lookupCodec(t); ok {
		return c.name, nil
	}
	for name, bt := range bareTypes {
		if t == bt {
			return name, nil
		}
	}
	switch t.Kind() {
	case reflect.Slice:
		elem, err := wireName(t.Elem())
		return "[]" + elem, err
	case reflect.Array:
		elem, err := wireName(t.Elem())
		return fmt.Sprintf("[%d]%s", t.Len(), elem), err
	case reflect.Map:
		if t.Key() != bareTypes["string"] {
			break
		}
		elem, err := wireName(t.Elem())
		return "map[string]" + elem, err
	}
	return "", glideerrors.InvalidConfiguration("value of type %s cannot be sent to a worker process", t)
}

func wireType(name string) (reflect.Type, error) {
	wireMu.RLock()
	c, ok := wireByName[name]
	wireMu.RUnlock()
	if ok {
		return c.typ, nil
	}
	if t, ok := bareTypes[name]; ok {
		return t, nil
	}
	switch {
	case strings.HasPrefix(name, "[]"):
		elem, err := wireType(name[2:])
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(elem), nil
	case strings.HasPrefix(name, "map[string]"):
		elem, err := wireType(name[len("map[string]"):])
		if err != nil {
			return nil, err
		}
		return reflect.MapOf(bareTypes["string"], elem), nil
	case strings.HasPrefix(name, "["):
		size, elemName, ok := strings.Cut(name[1:], "]")
		n, err := strconv.Atoi(size)
		if !ok || err != nil {
			break
		}
		elem, err := wireType(elemName)
		if err != nil {
			return nil, err
		}
		return reflect.ArrayOf(n, elem), nil
	}
	return nil, fmt.Errorf("unknown wire type %q", name)
}

// DecodeWire restores a tree produced by EncodeWire after a JSON round trip.
func DecodeWire(tree any) (any, error) {
	v, err := decodeValue(tree)
	if err != nil || !v.IsValid() {
		return nil, err
	}
	return v.Interface(), nil
}

func decodeValue(tree any) (reflect.Value, error) {
	switch t := tree.(type) {
	case nil:
		return reflect.Value{}, nil
	case string, bool, float64:
		return reflect.ValueOf(t), nil
	case map[string]any:
		name, ok := t[wireTag].(string)
		if !ok {
			return reflect.Value{}, fmt.Errorf("wire object without %q tag", wireTag)
		}
		wireMu.RLock()
		c, ok := wireByName[name]
		wireMu.RUnlock()
		if ok {
			return c.decode(t["v"])
		}
		typ, err := wireType(name)
		if err != nil {
			return reflect.Value{}, err
		}
		return decodeContainer(typ, t["v"])
	}
	return reflect.Value{}, fmt.Errorf("unexpected wire value %T", tree)
}

func decodeContainer(t reflect.Type, payload any) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		if payload == nil {
			return reflect.Zero(t), nil
		}
		items, ok := payload.([]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%s payload is %T", t, payload)
		}
		var out reflect.Value
		if t.Kind() == reflect.Slice {
			out = reflect.MakeSlice(t, len(items), len(items))
		} else {
			if len(items) != t.Len() {
				return reflect.Value{}, fmt.Errorf("%s payload has %d elements", t, len(items))
			}
			out = reflect.New(t).Elem()
		}
		for i, item := range items {
			elem, err := decodeElem(t.Elem(), item)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(elem)
		}
		return out, nil
	case reflect.Map:
		if payload == nil {
			return reflect.Zero(t), nil
		}
		items, ok := payload.(map[string]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%s payload is %T", t, payload)
		}
		out := reflect.MakeMapWithSize(t, len(items))
		for k, item := range items {
			elem, err := decodeElem(t.Elem(), item)
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), elem)
		}
		return out, nil
	}
	return reflect.Value{}, fmt.Errorf("%s is not a container", t)
}

func decodeElem(t reflect.Type, tree any) (reflect.Value, error) {
	v, err := decodeValue(tree)
	if err != nil {
		return reflect.Value{}, err
	}
	if !v.IsValid() {
		return reflect.Zero(t), nil
	}
	if !v.Type().AssignableTo(t) {
		return reflect.Value{}, fmt.Errorf("wire value %s does not fit %s", v.Type(), t)
	}
	return v, nil
}

// wireTask is the JSON form of a Task.
type wireTask struct {
	Pipeline string         `json:"pipeline"`
	Node     string         `json:"node,omitempty"`
	Item     any            `json:"item"`
	Contexts map[string]any `json:"contexts,omitempty"`
}

// MarshalTask encodes t for a worker process, keeping the Go types of its
// item and context values. Values that cannot be restored fail here, before
// anything is sent.
func MarshalTask(t Task) ([]byte, error) {
	item, err := EncodeWire(t.Item)
	if err != nil {
		return nil, fmt.Errorf("item: %w", err)
	}
	w := wireTask{Pipeline: t.Pipeline, Node: t.Node, Item: item}
	if len(t.Contexts) > 0 {
		w.Contexts = make(map[string]any, len(t.Contexts))
		for node, ctx := range t.Contexts {
			enc, err := EncodeWire(ctx)
			if err != nil {
				return nil, fmt.Errorf("context of node %q: %w", node, err)
			}
			w.Contexts[node] = enc
		}
	}
	return json.Marshal(w)
}

// UnmarshalTask decodes a task written by MarshalTask.
func UnmarshalTask(data []byte) (Task, error) {
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return Task{}, err
	}
	item, err := DecodeWire(w.Item)
	if err != nil {
		return Task{}, fmt.Errorf("item: %w", err)
	}
	t := Task{Pipeline: w.Pipeline, Node: w.Node, Item: item}
	if len(w.Contexts) > 0 {
		t.Contexts = make(map[string]Context, len(w.Contexts))
		for node, tree := range w.Contexts {
			dec, err := DecodeWire(tree)
			if err != nil {
				return Task{}, fmt.Errorf("context of node %q: %w", node, err)
			}
			ctx, ok := dec.(Context)
			if !ok && dec != nil {
				return Task{}, fmt.Errorf("context of node %q decoded as %T", node, dec)
			}
			t.Contexts[node] = ctx
		}
	}
	return t, nil
}
