// Package wire implements the bencoded KRPC message framing used on the
// wire: a transaction id, a node id, a message kind, and a typed payload.
// It is the concrete rendering of the distilled spec's "wire protocol
// (delegated to NetworkEngine)" — generalized from BitTorrent mainline
// DHT's ping/find_node/get_peers/announce_peer quartet to this DHT's
// ping/find_node/get_values/listen/announce_value quintet. Encoding and
// decoding follow the teacher's own idiom: build/inspect a
// map[string]interface{} and hand it to github.com/zeebo/bencode rather
// than relying on struct tags.
package wire

import (
	"fmt"

	"github.com/zeebo/bencode"
)

// Message kinds, mirroring KRPC's "y" field.
const (
	KindQuery    = "q"
	KindResponse = "r"
	KindError    = "e"
)

// Query methods, mirroring KRPC's "q" field.
const (
	MethodPing          = "ping"
	MethodFindNode      = "find_node"
	MethodGetValues     = "get_values"
	MethodListen        = "listen"
	MethodAnnounceValue = "announce_value"
)

// Want flags, used by find_node and get_values to request nodes of a
// specific address family (or both).
const (
	WantV4 = 1 << 0
	WantV6 = 1 << 1
)

// ProtocolError reports a malformed or unrecognized KRPC datagram.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "wire: " + e.Msg }

// Message is the decoded form of one KRPC datagram.
type Message struct {
	TID    string
	NodeID string
	Kind   string // "q", "r", "e"
	Method string // only set for queries
	Args   map[string]interface{}
	ErrCode int
	ErrMsg  string
}

// EncodeQuery bencodes a query message of the given method with the given
// arguments (which must already be wire-shaped: strings, ints, or string
// slices).
func EncodeQuery(tid, method, selfID string, args map[string]interface{}) ([]byte, error) {
	a := map[string]interface{}{"id": selfID}
	for k, v := range args {
		a[k] = v
	}
	v := map[string]interface{}{
		"t": tid,
		"y": KindQuery,
		"q": method,
		"a": a,
	}
	return encode(v)
}

// EncodeResponse bencodes a response message carrying the given result
// fields.
func EncodeResponse(tid, selfID string, result map[string]interface{}) ([]byte, error) {
	r := map[string]interface{}{"id": selfID}
	for k, v := range result {
		r[k] = v
	}
	v := map[string]interface{}{
		"t": tid,
		"y": KindResponse,
		"r": r,
	}
	return encode(v)
}

// EncodeError bencodes a KRPC error message: a 2-element [code, message]
// list under "e".
func EncodeError(tid string, code int, msg string) ([]byte, error) {
	v := map[string]interface{}{
		"t": tid,
		"y": KindError,
		"e": []interface{}{code, msg},
	}
	return encode(v)
}

func encode(v interface{}) ([]byte, error) {
	s, err := bencode.EncodeString(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return []byte(s), nil
}

// Validate reports whether b decodes as a well-formed bencode dictionary,
// without fully interpreting it, like the teacher's KRPCValidate. The
// network engine does not call it; its read loop calls Decode directly.
func Validate(b []byte) bool {
	var v map[string]interface{}
	return bencode.DecodeBytes(b, &v) == nil
}

// Decode parses a raw datagram into a Message.
func Decode(b []byte) (*Message, error) {
	var v map[string]interface{}
	if err := bencode.DecodeBytes(b, &v); err != nil {
		return nil, &ProtocolError{fmt.Sprintf("bencode decode failed: %v", err)}
	}

	m := &Message{}
	var ok bool
	if m.TID, ok = v["t"].(string); !ok {
		return nil, &ProtocolError{"missing or invalid `t`"}
	}
	if m.Kind, ok = v["y"].(string); !ok {
		return nil, &ProtocolError{"missing or invalid `y`"}
	}

	switch m.Kind {
	case KindQuery:
		if m.Method, ok = v["q"].(string); !ok {
			return nil, &ProtocolError{"missing or invalid `q`"}
		}
		args, ok := v["a"].(map[string]interface{})
		if !ok {
			return nil, &ProtocolError{"missing or invalid `a`"}
		}
		m.Args = args
		if id, ok := args["id"].(string); ok {
			m.NodeID = id
		}
	case KindResponse:
		result, ok := v["r"].(map[string]interface{})
		if !ok {
			return nil, &ProtocolError{"missing or invalid `r`"}
		}
		m.Args = result
		if id, ok := result["id"].(string); ok {
			m.NodeID = id
		}
	case KindError:
		elist, ok := v["e"].([]interface{})
		if !ok || len(elist) != 2 {
			return nil, &ProtocolError{"missing or invalid `e`"}
		}
		code, _ := elist[0].(int64)
		m.ErrCode = int(code)
		m.ErrMsg, _ = elist[1].(string)
	default:
		return nil, &ProtocolError{"unknown message kind: " + m.Kind}
	}
	return m, nil
}

// StringArg returns Args[key] as a string, or ok=false if absent/wrong type.
func (m *Message) StringArg(key string) (string, bool) {
	v, ok := m.Args[key].(string)
	return v, ok
}

// IntArg returns Args[key] as an int, or ok=false if absent/wrong type.
// Bencode decodes all integers as int64.
func (m *Message) IntArg(key string) (int, bool) {
	v, ok := m.Args[key].(int64)
	return int(v), ok
}

// StringSliceArg returns Args[key] as a []string, or ok=false if
// absent/wrong type. Bencode decodes bencoded lists as []interface{}.
func (m *Message) StringSliceArg(key string) ([]string, bool) {
	raw, ok := m.Args[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
