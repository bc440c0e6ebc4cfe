// Package toolcall reassembles streamed function-call fragments, validates
// their arguments against the macro target set, and builds the per-call
// responses returned to the inference backend.
package toolcall

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// Fragment is one inbound function-call piece as decoded from the backend.
//
// A fragment with WillContinue set only contributes PartialText. The
// terminating fragment either carries complete structured Args (HasArgs) or
// the last slice of argument text.
type Fragment struct {
	ID           string
	Name         string
	Args         map[string]any
	HasArgs      bool
	PartialText  string
	WillContinue bool
}

// Call is a fully reassembled function call. Args is nil when no structured
// arguments could be recovered.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Reassembler accumulates partial argument text per call id. It is scoped to
// one live connection; Reset must be called whenever a new connection opens.
type Reassembler struct {
	mu      sync.Mutex
	pending map[string]*bytes.Buffer
}

// NewReassembler returns a Reassembler with no pending calls.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[string]*bytes.Buffer)}
}

// Feed consumes one fragment. It returns the completed call and true only on
// the terminating fragment; continuation fragments return false.
func (r *Reassembler) Feed(f Fragment) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.WillContinue {
		buf := r.pending[f.ID]
		if buf == nil {
			buf = &bytes.Buffer{}
			r.pending[f.ID] = buf
		}
		buf.WriteString(f.PartialText)
		return Call{}, false
	}

	var text []byte
	if buf := r.pending[f.ID]; buf != nil {
		text = buf.Bytes()
	}
	delete(r.pending, f.ID)

	call := Call{ID: f.ID, Name: f.Name}
	if f.HasArgs && f.Args != nil {
		call.Args = f.Args
		return call, true
	}

	text = append(text, f.PartialText...)
	if args, err := parseObjectStream(text); err == nil {
		call.Args = args
	}
	return call, true
}

// Pending returns the number of calls still accumulating.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Reset drops every partially accumulated call.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.pending)
}

var errNotObject = errors.New("arguments are not a JSON object")

// parseObjectStream decodes one or more concatenated JSON objects and merges
// them in order; later keys replace earlier ones.
func parseObjectStream(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errNotObject
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var out map[string]any
	for {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, errNotObject
		}
		if out == nil {
			out = make(map[string]any, len(obj))
		}
		for k, val := range obj {
			out[k] = val
		}
	}
	if out == nil {
		return nil, errNotObject
	}
	return out, nil
}
