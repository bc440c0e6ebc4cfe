package toolcall

import (
	"errors"
	"time"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Committer receives accepted control values. controls.State satisfies it.
type Committer interface {
	Commit(values map[string]float64, at time.Time)
}

// Observer is notified once per handled call, after the commit.
type Observer interface {
	ObserveToolCall(call Call, resp Response)
}

// Response is the structured reply for one call, correlated by ID.
type Response struct {
	ID       string
	Name     string
	Status   string
	Accepted map[string]float64
	Error    string
}

// Payload renders the response body sent on the session.
func (r Response) Payload() map[string]any {
	if r.Status == StatusOK {
		accepted := make(map[string]any, len(r.Accepted))
		for k, v := range r.Accepted {
			accepted[k] = v
		}
		return map[string]any{"status": StatusOK, "accepted": accepted}
	}
	return map[string]any{"status": StatusError, "error": r.Error}
}

// Handler validates calls and commits accepted values.
type Handler struct {
	Committer Committer
	Observer  Observer
	Now       func() time.Time
}

// Handle produces exactly one response for call. Validation failures are
// reported in the response and never returned as errors.
func (h *Handler) Handle(call Call) Response {
	resp := Response{ID: call.ID, Name: call.Name}

	var args any
	if call.Args != nil {
		args = call.Args
	}
	accepted, err := Validate(call.Name, args)
	if err != nil {
		resp.Status = StatusError
		var verr *ValidationError
		if errors.As(err, &verr) {
			resp.Error = verr.Code
		} else {
			resp.Error = err.Error()
		}
	} else {
		resp.Status = StatusOK
		resp.Accepted = accepted
		if h.Committer != nil {
			h.Committer.Commit(accepted, h.now())
		}
	}

	if h.Observer != nil {
		h.Observer.ObserveToolCall(call, resp)
	}
	return resp
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}
