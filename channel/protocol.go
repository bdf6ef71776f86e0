package channel

import (
	"encoding/json"
	"fmt"
)

// Message types posted by the provider surface.
const (
	TypeSuccess = "ave:success"
	TypeError   = "ave:error"
	TypeClose   = "ave:close"
	TypeSigned  = "ave:signed"
	TypeDenied  = "ave:denied"
)

// Envelope is the wire shape of every protocol message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SuccessPayload carries the redirect URL (holding the authorization code)
// and any additional claims the provider attached.
type SuccessPayload struct {
	RedirectURL string
	Claims      map[string]any
}

func (p *SuccessPayload) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	redirect, ok := raw["redirectUrl"].(string)
	if !ok || redirect == "" {
		return fmt.Errorf("success payload without redirectUrl")
	}
	delete(raw, "redirectUrl")
	p.RedirectURL = redirect
	p.Claims = raw
	return nil
}

func (p SuccessPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Claims)+1)
	for k, v := range p.Claims {
		out[k] = v
	}
	out["redirectUrl"] = p.RedirectURL
	return json.Marshal(out)
}

// ErrorPayload is posted with ave:error and ave:denied.
type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// terminal maps a message type to the state it ends the session in. decode
// validates the payload and returns the callback to fire.
type terminal struct {
	state  State
	decode func(payload json.RawMessage) (fire func(), err error)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("message without type")
	}
	return env, nil
}

func successHandler(fn func(SuccessPayload)) terminal {
	return terminal{state: StateSucceeded, decode: func(payload json.RawMessage) (func(), error) {
		var p SuccessPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return func() {
			if fn != nil {
				fn(p)
			}
		}, nil
	}}
}

func errorHandler(fn func(ErrorPayload)) terminal {
	return terminal{state: StateErrored, decode: func(payload json.RawMessage) (func(), error) {
		var p ErrorPayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, err
			}
		}
		return func() {
			if fn != nil {
				fn(p)
			}
		}, nil
	}}
}

func rawHandler(fn func(json.RawMessage)) terminal {
	return terminal{state: StateSucceeded, decode: func(payload json.RawMessage) (func(), error) {
		if len(payload) == 0 || !json.Valid(payload) {
			return nil, fmt.Errorf("invalid payload")
		}
		return func() {
			if fn != nil {
				fn(payload)
			}
		}, nil
	}}
}

func closeHandler(fn func()) terminal {
	return terminal{state: StateClosed, decode: func(json.RawMessage) (func(), error) {
		return func() {
			if fn != nil {
				fn()
			}
		}, nil
	}}
}
