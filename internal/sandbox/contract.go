// Package sandbox executes workers in isolated per-request instances and
// speaks the host/guest contract: a JSON input document written to the
// guest's stdin, and a JSON output document read back from its stdout.
package sandbox

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/wasmhive/wasmhive/internal/worker"
)

// Request is one HTTP request as presented to a worker.
type Request struct {
	// Method is the HTTP method.
	Method string
	// URL is the path and query string as the client sent them.
	URL string
	// Headers are the request headers, one value per name.
	Headers map[string]string
	// Params are the values captured by the route's parameter segments.
	Params map[string]string
	// Body is the raw request body.
	Body []byte
}

// Response is what a worker produced for one request.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// guestInput is the version 1 input document. Bodies that are not valid
// UTF-8 travel base64-encoded with the base64 flag set, since JSON cannot
// carry arbitrary bytes in a string.
type guestInput struct {
	Version int               `json:"version"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Base64  bool              `json:"base64,omitempty"`
	Params  map[string]string `json:"params"`
	Env     map[string]string `json:"env"`
	KV      map[string]string `json:"kv"`
}

// guestOutput is the version 1 output document.
type guestOutput struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Base64  bool              `json:"base64"`
	KV      map[string]string `json:"kv"`
}

// marshalInput serializes the input document. Nil maps are sent as empty
// objects so guests never have to null-check.
func marshalInput(req *Request, env, kv map[string]string) ([]byte, error) {
	in := guestInput{
		Version: worker.ContractVersion,
		URL:     req.URL,
		Method:  req.Method,
		Headers: orEmpty(req.Headers),
		Params:  orEmpty(req.Params),
		Env:     orEmpty(env),
		KV:      orEmpty(kv),
	}
	if utf8.Valid(req.Body) {
		in.Body = string(req.Body)
	} else {
		in.Body = base64.StdEncoding.EncodeToString(req.Body)
		in.Base64 = true
	}
	return json.Marshal(in)
}

// parseOutput decodes the output document the guest wrote to stdout and
// returns the response plus the new key/value state, if any.
func parseOutput(data []byte) (*Response, map[string]string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, errors.New("worker produced no output")
	}
	var out guestOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, nil, fmt.Errorf("malformed output document: %w", err)
	}
	if out.Status < 100 || out.Status > 599 {
		return nil, nil, fmt.Errorf("invalid response status %d", out.Status)
	}
	body := []byte(out.Body)
	if out.Base64 {
		decoded, err := base64.StdEncoding.DecodeString(out.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed base64 body: %w", err)
		}
		body = decoded
	}
	return &Response{
		Status:  out.Status,
		Headers: out.Headers,
		Body:    body,
	}, out.KV, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
