// Package graphql defines the boundary between the transport and a GraphQL
// execution engine: request parameters, parsed operations, executors and
// the results they produce.
package graphql

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// OperationIDExtension is the extensions key carrying the client-generated
// operation id in single connection mode.
const OperationIDExtension = "operationId"

// Request holds the GraphQL-over-HTTP request parameters.
type Request struct {
	OperationName string         `json:"operationName,omitempty"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// OperationID returns extensions.operationId when it is a non-empty string.
func (r *Request) OperationID() string {
	if r == nil || r.Extensions == nil {
		return ""
	}
	id, _ := r.Extensions[OperationIDExtension].(string)
	return id
}

// WithOperationID returns a copy of r whose extensions carry id.
func (r Request) WithOperationID(id string) Request {
	ext := make(map[string]any, len(r.Extensions)+1)
	for k, v := range r.Extensions {
		ext[k] = v
	}
	ext[OperationIDExtension] = id
	r.Extensions = ext
	return r
}

// ParseRequest extracts request parameters from r. GET requests read the
// URL query (variables and extensions are JSON encoded); POST requests read
// a JSON object body. Failures are returned as a 400 *Rejection.
func ParseRequest(r *http.Request) (*Request, error) {
	switch r.Method {
	case http.MethodGet:
		return parseQuery(r.URL.Query())
	case http.MethodPost:
		return parseBody(r.Body)
	default:
		rej := Reject(http.StatusMethodNotAllowed, "Method not allowed")
		rej.Header = http.Header{"Allow": []string{"GET, POST"}}
		return nil, rej
	}
}

func parseQuery(q url.Values) (*Request, error) {
	req := &Request{
		OperationName: q.Get("operationName"),
		Query:         q.Get("query"),
	}
	if v := q.Get("variables"); v != "" {
		if err := decodeObject([]byte(v), &req.Variables); err != nil {
			return nil, Reject(http.StatusBadRequest, "Invalid variables")
		}
	}
	if v := q.Get("extensions"); v != "" {
		if err := decodeObject([]byte(v), &req.Extensions); err != nil {
			return nil, Reject(http.StatusBadRequest, "Invalid extensions")
		}
	}
	return req, validate(req)
}

// rawBody mirrors Request with deferred decoding so each field can be type
// checked and reported individually.
type rawBody struct {
	OperationName json.RawMessage `json:"operationName"`
	Query         json.RawMessage `json:"query"`
	Variables     json.RawMessage `json:"variables"`
	Extensions    json.RawMessage `json:"extensions"`
}

func parseBody(body io.Reader) (*Request, error) {
	if body == nil {
		return nil, Reject(http.StatusBadRequest, "Missing body")
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, Reject(http.StatusBadRequest, "Unreadable body")
	}
	if len(b) == 0 {
		return nil, Reject(http.StatusBadRequest, "Missing body")
	}
	var raw rawBody
	if err := decodeObject(b, &raw); err != nil {
		return nil, Reject(http.StatusBadRequest, "JSON body must be an object")
	}

	req := &Request{}
	if !isNull(raw.OperationName) {
		if err := json.Unmarshal(raw.OperationName, &req.OperationName); err != nil {
			return nil, Reject(http.StatusBadRequest, "Invalid operation name")
		}
	}
	if !isNull(raw.Query) {
		if err := json.Unmarshal(raw.Query, &req.Query); err != nil {
			return nil, Reject(http.StatusBadRequest, "Invalid query")
		}
	}
	if !isNull(raw.Variables) {
		if err := decodeObject(raw.Variables, &req.Variables); err != nil {
			return nil, Reject(http.StatusBadRequest, "Invalid variables")
		}
	}
	if !isNull(raw.Extensions) {
		if err := decodeObject(raw.Extensions, &req.Extensions); err != nil {
			return nil, Reject(http.StatusBadRequest, "Invalid extensions")
		}
	}
	return req, validate(req)
}

func validate(req *Request) error {
	if req.Query == "" {
		return Reject(http.StatusBadRequest, "Missing query")
	}
	return nil
}

var errNotObject = errors.New("not a JSON object")

func decodeObject(b []byte, v any) error {
	if !isObject(b) {
		return errNotObject
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode object: %w", err)
	}
	return nil
}

func isNull(b json.RawMessage) bool {
	return len(b) == 0 || string(b) == "null"
}

func isObject(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
