package upstream

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Error codes reported for transport-level failures.
const (
	CodeTimeout        = "TIMEOUT"
	CodeUnavailable    = "UNAVAILABLE"
	CodeCancelled      = "CANCELLED"
	CodeBadResponse    = "BAD_RESPONSE"
	CodeUnknownService = "UNKNOWN_SERVICE"
	CodeBadRequest     = "BAD_REQUEST"
)

// CallSpec describes one call to a backing service.
type CallSpec struct {
	Service string
	Method  string // defaults to GET
	Path    string
	Query   url.Values
	Body    any
}

// Get builds a GET call.
func Get(service, path string, query url.Values) CallSpec {
	return CallSpec{Service: service, Method: "GET", Path: path, Query: query}
}

// Post builds a POST call with a JSON body.
func Post(service, path string, body any) CallSpec {
	return CallSpec{Service: service, Method: "POST", Path: path, Body: body}
}

// ResponseError is the error member of the envelope. Services send either
// an object or a bare string.
type ResponseError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *ResponseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// UnmarshalJSON accepts {"message","code"} or a plain string.
func (e *ResponseError) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		e.Message = s
		return nil
	}
	type plain ResponseError
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = ResponseError(p)
	return nil
}

// Pagination is returned by list endpoints.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// StandardResponse is the uniform result of every upstream call, whatever
// happened on the wire.
type StandardResponse struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      *ResponseError  `json:"error,omitempty"`
	Pagination *Pagination     `json:"pagination,omitempty"`
}

// Decode unmarshals Data into v. A failed response returns its error.
func (r StandardResponse) Decode(v any) error {
	if !r.Success {
		if r.Error != nil {
			return r.Error
		}
		return &ResponseError{Message: "upstream call failed"}
	}
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

func failure(code, format string, args ...any) StandardResponse {
	return StandardResponse{Error: &ResponseError{Code: code, Message: fmt.Sprintf(format, args...)}}
}
