// Package jsonapi provides the JSON-over-HTTP client shared by the hardware
// gateway and the backend sync client.
//
// It contains:
//   - [Client], a base URL plus headers, a per-call timeout and an optional
//     *http.Client, with [Client.NewRequest], [Client.Do] and [Client.PostJSON]
//   - [StatusError], returned for non-2xx responses
//   - [ContentTypeError], returned when a response that must be JSON is not
//
// The package contains no endpoint knowledge; callers build paths and payloads.
package jsonapi
