package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// KV is a key value pair used for headers and query parameters.
type KV struct {
	Key   string
	Value string
}

// CallOptions contains options for calling a plugin endpoint.
type CallOptions struct {
	Payload     any
	Result      any
	Headers     []KV
	QueryParams []KV
}

// CallOptionFn defines a function that sets parameters for the Call method.
type CallOptionFn func(opt *CallOptions)

// WithPayload sets up payload to send to the callee
func WithPayload(payload any) CallOptionFn {
	return func(opt *CallOptions) {
		opt.Payload = payload
	}
}

// WithResult sets up a result that the call will unmarshal into.
func WithResult(result any) CallOptionFn {
	return func(opt *CallOptions) {
		opt.Result = result
	}
}

// WithHeader sets a specific header for the call.
func WithHeader(header KV) CallOptionFn {
	return func(opt *CallOptions) {
		opt.Headers = append(opt.Headers, header)
	}
}

// WithQueryParams sets url parameters for the call.
func WithQueryParams(queryParams []KV) CallOptionFn {
	return func(opt *CallOptions) {
		opt.QueryParams = queryParams
	}
}

// BaseURL returns the URL requests to a plugin at location are sent to.
// For sockets the host part is irrelevant, the client dials the socket.
func BaseURL(typ ConnectionType, location string) string {
	if typ == TCP {
		if strings.HasPrefix(location, "http://") {
			return location
		}
		return "http://" + location
	}
	return "http://unix"
}

// Call will use the plugin's connection client to make a call to the specified endpoint.
// The result will be unmarshalled into the provided result if not nil. A response status
// other than 200 is returned as *StatusError.
func Call(ctx context.Context, client *http.Client, typ ConnectionType, location, endpoint, method string, opts ...CallOptionFn) (err error) {
	options := &CallOptions{}
	for _, opt := range opts {
		opt(options)
	}

	var body io.Reader
	if options.Payload != nil {
		content, err := json.Marshal(options.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}

		body = bytes.NewReader(content)
	}

	// always ensure that we aren't starting with a `/`.
	endpoint = strings.TrimPrefix(endpoint, "/")
	request, err := http.NewRequestWithContext(ctx, method, BaseURL(typ, location)+"/"+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if len(options.QueryParams) > 0 {
		query := request.URL.Query()
		for _, kv := range options.QueryParams {
			query.Add(kv.Key, kv.Value)
		}

		request.URL.RawQuery = query.Encode()
	}

	for _, v := range options.Headers {
		request.Header.Add(v.Key, v.Value)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	resp, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("failed to send request to plugin: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if options.Result == nil {
		// Discard the body content otherwise some gibberish might remain in it
		// that messes up further connections.
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(options.Result); err != nil {
		return fmt.Errorf("failed to decode response from plugin: %w", err)
	}

	return nil
}

// DecodeJSONRequestBody decodes the body of request into a new T.
func DecodeJSONRequestBody[T any](request *http.Request) (*T, error) {
	pRequest := new(T)
	if err := json.NewDecoder(request.Body).Decode(pRequest); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return pRequest, nil
}
