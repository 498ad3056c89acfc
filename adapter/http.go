// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patchbay-dev/patchbay/lib/message"
)

const httpMaxBody = 1 << 20

// httpAdapter exposes addresses as REST paths under base_path.
//
// Server role: POST or PUT {base_path}/{address...} with a JSON body
// (an envelope or a bare value) emits a message; GET returns the last
// value sent to that address, and GET {base_path} lists them all.
//
// Client role: each outbound message is POSTed as an envelope to
// {endpoint}{base_path}/{address...}.
type httpAdapter struct {
	*base
	namespace string
	basePath  string
	envelope  envelope
	timeout   time.Duration

	mu       sync.Mutex
	endpoint *httpEndpoint
	client   *http.Client
	baseURL  *url.URL
	last     map[string]message.Value
}

func newHTTP(spec Spec, options Options) (Adapter, error) {
	if err := requireRole(spec, RoleServer, RoleClient); err != nil {
		return nil, err
	}
	timeout, err := spec.DurationOption("timeout", 10*time.Second)
	if err != nil {
		return nil, err
	}
	basePath := "/" + strings.Trim(spec.Option("base_path", "/api"), "/")
	a := &httpAdapter{
		namespace: spec.Option("namespace", ""),
		basePath:  strings.TrimSuffix(basePath, "/"),
		envelope:  envelopeFor(spec),
		timeout:   timeout,
		last:      make(map[string]message.Value),
	}
	a.base = newBase(spec, options, a)
	return a, nil
}

func (a *httpAdapter) open(ctx context.Context) (State, error) {
	if a.spec.Role == RoleClient {
		baseURL, err := url.Parse(a.spec.Endpoint)
		if err != nil || (baseURL.Scheme != "http" && baseURL.Scheme != "https") {
			return StateError, newError(ErrConnectFailed, a.spec.ID, fmt.Errorf("endpoint %q is not an http(s) URL", a.spec.Endpoint))
		}
		a.mu.Lock()
		a.baseURL = baseURL
		a.client = &http.Client{Timeout: a.timeout}
		a.mu.Unlock()
		return StateConnected, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(a.basePath+"/", a.handle)
	if a.basePath != "" {
		mux.HandleFunc(a.basePath, a.handleList)
	}
	endpoint, err := listenHTTP(ctx, a.spec.Endpoint, mux)
	if err != nil {
		return StateError, newError(ErrBindFailed, a.spec.ID, err)
	}
	a.mu.Lock()
	a.endpoint = endpoint
	a.mu.Unlock()
	return StateListening, nil
}

func (a *httpAdapter) run(ctx context.Context) error {
	a.mu.Lock()
	endpoint := a.endpoint
	a.mu.Unlock()
	if endpoint == nil {
		<-ctx.Done()
		return nil
	}
	return endpoint.serve()
}

func (a *httpAdapter) handle(w http.ResponseWriter, r *http.Request) {
	path := "/" + strings.TrimPrefix(r.URL.Path, a.basePath+"/")
	if err := message.ValidateAddress(path); err != nil || path == "/" {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid address %q", path))
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.mu.Lock()
		value, ok := a.last[path]
		a.mu.Unlock()
		if !ok {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no value for %s", path))
			return
		}
		data, err := a.envelope.encode(path, value)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost, http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, httpMaxBody))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		value, err := a.bodyValue(body)
		if err != nil {
			a.reportTranslation(err, path)
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.emit(message.New(message.HTTP, namespaced(a.namespace, path), value))
		w.WriteHeader(http.StatusAccepted)

	default:
		w.Header().Set("Allow", "GET, POST, PUT")
		writeJSONError(w, http.StatusMethodNotAllowed, r.Method+" not supported")
	}
}

// bodyValue reads an envelope's value field, or the body as a bare JSON
// value. An empty body is Null.
func (a *httpAdapter) bodyValue(body []byte) (message.Value, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return message.Null(), nil
	}
	if _, value, ok, err := a.envelope.decode(body); ok || err != nil {
		return value, err
	}
	value, err := message.ParseJSON(body)
	if err != nil {
		return message.Value{}, translationError("request body is not JSON: %v", err)
	}
	return value, nil
}

func (a *httpAdapter) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeJSONError(w, http.StatusMethodNotAllowed, r.Method+" not supported")
		return
	}
	a.mu.Lock()
	addresses := make([]string, 0, len(a.last))
	for address := range a.last {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	values := make([]json.RawMessage, 0, len(addresses))
	for _, address := range addresses {
		data, err := a.envelope.encode(address, a.last[address])
		if err == nil {
			values = append(values, data)
		}
	}
	a.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(values)
}

func writeJSONError(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": text})
}

func (a *httpAdapter) send(ctx context.Context, m message.Message) error {
	path, ok := stripNamespace(a.namespace, m.Address())
	if !ok {
		return translationError("%s is outside HTTP namespace %s", m.Address(), a.namespace)
	}

	a.mu.Lock()
	client, baseURL, endpoint := a.client, a.baseURL, a.endpoint
	if endpoint != nil {
		a.last[path] = m.Value()
	}
	a.mu.Unlock()
	if endpoint != nil {
		return nil
	}
	if client == nil {
		return newError(ErrNotRunning, a.spec.ID, nil)
	}

	body, err := a.envelope.encode(path, m.Value())
	if err != nil {
		return translationError("encoding %s: %v", m.Address(), err)
	}
	target := baseURL.JoinPath(a.basePath, path)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request for %s: %w", target, err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", target, err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, io.LimitReader(response.Body, httpMaxBody))
	if response.StatusCode >= 300 {
		return fmt.Errorf("posting to %s: %s", target, response.Status)
	}
	return nil
}

func (a *httpAdapter) close() error {
	a.mu.Lock()
	endpoint, client := a.endpoint, a.client
	a.endpoint, a.client = nil, nil
	a.mu.Unlock()
	if client != nil {
		client.CloseIdleConnections()
	}
	if endpoint != nil {
		return endpoint.close()
	}
	return nil
}
