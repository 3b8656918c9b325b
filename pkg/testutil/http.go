// Package testutil provides a scripted GraphQL endpoint for tests that run
// the real remote client.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// GraphQLRequest is what the server received for one call.
type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Authorization string         `json:"-"`
}

// Reply is the scripted answer for an operation. Data is marshaled into the
// envelope's data field; a non-zero Status is written instead of 200.
type Reply struct {
	Status int
	Data   any
	Errors []GraphQLError
}

type GraphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// GraphQLServer answers operations by name. Unknown operations get a
// GraphQL error so a missing script fails loudly in the caller.
type GraphQLServer struct {
	*httptest.Server

	mu      sync.Mutex
	replies map[string]Reply
	calls   []GraphQLRequest
}

func NewGraphQLServer(t *testing.T) *GraphQLServer {
	t.Helper()
	s := &GraphQLServer{replies: make(map[string]Reply)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// On scripts the reply for operation.
func (s *GraphQLServer) On(operation string, reply Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[operation] = reply
}

// Calls returns the names of the operations received, in order.
func (s *GraphQLServer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.OperationName
	}
	return out
}

// Requests returns every request received.
func (s *GraphQLServer) Requests() []GraphQLRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]GraphQLRequest(nil), s.calls...)
}

func (s *GraphQLServer) serve(w http.ResponseWriter, r *http.Request) {
	var req GraphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Authorization = r.Header.Get("Authorization")

	s.mu.Lock()
	s.calls = append(s.calls, req)
	reply, ok := s.replies[req.OperationName]
	s.mu.Unlock()

	if !ok {
		reply = Reply{Errors: []GraphQLError{{Message: "unscripted operation " + req.OperationName}}}
	}
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	body := map[string]any{"data": reply.Data}
	if len(reply.Errors) > 0 {
		body["errors"] = reply.Errors
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
