// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/recollect-labs/recollect/services/engine/blob"
	"github.com/recollect-labs/recollect/services/engine/capture"
	"github.com/recollect-labs/recollect/services/engine/convo"
	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/envelope"
	"github.com/recollect-labs/recollect/services/engine/middleware"
	"github.com/recollect-labs/recollect/services/engine/queue"
	"github.com/recollect-labs/recollect/services/engine/retrieval"
	"github.com/recollect-labs/recollect/services/engine/store"
	"github.com/recollect-labs/recollect/services/engine/synthesis"
	"github.com/recollect-labs/recollect/services/engine/themegraph"
	"github.com/recollect-labs/recollect/services/engine/vectorindex"
	"github.com/recollect-labs/recollect/services/llm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestRouter wires the full in-memory stack behind real routes.
func newTestRouter(t *testing.T, auth middleware.Authenticator) *gin.Engine {
	t.Helper()

	rs, err := store.Open(store.InMemoryConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { rs.Close() })

	q := queue.NewMemoryQueue(0)
	t.Cleanup(func() { q.Close() })

	env, err := envelope.New(bytes.Repeat([]byte{0x2a}, envelope.KeySize))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}

	idx := vectorindex.NewFakeIndex()
	client := llm.NewScriptedClient(`{"label":"Work","description":"Work notes"}`)
	embedder := llm.NewHashEmbedder(32)

	engine := retrieval.NewEngine(idx, embedder)
	synth := synthesis.New(client)

	if auth == nil {
		auth = &middleware.SingleUser{}
	}
	router := gin.New()
	SetupRoutes(router, Deps{
		Capture:       capture.New(rs, blob.NewMemoryStore(), q),
		Convo:         convo.New(rs, env, engine, synth, q, idx),
		Retrieval:     engine,
		Synth:         synth,
		Graph:         themegraph.New(idx, blob.NewMemoryStore(), rs, client),
		Index:         idx,
		Authenticator: auth,
	})
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSetupRoutes_Registered(t *testing.T) {
	router := newTestRouter(t, nil)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/thoughts"},
		{"GET", "/v1/thoughts"},
		{"GET", "/v1/thoughts/:id/related"},
		{"DELETE", "/v1/thoughts/:id"},
		{"POST", "/v1/ask"},
		{"POST", "/v1/conversations"},
		{"GET", "/v1/conversations"},
		{"GET", "/v1/conversations/:id"},
		{"PUT", "/v1/conversations/:id"},
		{"DELETE", "/v1/conversations/:id"},
		{"POST", "/v1/conversations/:id/messages"},
		{"GET", "/v1/graph"},
		{"GET", "/v1/export"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected route %s %s not registered", want.method, want.path)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, nil)

	w := doJSON(t, router, "GET", "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("health returned %d, want %d", w.Code, http.StatusOK)
	}

	w = doJSON(t, router, "GET", "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("metrics returned %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthRequired(t *testing.T) {
	router := newTestRouter(t, &middleware.StaticKeys{Users: map[string]string{"k1": "alice"}})

	w := doJSON(t, router, "GET", "/v1/thoughts", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key returned %d, want %d", w.Code, http.StatusUnauthorized)
	}

	w = doJSON(t, router, "GET", "/v1/thoughts", nil,
		map[string]string{middleware.HeaderAPIKey: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unknown key returned %d, want %d", w.Code, http.StatusUnauthorized)
	}

	w = doJSON(t, router, "GET", "/v1/thoughts", nil,
		map[string]string{middleware.HeaderAPIKey: "k1"})
	if w.Code != http.StatusOK {
		t.Errorf("valid key returned %d, want %d", w.Code, http.StatusOK)
	}
}

func TestCaptureAndList(t *testing.T) {
	router := newTestRouter(t, nil)

	w := doJSON(t, router, "POST", "/v1/thoughts",
		datatypes.CaptureThoughtRequest{Text: "badger compaction stalls under load", Tags: []string{"storage"}}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("capture returned %d: %s", w.Code, w.Body.String())
	}
	var created datatypes.CaptureThoughtResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode capture response: %v", err)
	}
	if created.ID == "" {
		t.Error("capture response missing id")
	}

	w = doJSON(t, router, "GET", "/v1/thoughts", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list returned %d: %s", w.Code, w.Body.String())
	}
	var list datatypes.ListThoughtsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(list.Thoughts) != 1 || list.Thoughts[0].ID != created.ID {
		t.Errorf("list = %+v, want the captured thought", list.Thoughts)
	}
}

func TestCaptureValidation(t *testing.T) {
	router := newTestRouter(t, nil)

	w := doJSON(t, router, "POST", "/v1/thoughts",
		datatypes.CaptureThoughtRequest{Text: ""}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty text returned %d, want %d", w.Code, http.StatusBadRequest)
	}
	var resp datatypes.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Kind != string(datatypes.KindValidation) {
		t.Errorf("error kind = %q, want %q", resp.Kind, datatypes.KindValidation)
	}
}

func TestAskEmptyCorpus(t *testing.T) {
	router := newTestRouter(t, nil)

	w := doJSON(t, router, "POST", "/v1/ask",
		datatypes.AskRequest{Query: "what did I decide about caching?"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ask returned %d: %s", w.Code, w.Body.String())
	}
	var resp datatypes.AskResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode ask response: %v", err)
	}
	if resp.Answer == "" {
		t.Error("ask response missing answer text")
	}
	if len(resp.Citations) != 0 {
		t.Errorf("empty corpus produced %d citations", len(resp.Citations))
	}
}

func TestConversationLifecycle(t *testing.T) {
	router := newTestRouter(t, nil)

	w := doJSON(t, router, "POST", "/v1/conversations",
		datatypes.CreateConversationRequest{Title: "caching plan"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", w.Code, w.Body.String())
	}
	var created datatypes.CreateConversationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	w = doJSON(t, router, "POST", "/v1/conversations/"+created.ID+"/messages",
		datatypes.SendMessageRequest{Content: "should I cache the graph?"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("send returned %d: %s", w.Code, w.Body.String())
	}
	var sent datatypes.SendMessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &sent); err != nil {
		t.Fatalf("decode send response: %v", err)
	}
	if sent.AssistantMessage.Content == "" {
		t.Error("assistant message is empty")
	}

	w = doJSON(t, router, "GET", "/v1/conversations/"+created.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get returned %d: %s", w.Code, w.Body.String())
	}
	var got datatypes.GetConversationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Errorf("conversation holds %d messages, want 2", len(got.Messages))
	}

	w = doJSON(t, router, "DELETE", "/v1/conversations/"+created.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete returned %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, router, "GET", "/v1/conversations/"+created.ID, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete returned %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestGraphEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	w := doJSON(t, router, "GET", "/v1/graph", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("graph returned %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/v1/graph?month=not-a-month", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad month returned %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = doJSON(t, router, "GET", "/v1/graph?minSimilarity=abc", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad minSimilarity returned %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestExportEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	w := doJSON(t, router, "POST", "/v1/thoughts",
		datatypes.CaptureThoughtRequest{Text: "exported thought"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("capture returned %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/v1/export", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export returned %d: %s", w.Code, w.Body.String())
	}
	var resp datatypes.ExportResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode export response: %v", err)
	}
	if len(resp.Thoughts) != 1 {
		t.Errorf("export holds %d thoughts, want 1", len(resp.Thoughts))
	}
	if resp.SyncTimestamp == 0 {
		t.Error("export missing syncTimestamp")
	}
}
