package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ctxsync/ctxsyncd/internal/broadcast"
	"github.com/ctxsync/ctxsyncd/internal/cache"
	"github.com/ctxsync/ctxsyncd/internal/service"
	"github.com/ctxsync/ctxsyncd/internal/store"
)

// newTestServer starts a server on a random port backed by a fresh service.
func newTestServer(t *testing.T) (*Server, *service.Service, string) {
	t.Helper()
	discard := log.New(io.Discard, "", 0)

	storeCfg := store.DefaultConfig()
	storeCfg.SweepInterval = 0
	storeCfg.Logger = discard
	cacheCfg := cache.DefaultConfig()
	cacheCfg.SweepInterval = 0
	cacheCfg.Logger = discard
	bcastCfg := broadcast.DefaultConfig()
	bcastCfg.Logger = discard

	svc := service.New(&service.Config{
		Store:     storeCfg,
		Cache:     cacheCfg,
		Broadcast: bcastCfg,
		Logger:    discard,
	})

	server := New(svc, &Config{
		Port:   0, // Use random available port
		Logger: discard,
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		server.Stop()
		svc.Close()
	})

	time.Sleep(50 * time.Millisecond)
	return server, svc, "http://" + server.Addr()
}

func putContext(t *testing.T, baseURL, project string, elements []store.ElementInput) putResponse {
	t.Helper()
	body, err := json.Marshal(putRequest{Elements: elements})
	if err != nil {
		t.Fatalf("Failed to marshal put request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/v1/projects/%s/context", baseURL, project), bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Put request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("Put returned %d: %s", resp.StatusCode, raw)
	}
	var pr putResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		t.Fatalf("Failed to decode put response: %v", err)
	}
	return pr
}

// TestServerStartStop verifies startup, address assignment, and graceful
// shutdown on a random port.
func TestServerStartStop(t *testing.T) {
	server, _, _ := newTestServer(t)
	if server.Addr() == "" {
		t.Fatal("Server address is empty")
	}
}

// TestHealthEndpoint verifies the liveness probe.
func TestHealthEndpoint(t *testing.T) {
	_, _, baseURL := newTestServer(t)

	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %q", body["status"])
	}
}

// TestPutAndGetOverHTTP verifies the put/get round trip through the HTTP
// surface, including payload decoding.
func TestPutAndGetOverHTTP(t *testing.T) {
	_, svc, baseURL := newTestServer(t)

	pr := putContext(t, baseURL, "proj1", []store.ElementInput{
		{Key: "file:main.go", Content: []byte("package main"), Priority: 1},
	})
	if pr.Version != 1 {
		t.Errorf("Expected version 1, got %d", pr.Version)
	}

	resp, err := http.Get(baseURL + "/v1/projects/proj1/context")
	if err != nil {
		t.Fatalf("Get request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var result service.GetResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode get response: %v", err)
	}
	if !result.Full || result.Version != 1 {
		t.Errorf("Expected full v1 response, got full=%v version=%d", result.Full, result.Version)
	}

	raw, err := svc.DecodePayload(&result)
	if err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	var rec store.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("Payload is not a record: %v", err)
	}
	if len(rec.Elements) != 1 || rec.Elements[0].Key != "file:main.go" {
		t.Errorf("Unexpected record contents: %+v", rec.Elements)
	}
}

// TestDiffOverHTTP verifies the diff endpoint and its query validation.
func TestDiffOverHTTP(t *testing.T) {
	_, _, baseURL := newTestServer(t)

	putContext(t, baseURL, "proj1", []store.ElementInput{
		{Key: "a", Content: []byte("one"), Priority: 1},
	})
	putContext(t, baseURL, "proj1", []store.ElementInput{
		{Key: "a", Content: []byte("one"), Priority: 1},
		{Key: "b", Content: []byte("two"), Priority: 1},
	})

	resp, err := http.Get(baseURL + "/v1/projects/proj1/diff?since=1")
	if err != nil {
		t.Fatalf("Diff request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var dr service.DiffResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		t.Fatalf("Failed to decode diff response: %v", err)
	}
	if dr.Version != 2 {
		t.Errorf("Expected version 2, got %d", dr.Version)
	}
	if len(dr.Diff.Added) != 1 || dr.Diff.Added[0].Key != "b" {
		t.Errorf("Expected b added, got %+v", dr.Diff.Added)
	}

	// Missing and malformed since values are client errors.
	for _, query := range []string{"", "?since=0", "?since=abc"} {
		resp, err := http.Get(baseURL + "/v1/projects/proj1/diff" + query)
		if err != nil {
			t.Fatalf("Diff request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Query %q: expected 400, got %d", query, resp.StatusCode)
		}
	}
}

// TestErrorStatusMapping verifies service errors surface as the right HTTP
// statuses with JSON error bodies.
func TestErrorStatusMapping(t *testing.T) {
	_, _, baseURL := newTestServer(t)

	// Unknown project.
	resp, err := http.Get(baseURL + "/v1/projects/nope/context")
	if err != nil {
		t.Fatalf("Get request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown project, got %d", resp.StatusCode)
	}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatalf("Failed to decode error body: %v", err)
	}
	if er.Error == "" {
		t.Error("Expected an error message in the body")
	}

	// Duplicate element keys.
	body, _ := json.Marshal(putRequest{Elements: []store.ElementInput{
		{Key: "a", Content: []byte("x"), Priority: 1},
		{Key: "a", Content: []byte("y"), Priority: 1},
	}})
	req, _ := http.NewRequest(http.MethodPut, baseURL+"/v1/projects/proj1/context", bytes.NewReader(body))
	dupResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Put request failed: %v", err)
	}
	dupResp.Body.Close()
	if dupResp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for duplicate keys, got %d", dupResp.StatusCode)
	}

	// Malformed body.
	req, _ = http.NewRequest(http.MethodPut, baseURL+"/v1/projects/proj1/context", bytes.NewReader([]byte("{")))
	badResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Put request failed: %v", err)
	}
	badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", badResp.StatusCode)
	}
}

// TestPayloadTooLargeStatus verifies oversized contexts map to 413.
func TestPayloadTooLargeStatus(t *testing.T) {
	discard := log.New(io.Discard, "", 0)
	storeCfg := store.DefaultConfig()
	storeCfg.SweepInterval = 0
	storeCfg.MaxContextSize = 256
	storeCfg.Logger = discard
	cacheCfg := cache.DefaultConfig()
	cacheCfg.SweepInterval = 0
	cacheCfg.Logger = discard

	svc := service.New(&service.Config{Store: storeCfg, Cache: cacheCfg, Logger: discard})
	server := New(svc, &Config{Port: 0, Logger: discard})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer func() {
		server.Stop()
		svc.Close()
	}()
	time.Sleep(50 * time.Millisecond)

	body, _ := json.Marshal(putRequest{Elements: []store.ElementInput{
		{Key: "big", Content: bytes.Repeat([]byte("x"), 1024), Priority: 1},
	}})
	req, _ := http.NewRequest(http.MethodPut,
		"http://"+server.Addr()+"/v1/projects/proj1/context", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Put request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", resp.StatusCode)
	}
}

// TestStatsEndpoint verifies the stats snapshot over HTTP.
func TestStatsEndpoint(t *testing.T) {
	_, _, baseURL := newTestServer(t)

	putContext(t, baseURL, "proj1", []store.ElementInput{
		{Key: "a", Content: []byte("one"), Priority: 1},
	})

	resp, err := http.Get(baseURL + "/stats")
	if err != nil {
		t.Fatalf("Stats request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var stats service.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.ActiveProjects != 1 {
		t.Errorf("Expected 1 active project, got %d", stats.ActiveProjects)
	}
}

// TestWebSocketSubscribe verifies the subscribe stream delivers commit
// events over WebSocket.
func TestWebSocketSubscribe(t *testing.T) {
	server, _, baseURL := newTestServer(t)

	putContext(t, baseURL, "proj1", []store.ElementInput{
		{Key: "a", Content: []byte("one"), Priority: 1},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.Addr() + "/v1/projects/proj1/subscribe"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Commit a second version after the subscription is live.
	putContext(t, baseURL, "proj1", []store.ElementInput{
		{Key: "a", Content: []byte("two"), Priority: 1},
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	var ev broadcast.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}
	if ev.ProjectID != "proj1" || ev.Version != 2 {
		t.Errorf("Expected proj1 v2 event, got %+v", ev)
	}
	if len(ev.Diff.Modified) != 1 || ev.Diff.Modified[0].Key != "a" {
		t.Errorf("Expected a modified in the event diff, got %+v", ev.Diff)
	}
}

// TestWebSocketSubscribeUnknownProject verifies the upgrade is refused with
// 404 before any WebSocket handshake.
func TestWebSocketSubscribeUnknownProject(t *testing.T) {
	server, _, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.Addr() + "/v1/projects/nope/subscribe"
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("Expected dial to fail for unknown project")
	}
	if resp != nil && resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 on refused upgrade, got %d", resp.StatusCode)
	}
}
