package mux

import (
	"net/http"
	"testing"
)

func TestParseRequestText_FullHandshake(t *testing.T) {
	data := []byte("GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"\r\n")

	req, err := parseRequestText(data)
	if err != nil {
		t.Fatalf("parseRequestText failed: %v", err)
	}
	if req.method != "GET" || req.uri != "/chat" || req.version != "HTTP/1.1" {
		t.Errorf("unexpected request line: %+v", req)
	}
	if req.headers.Get("Host") != "example.com" {
		t.Errorf("Host header = %q, want example.com", req.headers.Get("Host"))
	}
	if req.headers.Get("Upgrade") != "websocket" {
		t.Errorf("Upgrade header = %q, want websocket", req.headers.Get("Upgrade"))
	}
}

func TestParseRequestText_NoTrailingBlankLine(t *testing.T) {
	// encoded_handshake is a byte string extracted from a control block, not
	// a socket stream, so it may not carry the blank-line terminator a real
	// HTTP/1.1 request would.
	data := []byte("GET / HTTP/1.1\r\nHost: example.com")

	req, err := parseRequestText(data)
	if err != nil {
		t.Fatalf("parseRequestText failed: %v", err)
	}
	if req.headers.Get("Host") != "example.com" {
		t.Errorf("Host header = %q, want example.com", req.headers.Get("Host"))
	}
}

func TestParseRequestText_RejectsBadVersion(t *testing.T) {
	data := []byte("GET / HTTP/1.0\r\n\r\n")
	if _, err := parseRequestText(data); err == nil {
		t.Error("expected error for HTTP/1.0 request")
	}
}

func TestResolveDelta_OverridesAndRemoves(t *testing.T) {
	base := handshakeBase{
		method: "GET",
		uri:    "/a",
		headers: http.Header{
			"Host":       {"example.com"},
			"X-Custom":   {"base-value"},
			"X-Toremove": {"present"},
		},
	}

	delta := parsedRequest{
		method: "GET",
		uri:    "/b",
		headers: http.Header{
			"X-Custom":   {"delta-value"},
			"X-Toremove": {""},
			"X-New":      {"added"},
		},
	}

	resolved := resolveDelta(base, delta)

	if resolved.uri != "/b" {
		t.Errorf("uri = %q, want /b (replaced by delta's request line)", resolved.uri)
	}
	if resolved.headers.Get("Host") != "example.com" {
		t.Errorf("Host should survive from base unchanged, got %q", resolved.headers.Get("Host"))
	}
	if resolved.headers.Get("X-Custom") != "delta-value" {
		t.Errorf("X-Custom should be replaced by delta, got %q", resolved.headers.Get("X-Custom"))
	}
	if resolved.headers.Get("X-ToRemove") != "" {
		t.Errorf("X-ToRemove should be removed by an empty-valued delta override")
	}
	if resolved.headers.Get("X-New") != "added" {
		t.Errorf("X-New should be added by the delta, got %q", resolved.headers.Get("X-New"))
	}
}

func TestDefaultHandshakeEngine_AcceptsValidRequest(t *testing.T) {
	engine := &DefaultHandshakeEngine{}
	req := &LogicalRequest{
		Method: http.MethodGet,
		URI:    "/",
		Headers: http.Header{
			"Upgrade":               {"websocket"},
			"Sec-Websocket-Version": {"13"},
			"Sec-Websocket-Key":     {"dGhlIHNhbXBsZSBub25jZQ=="},
		},
	}

	resp, err := engine.Handshake(req)
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	if !containsLine(resp, "HTTP/1.1 101 Switching Protocols") {
		t.Errorf("response missing 101 status line: %q", resp)
	}
	want := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	if !containsLine(resp, "Sec-WebSocket-Accept: "+want) {
		t.Errorf("response missing expected Sec-WebSocket-Accept, got %q", resp)
	}
}

func TestDefaultHandshakeEngine_RejectsMissingKey(t *testing.T) {
	engine := &DefaultHandshakeEngine{}
	req := &LogicalRequest{
		Method: http.MethodGet,
		URI:    "/",
		Headers: http.Header{
			"Upgrade":               {"websocket"},
			"Sec-Websocket-Version": {"13"},
		},
	}

	_, err := engine.Handshake(req)
	if err == nil {
		t.Fatal("expected an error for a missing Sec-WebSocket-Key")
	}
	he, ok := err.(*HandshakeError)
	if !ok {
		t.Fatalf("expected *HandshakeError, got %T", err)
	}
	if he.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", he.Status)
	}
}

func containsLine(haystack []byte, line string) bool {
	for i := 0; i+len(line) <= len(haystack); i++ {
		if string(haystack[i:i+len(line)]) == line {
			return true
		}
	}
	return false
}
