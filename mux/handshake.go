package mux

import (
	"bufio"
	"bytes"
	"crypto/sha1" //nolint:gosec // SHA-1 required by RFC 6455 Section 1.3, as in websocket/handshake.go
	"encoding/base64"
	"fmt"
	"net/http"
	"net/textproto"
	"strings"
)

// websocketGUID is the RFC 6455 Section 1.3 magic GUID, duplicated from
// websocket/handshake.go: the encoded_handshake bytes here never traverse a
// real net.Conn (they arrive already extracted from a control block), so
// this package computes Sec-WebSocket-Accept itself rather than depending on
// the unexported helper in the sibling package.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// HandshakeError carries the HTTP status a rejected handshake should be
// reported with (spec.md §4.3 step 7, §7 "Application-level handshake
// rejection").
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("mux: handshake rejected (%d %s): %v", e.Status, http.StatusText(e.Status), e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// HandshakeEngine is the external "WebSocket opening-handshake engine"
// collaborator (spec.md §6). Handshake validates req and returns the raw
// HTTP/1.1 101 response bytes to embed in an accepting AddChannelResponse.
// Any error means rejection; if it is a *HandshakeError its Status is used
// for the HTTP error response, otherwise 400 Bad Request is assumed
// (mirroring mux.py's _do_handshake_for_logical_request, which funnels
// VersionException/HandshakeException/AbortedByUserException into the same
// _send_error_add_channel_response path).
type HandshakeEngine interface {
	Handshake(req *LogicalRequest) ([]byte, error)
}

// DefaultHandshakeEngine implements HandshakeEngine with the same checks
// websocket.Upgrade performs, adapted to operate on an already-parsed
// LogicalRequest instead of an *http.Request/http.ResponseWriter pair.
type DefaultHandshakeEngine struct {
	// Subprotocols is the list of subprotocols the server advertises.
	Subprotocols []string

	// CheckOrigin verifies the Origin header. nil allows every origin.
	CheckOrigin func(*LogicalRequest) bool
}

// Handshake implements HandshakeEngine.
func (e *DefaultHandshakeEngine) Handshake(req *LogicalRequest) ([]byte, error) {
	if req.Method != http.MethodGet {
		return nil, &HandshakeError{Status: http.StatusBadRequest, Err: ErrInvalidMethod}
	}
	if !headerContainsToken(req.Headers.Get("Upgrade"), "websocket") {
		return nil, &HandshakeError{Status: http.StatusBadRequest, Err: ErrMissingUpgrade}
	}
	if req.Headers.Get("Sec-WebSocket-Version") != "13" {
		return nil, &HandshakeError{Status: http.StatusBadRequest, Err: ErrInvalidVersion}
	}
	key := req.Headers.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, &HandshakeError{Status: http.StatusBadRequest, Err: ErrMissingSecKey}
	}
	if e.CheckOrigin != nil && !e.CheckOrigin(req) {
		return nil, &HandshakeError{Status: http.StatusForbidden, Err: ErrOriginDenied}
	}

	subprotocol := negotiateSubprotocol(req.Headers, e.Subprotocols)
	accept := computeAcceptKey(key)

	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	buf.WriteString("Sec-WebSocket-Accept: " + accept + "\r\n")
	if subprotocol != "" {
		buf.WriteString("Sec-WebSocket-Protocol: " + subprotocol + "\r\n")
	}
	buf.WriteString("\r\n")

	return buf.Bytes(), nil
}

func computeAcceptKey(key string) string {
	h := sha1.New() //nolint:gosec // not used for cryptographic security
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func negotiateSubprotocol(headers http.Header, serverProtos []string) string {
	if len(serverProtos) == 0 {
		return ""
	}
	for _, clientProto := range strings.Split(headers.Get("Sec-WebSocket-Protocol"), ",") {
		clientProto = strings.TrimSpace(clientProto)
		for _, serverProto := range serverProtos {
			if clientProto == serverProto {
				return clientProto
			}
		}
	}
	return ""
}

func headerContainsToken(header, token string) bool {
	header = strings.ToLower(header)
	token = strings.ToLower(token)
	for _, h := range strings.Split(header, ",") {
		if strings.TrimSpace(h) == token {
			return true
		}
	}
	return false
}

// parsedRequest is an HTTP/1.1 request-line plus header block, decoded from
// an AddChannelRequest's encoded_handshake bytes (spec.md §4.3 step 5).
type parsedRequest struct {
	method, uri, version string
	headers              http.Header
}

// parseRequestText parses data as "METHOD URI VERSION\r\n" followed by an
// RFC 2616-style header block. It is used for both identity-encoded
// handshakes (the whole request) and delta-encoded ones (request-line plus
// override-only headers), independent of net/http's server-oriented request
// reader: these bytes never traverse a real net.Conn, they arrive already
// extracted from a control block (SPEC_FULL.md §4).
func parseRequestText(data []byte) (parsedRequest, error) {
	idx := bytes.Index(data, []byte("\r\n"))
	if idx < 0 {
		return parsedRequest{}, fmt.Errorf("mux: malformed request line")
	}
	requestLine := string(data[:idx])
	rest := data[idx+2:]

	words := strings.Fields(requestLine)
	if len(words) != 3 {
		return parsedRequest{}, fmt.Errorf("mux: bad request-line syntax %q", requestLine)
	}
	method, uri, version := words[0], words[1], words[2]
	if version != "HTTP/1.1" {
		return parsedRequest{}, fmt.Errorf("mux: bad request version %q", version)
	}

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(rest)))
	headers, err := tp.ReadMIMEHeader()
	if err != nil && len(headers) == 0 && !isBenignHeaderEOF(err) {
		return parsedRequest{}, fmt.Errorf("mux: bad headers: %w", err)
	}

	return parsedRequest{
		method:  method,
		uri:     uri,
		version: version,
		headers: http.Header(headers),
	}, nil
}

// isBenignHeaderEOF reports whether err is just ReadMIMEHeader reaching the
// end of a header block that had no trailing blank line, which is expected
// here since encoded_handshake is a byte string, not a socket stream.
func isBenignHeaderEOF(err error) bool {
	return err != nil && strings.Contains(err.Error(), "EOF")
}

// handshakeBase is the handshake-delta base (spec.md §3): the most recent
// fully identity-encoded opening handshake, used to resolve delta-encoded
// AddChannelRequests.
type handshakeBase struct {
	method, uri string
	headers     http.Header
}

// resolveDelta reconstructs an effective request from the base plus a
// delta's request-line and per-header overrides (spec.md §4.3 step 6): a
// header present in the delta with a non-empty value replaces the base's, a
// header present with an empty value removes it.
func resolveDelta(base handshakeBase, delta parsedRequest) parsedRequest {
	headers := base.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	for k, vs := range delta.headers {
		if len(vs) == 0 || vs[0] == "" {
			headers.Del(k)
			continue
		}
		headers[k] = vs
	}

	return parsedRequest{
		method:  delta.method,
		uri:     delta.uri,
		version: "HTTP/1.1",
		headers: headers,
	}
}
