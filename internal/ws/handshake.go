// Package ws implements the server side of the WebSocket protocol (RFC 6455)
// over a raw accepted connection: the one-shot upgrade handshake and an
// unmasked text-frame writer with control-frame handling.
package ws

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// magicGUID is appended to the client key before hashing.
const magicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const supportedVersion = "13"

// ErrHandshake matches every handshake failure.
var ErrHandshake = errors.New("ws: handshake failed")

// HandshakeError describes why an upgrade request was refused.
type HandshakeError struct {
	Status int // HTTP status written to the client, 0 if nothing was written
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ws: handshake failed: %s: %v", e.Reason, e.Err)
	}
	return "ws: handshake failed: " + e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrHandshake) true.
func (e *HandshakeError) Is(target error) bool { return target == ErrHandshake }

// Request summarizes an accepted upgrade request.
type Request struct {
	Path      string
	Host      string
	Origin    string
	UserAgent string
	Key       string
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.Sum([]byte(key + magicGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

// Handshake reads one upgrade request from br and answers it on w.
// On success the 101 response has been written and the caller owns a framed channel.
// On failure an HTTP error response is written when the request was readable;
// the caller must close the connection.
func Handshake(br *bufio.Reader, w io.Writer) (*Request, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, &HandshakeError{Reason: "read request", Err: err}
	}
	if req.Body != nil {
		req.Body.Close()
	}

	if req.Method != http.MethodGet {
		return nil, reject(w, http.StatusMethodNotAllowed, "method "+req.Method+" not allowed")
	}
	if !headerHasToken(req.Header, "Upgrade", "websocket") {
		return nil, reject(w, http.StatusBadRequest, "missing Upgrade: websocket")
	}
	if !headerHasToken(req.Header, "Connection", "upgrade") {
		return nil, reject(w, http.StatusBadRequest, "missing Connection: upgrade")
	}
	if v := req.Header.Get("Sec-WebSocket-Version"); v != "" && v != supportedVersion {
		return nil, rejectVersion(w, v)
	}

	key := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, reject(w, http.StatusBadRequest, "missing Sec-WebSocket-Key")
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return nil, reject(w, http.StatusBadRequest, "malformed Sec-WebSocket-Key")
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n"
	if _, err := io.WriteString(w, resp); err != nil {
		return nil, &HandshakeError{Reason: "write response", Err: err}
	}

	return &Request{
		Path:      req.URL.RequestURI(),
		Host:      req.Host,
		Origin:    req.Header.Get("Origin"),
		UserAgent: req.UserAgent(),
		Key:       key,
	}, nil
}

// headerHasToken reports whether a comma-separated header contains token (case-insensitive).
func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func reject(w io.Writer, status int, reason string) error {
	writeError(w, status, reason, "")
	return &HandshakeError{Status: status, Reason: reason}
}

func rejectVersion(w io.Writer, got string) error {
	reason := "unsupported version " + got
	writeError(w, http.StatusUpgradeRequired, reason, "Sec-WebSocket-Version: "+supportedVersion+"\r\n")
	return &HandshakeError{Status: http.StatusUpgradeRequired, Reason: reason}
}

func writeError(w io.Writer, status int, body, extra string) {
	// Best effort: the connection is closed right after.
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Type: text/plain; charset=utf-8\r\n%sContent-Length: %d\r\n\r\n%s",
		status, http.StatusText(status), extra, len(body), body)
}
