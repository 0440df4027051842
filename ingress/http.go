package ingress

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/wiretun/wiretun/addr"
)

func acceptHTTP(bc *bufferedConn, basicAuth string) (*Request, error) {
	req, err := http.ReadRequest(bc.r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedProtocol, err)
	}

	if basicAuth != "" && !constantTimeEqual(proxyCredential(req), basicAuth) {
		_, _ = bc.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"wiretun\"\r\nConnection: close\r\n\r\n"))
		return nil, ErrUnauthorized
	}

	if req.Method == http.MethodConnect {
		return acceptHTTPConnect(bc, req)
	}
	return acceptHTTPAbsoluteForm(bc, req)
}

// proxyCredential returns the raw "Basic ..." credential an HTTP
// forward-proxy client presented, preferring Proxy-Authorization (the
// header proxy-aware clients send alongside CONNECT) and falling back
// to Authorization for clients that send that instead.
func proxyCredential(req *http.Request) string {
	if v := req.Header.Get("Proxy-Authorization"); v != "" {
		return v
	}
	return req.Header.Get("Authorization")
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func acceptHTTPConnect(bc *bufferedConn, req *http.Request) (*Request, error) {
	dst, err := addr.Parse(req.Host)
	if err != nil {
		dst, err = addr.New(req.Host, 80)
		if err != nil {
			return nil, fmt.Errorf("ingress: http connect target %q: %w", req.Host, err)
		}
	}

	out := &Request{Dst: dst, conn: bc}
	out.grant = func(net.Addr) error {
		_, err := bc.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
		return err
	}
	out.reject = func(bool) error {
		_, err := bc.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return err
	}
	return out, nil
}

// acceptHTTPAbsoluteForm handles a plain GET/POST whose request line
// carries an absolute URL (the client treats this ingress as a
// forward proxy rather than issuing CONNECT first). The request is
// fully buffered and re-serialized into InitialData so the caller can
// replay it as the first bytes sent to the upstream once a tunnel is
// granted.
func acceptHTTPAbsoluteForm(bc *bufferedConn, req *http.Request) (*Request, error) {
	if req.URL.Host == "" {
		return nil, fmt.Errorf("%w: relative-form HTTP request without CONNECT", ErrUnsupportedProtocol)
	}

	port := req.URL.Port()
	if port == "" {
		port = "80"
	}
	portN, err := strconv.Atoi(port)
	if err != nil {
		portN = 80
	}
	dst, err := addr.New(req.URL.Hostname(), portN)
	if err != nil {
		return nil, fmt.Errorf("ingress: http absolute-form target: %w", err)
	}

	var raw bytes.Buffer
	req.URL.Opaque = ""
	if err := req.Write(&raw); err != nil {
		return nil, fmt.Errorf("ingress: re-serializing absolute-form request: %w", err)
	}

	out := &Request{Dst: dst, conn: bc, InitialData: raw.Bytes()}
	out.grant = func(net.Addr) error { return nil } // response streamed back by the bridge verbatim
	out.reject = func(bool) error {
		_, err := bc.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return err
	}
	return out, nil
}
