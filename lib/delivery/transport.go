// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/bureau-foundation/tally/lib/config"
	"github.com/bureau-foundation/tally/lib/netutil"
	"github.com/bureau-foundation/tally/lib/version"
)

// EndpointPath is the collector's ingestion path under the server URL.
const EndpointPath = "/i"

// Call is one request as it goes on the wire.
type Call struct {
	RequestID int64

	// Query is the URL-encoded parameter set, checksum included.
	Query string
}

// Response is the collector's answer.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport sends calls to the collector. A returned error means the
// call did not complete; Response carries every completed call,
// whatever its status.
type Transport interface {
	Send(ctx context.Context, call Call) (Response, error)
}

// HTTPTransportConfig configures an HTTPTransport.
type HTTPTransportConfig struct {
	// ServerURL is the collector base URL.
	ServerURL string

	// UsePost sends parameters as a form body instead of the query.
	UsePost bool

	// Compress gzips POST bodies.
	Compress bool

	// ConnectTimeout bounds dialing and the TLS handshake; ReadTimeout
	// bounds the wait for response headers. Zero means no limit.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Pins are base64 SHA-256 digests of acceptable server public keys
	// (SubjectPublicKeyInfo). Empty disables pinning.
	Pins []string

	// TLSConfig is cloned as the base TLS configuration. Optional.
	TLSConfig *tls.Config
}

// TransportConfigFrom maps the agent configuration onto a transport
// configuration.
func TransportConfigFrom(cfg *config.Config) HTTPTransportConfig {
	return HTTPTransportConfig{
		ServerURL:      cfg.ServerURL,
		UsePost:        cfg.UsePost,
		Compress:       cfg.CompressRequests,
		ConnectTimeout: cfg.ConnectTimeout(),
		ReadTimeout:    cfg.ReadTimeout(),
		Pins:           cfg.PinnedPublicKeys,
	}
}

// HTTPTransport sends calls over HTTP(S).
type HTTPTransport struct {
	endpoint string
	usePost  bool
	compress bool
	client   *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport builds a transport with its own connection pool.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("delivery: ServerURL is required")
	}

	var tlsConfig *tls.Config
	if cfg.TLSConfig != nil {
		tlsConfig = cfg.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if len(cfg.Pins) > 0 {
		pins, err := decodePins(cfg.Pins)
		if err != nil {
			return nil, err
		}
		tlsConfig.VerifyConnection = verifyPins(pins)
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          2,
		IdleConnTimeout:       90 * time.Second,
	}

	return &HTTPTransport{
		endpoint: strings.TrimRight(cfg.ServerURL, "/") + EndpointPath,
		usePost:  cfg.UsePost,
		compress: cfg.Compress,
		client:   &http.Client{Transport: transport},
	}, nil
}

// Send performs one call. The response body is read up to
// netutil.MaxResponseSize.
func (t *HTTPTransport) Send(ctx context.Context, call Call) (Response, error) {
	httpRequest, err := t.newRequest(ctx, call)
	if err != nil {
		return Response{}, &Error{Kind: KindNetwork, Err: err}
	}

	httpResponse, err := t.client.Do(httpRequest)
	if err != nil {
		return Response{}, &Error{Kind: KindNetwork, Err: err}
	}
	defer httpResponse.Body.Close()

	body, err := netutil.ReadResponse(httpResponse.Body)
	if err != nil {
		return Response{}, &Error{Kind: KindNetwork, Err: fmt.Errorf("reading response: %w", err)}
	}
	return Response{StatusCode: httpResponse.StatusCode, Body: body}, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, call Call) (*http.Request, error) {
	if !t.usePost {
		httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?"+call.Query, nil)
		if err != nil {
			return nil, err
		}
		httpRequest.Header.Set("User-Agent", version.UserAgent())
		return httpRequest, nil
	}

	var body io.Reader = strings.NewReader(call.Query)
	if t.compress {
		var buffer bytes.Buffer
		writer := gzip.NewWriter(&buffer)
		if _, err := writer.Write([]byte(call.Query)); err != nil {
			return nil, fmt.Errorf("compressing body: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("compressing body: %w", err)
		}
		body = &buffer
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, body)
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpRequest.Header.Set("User-Agent", version.UserAgent())
	if t.compress {
		httpRequest.Header.Set("Content-Encoding", "gzip")
	}
	return httpRequest, nil
}

func decodePins(encoded []string) ([][]byte, error) {
	pins := make([][]byte, 0, len(encoded))
	for _, pin := range encoded {
		digest, err := base64.StdEncoding.DecodeString(pin)
		if err != nil || len(digest) != sha256.Size {
			return nil, fmt.Errorf("delivery: pin %q is not a base64 SHA-256 digest", pin)
		}
		pins = append(pins, digest)
	}
	return pins, nil
}

// verifyPins accepts a connection when any certificate in the peer's
// chain has a pinned public key. It runs after normal chain
// verification.
func verifyPins(pins [][]byte) func(tls.ConnectionState) error {
	return func(state tls.ConnectionState) error {
		for _, certificate := range state.PeerCertificates {
			digest := sha256.Sum256(certificate.RawSubjectPublicKeyInfo)
			for _, pin := range pins {
				if subtle.ConstantTimeCompare(digest[:], pin) == 1 {
					return nil
				}
			}
		}
		return errors.New("delivery: server public key does not match any pin")
	}
}

// checkResponse accepts 2xx responses whose JSON result is "success".
func checkResponse(response Response) error {
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &Error{
			Kind:       KindStatus,
			StatusCode: response.StatusCode,
			Body:       netutil.ErrorBody(bytes.NewReader(response.Body)),
		}
	}
	var answer struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(response.Body, &answer); err != nil {
		return &Error{
			Kind:       KindResponse,
			StatusCode: response.StatusCode,
			Body:       netutil.ErrorBody(bytes.NewReader(response.Body)),
			Err:        err,
		}
	}
	if !strings.EqualFold(answer.Result, "success") {
		return &Error{
			Kind:       KindRejected,
			StatusCode: response.StatusCode,
			Body:       netutil.ErrorBody(bytes.NewReader(response.Body)),
			Err:        ErrRejected,
		}
	}
	return nil
}
