// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/clock"
	"github.com/bureau-foundation/tally/lib/config"
	"github.com/bureau-foundation/tally/lib/queuestore"
	"github.com/bureau-foundation/tally/lib/request"
	"github.com/bureau-foundation/tally/lib/testutil"
	"github.com/bureau-foundation/tally/lib/version"
)

// received is what the collector stub saw of one call.
type received struct {
	method          string
	path            string
	query           string
	body            string
	contentEncoding string
	userAgent       string
}

type collectorStub struct {
	mu       sync.Mutex
	received []received
	answer   string
	status   int
}

func (c *collectorStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gzipReader, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer gzipReader.Close()
		reader = gzipReader
	}
	body, _ := io.ReadAll(reader)

	c.mu.Lock()
	c.received = append(c.received, received{
		method:          r.Method,
		path:            r.URL.Path,
		query:           r.URL.RawQuery,
		body:            string(body),
		contentEncoding: r.Header.Get("Content-Encoding"),
		userAgent:       r.Header.Get("User-Agent"),
	})
	answer, status := c.answer, c.status
	c.mu.Unlock()

	if answer == "" {
		answer = `{"result":"Success"}`
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, answer)
}

func (c *collectorStub) calls() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]received(nil), c.received...)
}

func sampleCall() Call {
	req := &request.Request{ID: 1, Params: request.Params{
		request.ParamAppKey:   "app",
		request.ParamDeviceID: "device 1",
		request.ParamEvents:   `[{"key":"launch","count":1}]`,
	}}
	return Call{RequestID: req.ID, Query: req.Query("")}
}

func TestHTTPTransportGet(t *testing.T) {
	stub := &collectorStub{}
	server := httptest.NewServer(stub)
	defer server.Close()

	transport, err := NewHTTPTransport(HTTPTransportConfig{ServerURL: server.URL + "/"})
	require.NoError(t, err)

	call := sampleCall()
	response, err := transport.Send(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.NoError(t, checkResponse(response))

	calls := stub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodGet, calls[0].method)
	assert.Equal(t, EndpointPath, calls[0].path)
	assert.Equal(t, call.Query, calls[0].query)
	assert.Equal(t, version.UserAgent(), calls[0].userAgent)
}

func TestHTTPTransportPost(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "gzip"}[compress], func(t *testing.T) {
			stub := &collectorStub{}
			server := httptest.NewServer(stub)
			defer server.Close()

			transport, err := NewHTTPTransport(HTTPTransportConfig{
				ServerURL: server.URL,
				UsePost:   true,
				Compress:  compress,
			})
			require.NoError(t, err)

			call := sampleCall()
			_, err = transport.Send(context.Background(), call)
			require.NoError(t, err)

			calls := stub.calls()
			require.Len(t, calls, 1)
			assert.Equal(t, http.MethodPost, calls[0].method)
			assert.Empty(t, calls[0].query)
			assert.Equal(t, call.Query, calls[0].body)
			if compress {
				assert.Equal(t, "gzip", calls[0].contentEncoding)
			} else {
				assert.Empty(t, calls[0].contentEncoding)
			}

			form, err := url.ParseQuery(calls[0].body)
			require.NoError(t, err)
			assert.Equal(t, "device 1", form.Get(request.ParamDeviceID))
		})
	}
}

func TestHTTPTransportReturnsErrorStatuses(t *testing.T) {
	stub := &collectorStub{status: http.StatusServiceUnavailable, answer: "maintenance"}
	server := httptest.NewServer(stub)
	defer server.Close()

	transport, err := NewHTTPTransport(HTTPTransportConfig{ServerURL: server.URL})
	require.NoError(t, err)

	response, err := transport.Send(context.Background(), sampleCall())
	require.NoError(t, err, "a completed call is not a transport error")
	assert.Equal(t, http.StatusServiceUnavailable, response.StatusCode)

	var deliveryErr *Error
	require.True(t, errors.As(checkResponse(response), &deliveryErr))
	assert.Equal(t, KindStatus, deliveryErr.Kind)
	assert.Contains(t, deliveryErr.Body, "maintenance")
}

func TestHTTPTransportNetworkError(t *testing.T) {
	server := httptest.NewServer(&collectorStub{})
	serverURL := server.URL
	server.Close()

	transport, err := NewHTTPTransport(HTTPTransportConfig{ServerURL: serverURL, ConnectTimeout: time.Second})
	require.NoError(t, err)

	_, err = transport.Send(context.Background(), sampleCall())
	var deliveryErr *Error
	require.True(t, errors.As(err, &deliveryErr), "Send = %v", err)
	assert.Equal(t, KindNetwork, deliveryErr.Kind)
}

func pinOf(certificate *x509.Certificate) string {
	digest := sha256.Sum256(certificate.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(digest[:])
}

func TestHTTPTransportPinning(t *testing.T) {
	server := httptest.NewTLSServer(&collectorStub{})
	defer server.Close()

	roots := x509.NewCertPool()
	roots.AddCert(server.Certificate())
	base := &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}

	otherDigest := sha256.Sum256([]byte("some other key"))
	otherPin := base64.StdEncoding.EncodeToString(otherDigest[:])

	tests := []struct {
		name    string
		pins    []string
		succeed bool
	}{
		{"no pins", nil, true},
		{"matching pin", []string{otherPin, pinOf(server.Certificate())}, true},
		{"mismatched pin", []string{otherPin}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			transport, err := NewHTTPTransport(HTTPTransportConfig{
				ServerURL: server.URL,
				Pins:      test.pins,
				TLSConfig: base,
			})
			require.NoError(t, err)

			_, err = transport.Send(context.Background(), sampleCall())
			if test.succeed {
				assert.NoError(t, err)
				return
			}
			var deliveryErr *Error
			require.True(t, errors.As(err, &deliveryErr), "Send = %v", err)
			assert.Equal(t, KindNetwork, deliveryErr.Kind)
			assert.ErrorContains(t, err, "does not match any pin")
		})
	}
}

func TestNewHTTPTransportValidates(t *testing.T) {
	_, err := NewHTTPTransport(HTTPTransportConfig{})
	assert.Error(t, err)

	_, err = NewHTTPTransport(HTTPTransportConfig{ServerURL: "https://c.example.com", Pins: []string{"not-base64!"}})
	assert.ErrorContains(t, err, "not a base64 SHA-256 digest")

	short := base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = NewHTTPTransport(HTTPTransportConfig{ServerURL: "https://c.example.com", Pins: []string{short}})
	assert.Error(t, err)
}

func TestTransportConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.ServerURL = "https://collector.example.com"
	cfg.UsePost = true
	cfg.CompressRequests = true
	cfg.ConnectTimeoutSeconds = 5
	cfg.ReadTimeoutSeconds = 7

	transportConfig := TransportConfigFrom(cfg)
	assert.Equal(t, "https://collector.example.com", transportConfig.ServerURL)
	assert.True(t, transportConfig.UsePost)
	assert.True(t, transportConfig.Compress)
	assert.Equal(t, 5*time.Second, transportConfig.ConnectTimeout)
	assert.Equal(t, 7*time.Second, transportConfig.ReadTimeout)
}

func TestEngineDeliversOverHTTP(t *testing.T) {
	stub := &collectorStub{}
	server := httptest.NewServer(stub)
	defer server.Close()

	transport, err := NewHTTPTransport(HTTPTransportConfig{ServerURL: server.URL, UsePost: true, Compress: true})
	require.NoError(t, err)
	store, err := queuestore.NewFileStore(queuestore.FileConfig{Directory: t.TempDir(), Logger: zap.NewNop()})
	require.NoError(t, err)
	defer store.Close()

	engine, err := New(Config{Store: store, Transport: transport, Clock: clock.Fake(epoch), Salt: "pepper"})
	require.NoError(t, err)
	defer engine.Stop(context.Background())

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		req := &request.Request{ID: epoch.Add(time.Duration(i) * time.Second).UnixNano(), Params: request.Params{
			request.ParamAppKey:   "app",
			request.ParamDeviceID: "device",
		}}
		data, err := req.Marshal()
		require.NoError(t, err)
		_, err = store.Insert(ctx, queuestore.PrefixRequest, req.ID, data)
		require.NoError(t, err)
	}

	engine.Tick()
	testutil.RequireEventually(t, func() bool {
		ids, err := store.List(ctx, queuestore.PrefixRequest, 0)
		return err == nil && len(ids) == 0
	}, 5*time.Second, "queue never drained")

	calls := stub.calls()
	require.Len(t, calls, 3)
	for _, call := range calls {
		form, err := url.ParseQuery(call.body)
		require.NoError(t, err)
		assert.Len(t, form.Get(request.ParamChecksum), 64)
	}
}
