// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/clock"
)

const sampleQuery = "app_key=app&device_id=d1&events=%5B%5D"

func newTestCollector(config collectorConfig) *collector {
	gin.SetMode(gin.TestMode)
	return newCollector(config, clock.Fake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)), zap.NewNop())
}

func serve(c *collector, request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	c.routes().ServeHTTP(recorder, request)
	return recorder
}

func result(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var answer struct {
		Result string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &answer), "body %q", recorder.Body.String())
	return answer.Result
}

func listed(t *testing.T, c *collector, param string) []receivedRequest {
	t.Helper()
	target := "/requests"
	if param != "" {
		target += "?param=" + param
	}
	recorder := serve(c, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	var answer struct {
		Requests []receivedRequest `json:"requests"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &answer))
	assert.Equal(t, len(answer.Requests), answer.Count)
	return answer.Requests
}

func TestIngestGet(t *testing.T) {
	c := newTestCollector(collectorConfig{})
	recorder := serve(c, httptest.NewRequest(http.MethodGet, "/i?"+sampleQuery, nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "Success", result(t, recorder))

	requests := listed(t, c, "")
	require.Len(t, requests, 1)
	assert.Equal(t, http.MethodGet, requests[0].Method)
	assert.Equal(t, "d1", requests[0].Params["device_id"])
	assert.Equal(t, "[]", requests[0].Params["events"])
}

func TestIngestGzipPost(t *testing.T) {
	c := newTestCollector(collectorConfig{})

	var body bytes.Buffer
	writer := gzip.NewWriter(&body)
	_, err := writer.Write([]byte(sampleQuery))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	request := httptest.NewRequest(http.MethodPost, "/i", &body)
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Content-Encoding", "gzip")
	recorder := serve(c, request)

	assert.Equal(t, "Success", result(t, recorder))
	requests := listed(t, c, "events")
	require.Len(t, requests, 1)
	assert.True(t, requests[0].Compressed)
	assert.Empty(t, listed(t, c, "crash"))
}

func TestIngestRequiresIdentity(t *testing.T) {
	c := newTestCollector(collectorConfig{})
	recorder := serve(c, httptest.NewRequest(http.MethodGet, "/i?app_key=app", nil))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Empty(t, listed(t, c, ""))
}

func TestIngestWrongAppKey(t *testing.T) {
	c := newTestCollector(collectorConfig{AppKey: "other"})
	recorder := serve(c, httptest.NewRequest(http.MethodGet, "/i?"+sampleQuery, nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.NotEqual(t, "Success", result(t, recorder))
}

func TestIngestChecksum(t *testing.T) {
	c := newTestCollector(collectorConfig{Salt: "pepper"})
	digest := sha256.Sum256([]byte(sampleQuery + "pepper"))
	valid := sampleQuery + "&checksum256=" + hex.EncodeToString(digest[:])

	assert.Equal(t, http.StatusOK, serve(c, httptest.NewRequest(http.MethodGet, "/i?"+valid, nil)).Code)
	assert.Equal(t, http.StatusBadRequest, serve(c, httptest.NewRequest(http.MethodGet, "/i?"+sampleQuery, nil)).Code)
	tampered := strings.Replace(valid, "d1", "d2", 1)
	assert.Equal(t, http.StatusBadRequest, serve(c, httptest.NewRequest(http.MethodGet, "/i?"+tampered, nil)).Code)
	assert.Len(t, listed(t, c, ""), 1)
}

func TestInjectedFailures(t *testing.T) {
	c := newTestCollector(collectorConfig{FailStatus: http.StatusBadGateway})
	recorder := serve(c, httptest.NewRequest(http.MethodPost, "/inject?fail=1&reject=1", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	ingest := func() *httptest.ResponseRecorder {
		return serve(c, httptest.NewRequest(http.MethodGet, "/i?"+sampleQuery, nil))
	}
	assert.Equal(t, http.StatusBadGateway, ingest().Code)
	rejected := ingest()
	assert.Equal(t, http.StatusOK, rejected.Code)
	assert.NotEqual(t, "Success", result(t, rejected))
	assert.Equal(t, "Success", result(t, ingest()))
	assert.Len(t, listed(t, c, ""), 1)

	bad := serve(c, httptest.NewRequest(http.MethodPost, "/inject?fail=-2", nil))
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestClearRequests(t *testing.T) {
	c := newTestCollector(collectorConfig{})
	serve(c, httptest.NewRequest(http.MethodGet, "/i?"+sampleQuery, nil))
	require.Len(t, listed(t, c, ""), 1)

	recorder := serve(c, httptest.NewRequest(http.MethodDelete, "/requests", nil))
	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Empty(t, listed(t, c, ""))
}
