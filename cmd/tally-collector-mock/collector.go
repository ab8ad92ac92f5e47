// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/clock"
	"github.com/bureau-foundation/tally/lib/netutil"
)

// collectorConfig holds the failure-injection knobs.
type collectorConfig struct {
	// AppKey, when set, makes requests for any other app key answer
	// with a negative result.
	AppKey string

	// Salt, when set, makes requests without a matching checksum256
	// fail with 400.
	Salt string

	// FailStatus is the status used for injected failures.
	FailStatus int
}

// receivedRequest is one accepted request as reported by /requests.
type receivedRequest struct {
	Method     string            `json:"method"`
	Compressed bool              `json:"compressed"`
	Params     map[string]string `json:"params"`
	Received   time.Time         `json:"received"`
}

// collector stores every request it acknowledged in memory.
type collector struct {
	config collectorConfig
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	received []receivedRequest
	failures int
	reject   int
}

func newCollector(config collectorConfig, clock clock.Clock, logger *zap.Logger) *collector {
	if config.FailStatus == 0 {
		config.FailStatus = http.StatusServiceUnavailable
	}
	return &collector{config: config, clock: clock, logger: logger}
}

func (c *collector) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/i", c.handleIngest)
	router.POST("/i", c.handleIngest)
	router.GET("/requests", c.handleList)
	router.DELETE("/requests", c.handleClear)
	router.POST("/inject", c.handleInject)
	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func (c *collector) handleIngest(ctx *gin.Context) {
	raw, compressed, err := readPayload(ctx.Request)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"result": "Error", "error": err.Error()})
		return
	}

	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		ctx.String(c.config.FailStatus, "injected failure")
		return
	}
	rejected := c.reject > 0
	if rejected {
		c.reject--
	}
	c.mu.Unlock()

	if rejected {
		ctx.JSON(http.StatusOK, gin.H{"result": "Rejected by injection"})
		return
	}

	if c.config.Salt != "" && !checksumValid(raw, c.config.Salt) {
		ctx.JSON(http.StatusBadRequest, gin.H{"result": "Request does not match checksum"})
		return
	}

	values, err := url.ParseQuery(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"result": "Error", "error": err.Error()})
		return
	}
	params := make(map[string]string, len(values))
	for key := range values {
		params[key] = values.Get(key)
	}
	if params["app_key"] == "" || params["device_id"] == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"result": "Missing parameter \"app_key\" or \"device_id\""})
		return
	}
	if c.config.AppKey != "" && params["app_key"] != c.config.AppKey {
		ctx.JSON(http.StatusOK, gin.H{"result": "App does not exist"})
		return
	}

	c.mu.Lock()
	c.received = append(c.received, receivedRequest{
		Method:     ctx.Request.Method,
		Compressed: compressed,
		Params:     params,
		Received:   c.clock.Now(),
	})
	c.mu.Unlock()

	c.logger.Debug("request accepted",
		zap.String("method", ctx.Request.Method),
		zap.String("device_id", params["device_id"]),
		zap.Int("params", len(params)))
	ctx.JSON(http.StatusOK, gin.H{"result": "Success"})
}

// readPayload returns the URL-encoded parameters: the query of a GET,
// the (possibly gzipped) body of a POST.
func readPayload(request *http.Request) (string, bool, error) {
	if request.Method == http.MethodGet {
		return request.URL.RawQuery, false, nil
	}

	var body io.Reader = request.Body
	compressed := strings.EqualFold(request.Header.Get("Content-Encoding"), "gzip")
	if compressed {
		reader, err := gzip.NewReader(request.Body)
		if err != nil {
			return "", true, err
		}
		defer reader.Close()
		body = reader
	}
	data, err := netutil.ReadResponse(body)
	if err != nil {
		return "", compressed, err
	}
	return string(data), compressed, nil
}

// checksumValid checks a trailing checksum256 against the rest of the
// encoded parameters.
func checksumValid(raw, salt string) bool {
	const marker = "&checksum256="
	index := strings.LastIndex(raw, marker)
	if index < 0 {
		return false
	}
	expected := sha256.Sum256([]byte(raw[:index] + salt))
	got, err := hex.DecodeString(raw[index+len(marker):])
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected[:], got) == 1
}

func (c *collector) handleList(ctx *gin.Context) {
	param := ctx.Query("param")

	c.mu.Lock()
	matched := make([]receivedRequest, 0, len(c.received))
	for _, received := range c.received {
		if param != "" {
			if _, ok := received.Params[param]; !ok {
				continue
			}
		}
		matched = append(matched, received)
	}
	c.mu.Unlock()

	ctx.JSON(http.StatusOK, gin.H{"requests": matched, "count": len(matched)})
}

func (c *collector) handleClear(ctx *gin.Context) {
	c.mu.Lock()
	c.received = nil
	c.mu.Unlock()
	ctx.Status(http.StatusNoContent)
}

// handleInject arms failures: ?fail=N answers the next N requests with
// the failure status, ?reject=N with a negative result.
func (c *collector) handleInject(ctx *gin.Context) {
	fail, err := queryCount(ctx, "fail")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reject, err := queryCount(ctx, "reject")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.mu.Lock()
	c.failures += fail
	c.reject += reject
	failures, rejects := c.failures, c.reject
	c.mu.Unlock()
	ctx.JSON(http.StatusOK, gin.H{"fail": failures, "reject": rejects})
}

func queryCount(ctx *gin.Context, name string) (int, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return 0, nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, raw)
	}
	return count, nil
}
