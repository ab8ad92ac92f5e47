// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O helpers for talking to the collector.
//
// Response helpers ([ReadResponse], [ErrorBody]) bound body reads at
// [MaxResponseSize]. Collector acknowledgements are a few bytes of JSON;
// the bound only stops a misbehaving proxy or captive portal from
// streaming an unbounded page into memory.
//
// [IsConnectivityError] classifies transport errors that mean the device
// is offline or the collector is unreachable, as opposed to errors the
// collector reported.
package netutil
