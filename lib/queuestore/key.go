// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package queuestore

import (
	"fmt"
	"strconv"
	"strings"
)

// Prefix partitions the record space.
type Prefix string

const (
	PrefixRequest Prefix = "request"
	PrefixCrash   Prefix = "crash"
	PrefixDID     Prefix = "did"
)

// Key addresses one record.
type Key struct {
	Prefix Prefix
	ID     int64
}

// String returns the record name, "<prefix>_<id>".
func (k Key) String() string {
	return fmt.Sprintf("%s_%d", k.Prefix, k.ID)
}

// legacyName is the "<prefix>-<id>" form written by earlier versions.
func (k Key) legacyName() string {
	return fmt.Sprintf("%s-%d", k.Prefix, k.ID)
}

// ParseName parses a record name in either form. legacy reports the
// "<prefix>-<id>" form.
func ParseName(name string) (key Key, legacy bool, ok bool) {
	separator := strings.LastIndexAny(name, "_-")
	if separator <= 0 || separator == len(name)-1 {
		return Key{}, false, false
	}
	id, err := strconv.ParseInt(name[separator+1:], 10, 64)
	if err != nil || id < 0 {
		return Key{}, false, false
	}
	return Key{Prefix: Prefix(name[:separator]), ID: id}, name[separator] == '-', true
}
