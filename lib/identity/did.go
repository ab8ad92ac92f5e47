// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import "fmt"

// Realm is what an identifier is for.
type Realm string

const (
	// RealmDeviceID is the primary device id carried by every request.
	RealmDeviceID Realm = "device_id"

	RealmPushToken     Realm = "push_token"
	RealmAdvertisingID Realm = "advertising_id"
)

// Realms lists every realm in record-id order.
var Realms = []Realm{RealmDeviceID, RealmPushToken, RealmAdvertisingID}

// recordID is the did record id for realm.
func recordID(realm Realm) (int64, bool) {
	for index, candidate := range Realms {
		if candidate == realm {
			return int64(index), true
		}
	}
	return 0, false
}

// Strategy is how an identifier was produced.
type Strategy string

const (
	StrategyUUID     Strategy = "uuid"
	StrategyPlatform Strategy = "platform"
	StrategyCustom   Strategy = "custom"

	// StrategyFallback marks a random UUID used because the preferred
	// strategy failed.
	StrategyFallback Strategy = "fallback"
)

// DID is an immutable device identity.
type DID struct {
	Realm    Realm    `cbor:"realm" json:"realm"`
	Strategy Strategy `cbor:"strategy" json:"strategy"`
	ID       string   `cbor:"id" json:"id"`
}

func (d DID) String() string {
	return fmt.Sprintf("%s:%s(%s)", d.Realm, d.ID, d.Strategy)
}

// State is a realm's resolution state.
type State int

const (
	Unresolved State = iota
	Resolving
	Resolved
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Resolving:
		return "resolving"
	case Resolved:
		return "resolved"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
