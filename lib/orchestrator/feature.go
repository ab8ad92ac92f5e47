// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"
	"math/bits"
	"strings"
)

// Feature is a set of feature bits.
type Feature uint32

const (
	FeatureSessions Feature = 1 << iota
	FeatureEvents
	FeatureCrashes
	FeatureUserProfiles
	FeatureAttribution
	FeaturePush
	FeatureLocation

	// FeatureDeviceID and FeatureConsent are internal and always
	// enabled.
	FeatureDeviceID
	FeatureConsent
)

// ConsentFeatures can be switched by consent.
const ConsentFeatures = FeatureSessions | FeatureEvents | FeatureCrashes |
	FeatureUserProfiles | FeatureAttribution | FeaturePush | FeatureLocation

// InternalFeatures are always present and enabled.
const InternalFeatures = FeatureDeviceID | FeatureConsent

// AllFeatures is every known feature.
const AllFeatures = ConsentFeatures | InternalFeatures

var featureNames = map[Feature]string{
	FeatureSessions:     "sessions",
	FeatureEvents:       "events",
	FeatureCrashes:      "crashes",
	FeatureUserProfiles: "users",
	FeatureAttribution:  "attribution",
	FeaturePush:         "push",
	FeatureLocation:     "location",
	FeatureDeviceID:     "deviceid",
	FeatureConsent:      "consent",
}

// String returns the feature's name, or the names of a set joined by
// "|".
func (f Feature) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, single := range f.Split() {
		if name, ok := featureNames[single]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("Feature(%#x)", uint32(single)))
		}
	}
	return strings.Join(names, "|")
}

// Has reports whether every bit of other is set in f.
func (f Feature) Has(other Feature) bool {
	return f&other == other
}

// Single reports whether f is exactly one known feature.
func (f Feature) Single() bool {
	return bits.OnesCount32(uint32(f)) == 1 && AllFeatures.Has(f)
}

// Split returns the bits of f in ascending order.
func (f Feature) Split() []Feature {
	var features []Feature
	for remaining := uint32(f); remaining != 0; remaining &= remaining - 1 {
		features = append(features, Feature(remaining&-remaining))
	}
	return features
}

// ParseFeature resolves a consent name ("sessions", "events", ...).
func ParseFeature(name string) (Feature, error) {
	for feature, candidate := range featureNames {
		if candidate == name {
			return feature, nil
		}
	}
	return 0, fmt.Errorf("orchestrator: unknown feature %q", name)
}

// ParseFeatures resolves a list of consent names into a set.
func ParseFeatures(names []string) (Feature, error) {
	var set Feature
	for _, name := range names {
		feature, err := ParseFeature(name)
		if err != nil {
			return 0, err
		}
		set |= feature
	}
	return set, nil
}

// Names returns the names of the bits of f in ascending order.
func (f Feature) Names() []string {
	var names []string
	for _, single := range f.Split() {
		if name, ok := featureNames[single]; ok {
			names = append(names, name)
		}
	}
	return names
}
