// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package modules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/tally/lib/orchestrator"
	"github.com/bureau-foundation/tally/lib/request"
)

// paramFeatures maps data parameters to the feature whose consent they
// need.
var paramFeatures = map[string]orchestrator.Feature{
	request.ParamBeginSession:    orchestrator.FeatureSessions,
	request.ParamSessionDuration: orchestrator.FeatureSessions,
	request.ParamEndSession:      orchestrator.FeatureSessions,
	request.ParamEvents:          orchestrator.FeatureEvents,
	request.ParamCrash:           orchestrator.FeatureCrashes,
	request.ParamUserDetails:     orchestrator.FeatureUserProfiles,
	request.ParamAdvertisingID:   orchestrator.FeatureAttribution,
	request.ParamTokenSession:    orchestrator.FeaturePush,
	request.ParamPushToken:       orchestrator.FeaturePush,
	request.ParamLocation:        orchestrator.FeatureLocation,
}

// Consent reports consent changes to the collector and vetoes queued
// requests carrying data whose consent has since been revoked.
type Consent struct {
	orchestrator.Base
	host orchestrator.Host
}

// NewConsent is the consent factory.
func NewConsent(host orchestrator.Host) (orchestrator.Module, error) {
	return &Consent{host: host}, nil
}

func (c *Consent) Feature() orchestrator.Feature { return orchestrator.FeatureConsent }

// OnContextAcquired reports the full consent state when consent is
// required.
func (c *Consent) OnContextAcquired(ctx context.Context, host orchestrator.Host) error {
	if !host.Config().RequireConsent {
		return nil
	}
	state := map[string]bool{}
	for _, feature := range orchestrator.ConsentFeatures.Split() {
		state[feature.String()] = host.Enabled(feature)
	}
	return c.enqueue(ctx, state)
}

func (c *Consent) OnConsentChanged(ctx context.Context, changed orchestrator.Feature, granted bool) error {
	state := map[string]bool{}
	for _, name := range changed.Names() {
		state[name] = granted
	}
	return c.enqueue(ctx, state)
}

func (c *Consent) enqueue(ctx context.Context, state map[string]bool) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding consent: %w", err)
	}
	return c.host.Enqueue(ctx, c.host.NewRequest(request.Params{request.ParamConsent: string(data)}))
}

// OnRequest drops requests with data of a feature that is no longer
// consented. Consent reports themselves always go out.
func (c *Consent) OnRequest(_ context.Context, req *request.Request) orchestrator.Vote {
	if _, ok := req.Params[request.ParamConsent]; ok {
		return orchestrator.VoteAbstain
	}
	for param := range req.Params {
		if feature, ok := paramFeatures[param]; ok && !c.host.Enabled(feature) {
			return orchestrator.VoteDrop
		}
	}
	return orchestrator.VoteAbstain
}
