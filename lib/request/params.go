// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package request

// Parameter names understood by the collector.
const (
	ParamAppKey          = "app_key"
	ParamAppVersion      = "app_version"
	ParamDeviceID        = "device_id"
	ParamOldDeviceID     = "old_device_id"
	ParamTimestamp       = "timestamp"
	ParamHour            = "hour"
	ParamDayOfWeek       = "dow"
	ParamTimezone        = "tz"
	ParamSDKName         = "sdk_name"
	ParamSDKVersion      = "sdk_version"
	ParamBeginSession    = "begin_session"
	ParamSessionDuration = "session_duration"
	ParamEndSession      = "end_session"
	ParamEvents          = "events"
	ParamUserDetails     = "user_details"
	ParamCrash           = "crash"
	ParamConsent         = "consent"
	ParamLocation        = "location"
	ParamAdvertisingID   = "aid"
	ParamTokenSession    = "token_session"
	ParamPushToken       = "push_token"
	ParamChecksum        = "checksum256"
)

// Params is a request's flat parameter set. Structured values (events,
// user details, crash reports) are JSON-encoded strings.
type Params map[string]string

// Clone returns an independent copy.
func (p Params) Clone() Params {
	clone := make(Params, len(p))
	for key, value := range p {
		clone[key] = value
	}
	return clone
}

// Merge copies every entry of other into p, overwriting duplicates.
func (p Params) Merge(other Params) {
	for key, value := range other {
		p[key] = value
	}
}
