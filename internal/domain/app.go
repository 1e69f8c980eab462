// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"strings"
)

// BaseApp is the canonical key for an *arr application. Configuration, cycle
// state and rate-limit counters are all stored per BaseApp.
type BaseApp string

const (
	AppSonarr   BaseApp = "sonarr"
	AppRadarr   BaseApp = "radarr"
	AppLidarr   BaseApp = "lidarr"
	AppReadarr  BaseApp = "readarr"
	AppWhisparr BaseApp = "whisparr"
	AppEros     BaseApp = "eros"
)

// ScopeAll addresses every instance of an app.
const ScopeAll = "all"

// GlobalTarget is the schedule target sentinel that fans out to every app.
const GlobalTarget = "global"

// AllApps lists every supported base app in display order.
var AllApps = []BaseApp{AppSonarr, AppRadarr, AppLidarr, AppReadarr, AppWhisparr, AppEros}

func (a BaseApp) String() string {
	return string(a)
}

// Valid reports whether a is one of the supported base apps.
func (a BaseApp) Valid() bool {
	for _, known := range AllApps {
		if a == known {
			return true
		}
	}
	return false
}

// ParseBaseApp validates a bare app name. Scoped identifiers are rejected; use
// ParseAppIdentity for those.
func ParseBaseApp(name string) (BaseApp, error) {
	app := BaseApp(strings.ToLower(strings.TrimSpace(name)))
	if !app.Valid() {
		return "", &ConfigurationError{App: name, Reason: ErrUnknownApp}
	}
	return app, nil
}

// AppIdentity addresses an app as supplied by a caller. Raw keeps the original
// identifier for logs and history while Base is what stores are keyed on.
type AppIdentity struct {
	Base  BaseApp `json:"base"`
	Scope string  `json:"scope,omitempty"`
	Raw   string  `json:"raw"`
}

// ParseAppIdentity decomposes identifiers such as "radarr", "radarr-all" or
// "sonarr-instance1" into a base app and an optional scope. Everything after
// the first dash is the scope, so instance names may contain dashes.
func ParseAppIdentity(raw string) (AppIdentity, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return AppIdentity{}, &ConfigurationError{App: raw, Reason: ErrUnknownApp}
	}

	basePart, scope, _ := strings.Cut(normalized, "-")
	base := BaseApp(basePart)
	if !base.Valid() {
		return AppIdentity{}, &ConfigurationError{App: raw, Reason: ErrUnknownApp}
	}

	return AppIdentity{
		Base:  base,
		Scope: strings.TrimSpace(scope),
		Raw:   strings.TrimSpace(raw),
	}, nil
}

// IsAllScope reports whether the identity targets every instance.
func (id AppIdentity) IsAllScope() bool {
	return id.Scope == "" || id.Scope == ScopeAll
}

func (id AppIdentity) String() string {
	if id.Raw != "" {
		return id.Raw
	}
	return id.Base.String()
}

// Target is a resolved schedule or admin target: either the global sentinel
// or a single app identity.
type Target struct {
	Global   bool
	Identity AppIdentity
	Raw      string
}

// ParseTarget resolves a target string, accepting the "global" sentinel.
func ParseTarget(raw string) (Target, error) {
	if strings.EqualFold(strings.TrimSpace(raw), GlobalTarget) {
		return Target{Global: true, Raw: strings.TrimSpace(raw)}, nil
	}
	identity, err := ParseAppIdentity(raw)
	if err != nil {
		return Target{}, err
	}
	return Target{Identity: identity, Raw: identity.Raw}, nil
}
