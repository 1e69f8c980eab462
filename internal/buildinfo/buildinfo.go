// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import (
	"fmt"
	"runtime"
)

// Set via ldflags: -X github.com/plexguide/huntarr/internal/buildinfo.Version=...
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// UserAgent is sent with every upstream *arr request.
var UserAgent = fmt.Sprintf("huntarr/%s (%s %s)", Version, runtime.GOOS, runtime.GOARCH)
