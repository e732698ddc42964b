package main

import (
	"fmt"

	"github.com/blang/semver"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

func versionString() string {
	v, err := semver.Parse(Version)
	if err != nil {
		return fmt.Sprintf("%s (unknown)", Version)
	}
	if len(v.Pre) > 0 {
		return fmt.Sprintf("%s (pre-release)", v)
	}
	return v.String()
}
