package bbcount

import (
	"strings"

	"github.com/acidghost/uberfuzz/host"
)

const libcName = "libc."

// ParseLibraryList splits a comma-separated list of module name substrings.
// Empty elements are dropped since they would match every module.
func ParseLibraryList(s string) []string {
	var libs []string
	for _, l := range strings.Split(s, ",") {
		l = strings.TrimSpace(l)
		if l != "" {
			libs = append(libs, l)
		}
	}
	return libs
}

// A Classifier decides at image-load time which modules are monitored.
type Classifier struct {
	regions     *RegionSet
	monitorLibc bool
	libraries   []string
}

// NewClassifier returns a classifier that extends regions. The main
// executable is always monitored; libc only if monitorLibc is set; any other
// module if its name contains one of the library substrings.
func NewClassifier(regions *RegionSet, monitorLibc bool, libraries []string) *Classifier {
	libs := make([]string, len(libraries))
	copy(libs, libraries)
	return &Classifier{
		regions:     regions,
		monitorLibc: monitorLibc,
		libraries:   libs,
	}
}

// Monitored reports whether m should be added to the region set.
func (c *Classifier) Monitored(m host.Module) bool {
	if m.Main {
		return true
	}
	if c.monitorLibc && strings.Contains(m.Name, libcName) {
		return true
	}
	for _, lib := range c.libraries {
		if strings.Contains(m.Name, lib) {
			return true
		}
	}
	return false
}

// OnModuleLoaded adds the module's range to the region set if it is
// monitored, and returns whether it was added.
func (c *Classifier) OnModuleLoaded(m host.Module) bool {
	if !c.Monitored(m) {
		logger.Debugf("ignoring module %s 0x%x-0x%x", m.Name, m.Low, m.High)
		return false
	}
	logger.WithField("main", m.Main).Debugf("monitoring module %s 0x%x-0x%x", m.Name, m.Low, m.High)
	c.regions.Add(AddressRange{
		Low:  m.Low,
		High: m.High,
		Name: m.Name,
	})
	return true
}
