// Package actions holds the static read/write classification table.
package actions

import "sort"

const (
	ClassRead  = "read"
	ClassWrite = "write"
)

// Classifier answers whether an action mutates state. It is built once at
// startup and never changes; lookups are safe for concurrent use.
type Classifier struct {
	classes map[string]string
}

// New builds a Classifier from explicit read and write action lists. An action
// listed as write wins over a duplicate read listing.
func New(read, write []string) Classifier {
	classes := make(map[string]string, len(read)+len(write))
	for _, name := range read {
		if name != "" {
			classes[name] = ClassRead
		}
	}
	for _, name := range write {
		if name != "" {
			classes[name] = ClassWrite
		}
	}
	return Classifier{classes: classes}
}

// IsWrite reports whether actionName mutates state. Unclassified names are
// write: only an explicit read entry makes an action safe to execute
// immediately. The default branch is spelled out rather than relying on the
// map zero value so the fail-closed policy survives refactors.
func (c Classifier) IsWrite(actionName string) bool {
	switch c.classes[actionName] {
	case ClassRead:
		return false
	case ClassWrite:
		return true
	default:
		return true
	}
}

// Known reports whether actionName was explicitly classified.
func (c Classifier) Known(actionName string) bool {
	_, ok := c.classes[actionName]
	return ok
}

// Names returns all classified action names, sorted.
func (c Classifier) Names() []string {
	names := make([]string, 0, len(c.classes))
	for name := range c.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Class returns the classification for actionName, applying the fail-closed
// default for unknown names.
func (c Classifier) Class(actionName string) string {
	if c.IsWrite(actionName) {
		return ClassWrite
	}
	return ClassRead
}
