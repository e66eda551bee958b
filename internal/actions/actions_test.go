package actions_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"clawgate/internal/actions"
)

func newClassifier() actions.Classifier {
	return actions.New(
		[]string{"read_file", "list_files", "get_status"},
		[]string{"send_email", "delete_file"},
	)
}

func TestReadActions(t *testing.T) {
	c := newClassifier()
	for _, name := range []string{"read_file", "list_files", "get_status"} {
		assert.False(t, c.IsWrite(name), name)
		assert.True(t, c.Known(name), name)
		assert.Equal(t, actions.ClassRead, c.Class(name))
	}
}

func TestWriteActions(t *testing.T) {
	c := newClassifier()
	for _, name := range []string{"send_email", "delete_file"} {
		assert.True(t, c.IsWrite(name), name)
		assert.True(t, c.Known(name), name)
		assert.Equal(t, actions.ClassWrite, c.Class(name))
	}
}

func TestUnknownActionTreatedAsWrite(t *testing.T) {
	c := newClassifier()
	for _, name := range []string{"launch_rocket", "", "READ_FILE"} {
		assert.True(t, c.IsWrite(name), "unknown %q must fail closed", name)
		assert.False(t, c.Known(name), name)
		assert.Equal(t, actions.ClassWrite, c.Class(name))
	}
}

func TestWriteWinsDoubleClassification(t *testing.T) {
	c := actions.New([]string{"sync"}, []string{"sync"})
	assert.True(t, c.IsWrite("sync"))
}

func TestNamesSorted(t *testing.T) {
	c := newClassifier()
	assert.Equal(t, []string{"delete_file", "get_status", "list_files", "read_file", "send_email"}, c.Names())
}
