package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullSubject(t *testing.T) {
	tests := []struct {
		prefix, subject, want string
	}{
		{"", "item1", "item1"},
		{"items", "item1", "items.item1"},
		{"a.b", "c", "a.b.c"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FullSubject(tt.prefix, tt.subject))
	}
}

func TestStreamSubjects(t *testing.T) {
	assert.Equal(t, ">", StreamSubjects(""))
	assert.Equal(t, "ITEMS.>", StreamSubjects("ITEMS"))
}
