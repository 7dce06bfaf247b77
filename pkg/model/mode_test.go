package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for _, m := range AllModes() {
		parsed, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}

	_, err := ParseMode("merge")
	assert.Error(t, err, "mode names are case sensitive")
	_, err = ParseMode("")
	assert.Error(t, err)
}

func TestMode_Conflicting(t *testing.T) {
	assert.False(t, ModeRaw.Conflicting())
	assert.True(t, ModeMerge.Conflicting())
	assert.True(t, ModeDistinct.Conflicting())
	assert.True(t, ModeCommand.Conflicting())
	assert.False(t, Mode(0).IsValid())
}

func TestParseModeSet(t *testing.T) {
	tests := []struct {
		in      string
		want    []Mode
		wantErr bool
	}{
		{"", []Mode{}, false},
		{"MERGE", []Mode{ModeMerge}, false},
		{"MERGE,DISTINCT", []Mode{ModeMerge, ModeDistinct}, false},
		{"COMMAND, RAW", []Mode{ModeRaw, ModeCommand}, false},
		{"MERGE,,RAW", []Mode{ModeRaw, ModeMerge}, false},
		{"MERGE,BOGUS", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			set, err := ParseModeSet(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, set.Modes())
		})
	}
}

func TestMode_JSON(t *testing.T) {
	b, err := json.Marshal(TableInfo{WinIndex: 1, Mode: ModeCommand})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"mode":"COMMAND"`)

	var ti TableInfo
	require.NoError(t, json.Unmarshal(b, &ti))
	assert.Equal(t, ModeCommand, ti.Mode)
}
