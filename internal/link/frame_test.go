// SPDX-License-Identifier: MIT

package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameHeartbeat(t *testing.T) {
	f, err := ParseFrame("P,0,ALIVE")
	require.NoError(t, err)
	assert.Equal(t, FrameHeartbeat, f.Kind)
	assert.Equal(t, "P,0,ALIVE", f.Raw)
}

func TestParseFrameResponse(t *testing.T) {
	f, err := ParseFrame("R,0,OK")
	require.NoError(t, err)
	assert.Equal(t, FrameResponse, f.Kind)
	assert.Equal(t, 0, f.Code)
	assert.Equal(t, "OK", f.Msg)

	f, err = ParseFrame("R,1,ARGS")
	require.NoError(t, err)
	assert.Equal(t, 1, f.Code)
	assert.Equal(t, "ARGS", f.Msg)

	// Message may itself contain commas; only the first two are delimiters.
	f, err = ParseFrame("R,0,TEMP,23.5,C")
	require.NoError(t, err)
	assert.Equal(t, "TEMP,23.5,C", f.Msg)

	f, err = ParseFrame("R,0")
	require.NoError(t, err)
	assert.Equal(t, "", f.Msg)

	_, err = ParseFrame("R,zero,OK")
	assert.Error(t, err)
}

func TestParseFrameLog(t *testing.T) {
	f, err := ParseFrame("L,0,SYS,boot complete")
	require.NoError(t, err)
	assert.Equal(t, FrameLog, f.Kind)
	assert.Equal(t, 0, f.LogType)
	assert.Equal(t, "SYS", f.Module)
	assert.Equal(t, "boot complete", f.Text)

	_, err = ParseFrame("L,0,SYS")
	assert.Error(t, err)

	_, err = ParseFrame("L,bad,SYS,text")
	assert.Error(t, err)
}

func TestParseFrameUnrecognised(t *testing.T) {
	for _, line := range []string{"garbage", "PING", "X,0,foo", "P,0,DEAD"} {
		_, err := ParseFrame(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestSensorReading(t *testing.T) {
	f, err := ParseFrame("L,0,SENS,TEMP,23.5")
	require.NoError(t, err)
	name, value, ok := f.SensorReading()
	require.True(t, ok)
	assert.Equal(t, "TEMP", name)
	assert.Equal(t, "23.5", value)

	f, err = ParseFrame("L,0,SYS,not a sensor")
	require.NoError(t, err)
	_, _, ok = f.SensorReading()
	assert.False(t, ok)
}

func TestUIEvent(t *testing.T) {
	f, err := ParseFrame("L,0,UI,BUTTON,R")
	require.NoError(t, err)
	component, value, ok := f.UIEvent()
	require.True(t, ok)
	assert.Equal(t, "BUTTON", component)
	assert.Equal(t, "R", value)

	f, err = ParseFrame("L,0,SENS,TEMP,23.5")
	require.NoError(t, err)
	_, _, ok = f.UIEvent()
	assert.False(t, ok)
}
