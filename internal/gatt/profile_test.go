package gatt

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileHandleOrderAndLookup(t *testing.T) {
	p := NewProfile()
	svc := p.AddService(uuid.MustParse("0000180f-0000-1000-8000-00805f9b34fb"))

	batt := uuid.MustParse("00002a19-0000-1000-8000-00805f9b34fb")
	svc.AddCharacteristic(batt, 0x0012, PropRead|PropNotify)
	svc.AddCharacteristic(uuid.MustParse("00002a1a-0000-1000-8000-00805f9b34fb"),
		0x0015, PropWrite)

	c, err := p.FindCharacteristic(batt)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0012), c.ValueHandle)
	assert.Equal(t, "read,notify", c.PropertiesString())

	byHandle, ok := p.ByHandle(0x0015)
	require.True(t, ok)
	assert.Equal(t, "write", byHandle.PropertiesString())

	_, err = p.FindCharacteristic(uuid.MustParse("00002aff-0000-1000-8000-00805f9b34fb"))
	assert.Error(t, err)

	_, ok = p.ByHandle(0x0099)
	assert.False(t, ok)
}
