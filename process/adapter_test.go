package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeWriteAndReadLine(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.WriteLine("!threads"))
	assert.Equal(t, []string{"!threads"}, f.Written())

	f.Feed("0  Id: 1234.5678")
	line, err := f.ReadLine(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "0  Id: 1234.5678", line.Text)
}

func TestFakeReadLineTimesOutWithNothingQueued(t *testing.T) {
	f := NewFake()
	_, err := f.ReadLine(time.Now().Add(5 * time.Millisecond))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFakeReadLineEOFAfterKill(t *testing.T) {
	f := NewFake()
	f.Kill()
	assert.False(t, f.IsAlive())
	_, err := f.ReadLine(time.Now().Add(time.Second))
	assert.ErrorIs(t, err, ErrEOF)
}

func TestFakeWriteLineFailsAfterKill(t *testing.T) {
	f := NewFake()
	f.Kill()
	err := f.WriteLine("version")
	assert.ErrorIs(t, err, ErrEOF)
}

func TestFakeInterruptCounts(t *testing.T) {
	f := NewFake()
	f.Interrupt()
	f.Interrupt()
	assert.Equal(t, 2, f.Interrupted)
}

var _ Conn = (*Adapter)(nil)
var _ Conn = (*Fake)(nil)
