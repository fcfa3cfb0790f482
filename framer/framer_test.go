package framer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/dbgmux/process"
)

func TestReadBlockRoundTrip(t *testing.T) {
	fake := process.NewFake()
	fr := New(fake)

	fake.Feed(BeginSentinel("cmd-1"))
	fake.Feed("0:000> !analyze -v")
	fake.Feed("FAULTING_IP: ")
	fake.Feed("nt!KiPageFault+0x123")
	fake.Feed(EndSentinel("cmd-1"))

	block, err := fr.ReadBlock("cmd-1", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.False(t, block.TimedOut)
	assert.Equal(t, []string{
		"0:000> !analyze -v",
		"FAULTING_IP: ",
		"nt!KiPageFault+0x123",
	}, block.Body)
}

func TestReadBlockDiscardsStrayLinesBeforeBegin(t *testing.T) {
	fake := process.NewFake()
	fr := New(fake)

	fake.Feed("leftover from a previous timeout")
	fake.Feed(BeginSentinel("cmd-2"))
	fake.Feed("actual body")
	fake.Feed(EndSentinel("cmd-2"))

	block, err := fr.ReadBlock("cmd-2", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"actual body"}, block.Body)
}

func TestReadBlockTimeoutReturnsPartialBody(t *testing.T) {
	fake := process.NewFake()
	fr := New(fake)

	fake.Feed(BeginSentinel("cmd-3"))
	fake.Feed("partial line one")

	block, err := fr.ReadBlock("cmd-3", time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, block.TimedOut)
	assert.Equal(t, []string{"partial line one"}, block.Body)
}

func TestReadBlockProcessDead(t *testing.T) {
	fake := process.NewFake()
	fr := New(fake)

	fake.Feed(BeginSentinel("cmd-4"))
	fake.Feed("some output")
	fake.Kill()

	block, err := fr.ReadBlock("cmd-4", time.Now().Add(time.Second))
	assert.ErrorIs(t, err, ErrProcessDead)
	assert.Equal(t, []string{"some output"}, block.Body)
}

func TestReadBlockDuplicateIDTraps(t *testing.T) {
	fake := process.NewFake()
	fr := New(fake)

	fake.Feed(BeginSentinel("dup"))
	fake.Feed(EndSentinel("dup"))
	_, err := fr.ReadBlock("dup", time.Now().Add(time.Second))
	require.NoError(t, err)

	_, err = fr.ReadBlock("dup", time.Now().Add(time.Second))
	var dupErr *ErrDuplicateID
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "dup", dupErr.ID)
}

func TestReadBatchSplitsInnerFrames(t *testing.T) {
	fake := process.NewFake()
	fr := New(fake)

	items := []BatchItem{{ID: "b-1"}, {ID: "b-2"}, {ID: "b-3"}}

	fake.Feed(BeginSentinel("outer-1"))
	fake.Feed(BeginSentinel("b-1"))
	fake.Feed("threads output")
	fake.Feed(EndSentinel("b-1"))
	fake.Feed(BeginSentinel("b-2"))
	fake.Feed("locks output line 1")
	fake.Feed("locks output line 2")
	fake.Feed(EndSentinel("b-2"))
	fake.Feed(BeginSentinel("b-3"))
	fake.Feed("version output")
	fake.Feed(EndSentinel("b-3"))
	fake.Feed(EndSentinel("outer-1"))

	result, err := fr.ReadBatch("outer-1", items, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, result.Items, 3)
	assert.Equal(t, []string{"threads output"}, result.Items[0].Body)
	assert.Equal(t, []string{"locks output line 1", "locks output line 2"}, result.Items[1].Body)
	assert.Equal(t, []string{"version output"}, result.Items[2].Body)
	assert.False(t, result.ProcessDead)
}

func TestReadBatchTimeoutMarksRemainingItems(t *testing.T) {
	fake := process.NewFake()
	fr := New(fake)

	items := []BatchItem{{ID: "t-1"}, {ID: "t-2"}}

	fake.Feed(BeginSentinel("outer-2"))
	fake.Feed(BeginSentinel("t-1"))
	fake.Feed("done first")
	fake.Feed(EndSentinel("t-1"))
	fake.Feed(BeginSentinel("t-2"))
	fake.Feed("half of second")
	// no end sentinel for t-2, no outer end either

	result, err := fr.ReadBatch("outer-2", items, time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, result.Items[0].TimedOut)
	assert.Equal(t, []string{"done first"}, result.Items[0].Body)
	assert.True(t, result.Items[1].TimedOut)
	assert.Equal(t, []string{"half of second"}, result.Items[1].Body)
}

func TestCapturePrelude(t *testing.T) {
	fake := process.NewFake()
	fr := New(fake)

	fake.Feed("CDB banner line 1")
	fake.Feed("CDB banner line 2")

	lines := fr.CapturePrelude(20 * time.Millisecond)
	assert.Equal(t, []string{"CDB banner line 1", "CDB banner line 2"}, lines)
	assert.Equal(t, lines, fr.Prelude())
}
