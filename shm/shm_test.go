package shm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestView(t *testing.T) *View {
	t.Helper()
	region := make([]byte, RegionSize)
	v, err := NewView(region)
	require.NoError(t, err)
	v.Init()
	return v
}

func TestPingPongRoundTrip(t *testing.T) {
	v := newTestView(t)
	cmd := v.CmdRing()
	rsp := v.RspRing()

	require.NoError(t, cmd.Send(Command{Cmd: CmdPing, PayloadID: 0xDEADBEEF}))

	got, err := cmd.Poll()
	require.NoError(t, err)
	require.Equal(t, Command{Cmd: CmdPing, PayloadID: 0xDEADBEEF}, got)

	require.NoError(t, rsp.Send(Response{Status: RspOK, OrigCmd: CmdPing, Result: 0x504F4E47}))
	r, err := rsp.Poll()
	require.NoError(t, err)
	require.Equal(t, Response{Status: RspOK, OrigCmd: CmdPing, Result: 0x504F4E47}, r)
}

func TestRingPressure(t *testing.T) {
	v := newTestView(t)
	cmd := v.CmdRing()

	for i := 0; i < RingCapacity-1; i++ {
		require.NoError(t, cmd.Send(Command{Cmd: CmdPing, PayloadID: uint32(i)}))
	}
	err := cmd.Send(Command{Cmd: CmdPing})
	require.ErrorIs(t, err, ErrRingFull)

	_, err = cmd.Poll()
	require.NoError(t, err)

	require.NoError(t, cmd.Send(Command{Cmd: CmdPing}))
}

func TestPollEmptyRing(t *testing.T) {
	v := newTestView(t)
	_, err := v.CmdRing().Poll()
	require.ErrorIs(t, err, ErrEmpty)
}

func TestForeignMagicRefused(t *testing.T) {
	region := make([]byte, RegionSize)
	v, err := NewView(region)
	require.NoError(t, err)
	// Never call Init: magics are all zero, so every accessor should
	// refuse rather than corrupt the region further.
	_, err = v.CmdRing().Poll()
	require.ErrorIs(t, err, ErrForeignRegion)
}

func TestDoorbellPublishesHead(t *testing.T) {
	v := newTestView(t)
	db := v.Doorbell()
	db.RingCmd(7, true)
	require.Equal(t, uint32(7), db.CmdDoorbellValue())
	db.RingRsp(3, false)
	require.Equal(t, uint32(3), db.RspDoorbellValue())
}

func TestSendDoesNotMutateIndicesOnFull(t *testing.T) {
	v := newTestView(t)
	cmd := v.CmdRing()
	for i := 0; i < RingCapacity-1; i++ {
		require.NoError(t, cmd.Send(Command{Cmd: CmdPing}))
	}
	headBefore := cmd.head()
	tailBefore := cmd.tail()
	err := cmd.Send(Command{Cmd: CmdPing})
	require.ErrorIs(t, err, ErrRingFull)
	require.Equal(t, headBefore, cmd.head())
	require.Equal(t, tailBefore, cmd.tail())
}
