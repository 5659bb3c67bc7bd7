package contract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zen-systems/zenedge/flightrec"
	"github.com/zen-systems/zenedge/pageframe"
)

func newTestContract(jobID uint32, cpuBudget, memKB uint32, prio Priority) *Contract {
	return &Contract{JobID: jobID, CPUBudgetUS: cpuBudget, MemoryKB: memKB, Priority: prio}
}

func TestApplySetsPreferredNodeByPriority(t *testing.T) {
	reg := &Registry{}
	rec := flightrec.New(64)

	rt := newTestContract(1, 1000, 64, PriorityRealtime)
	Apply(rt, reg, rec)
	require.Equal(t, pageframe.NodeLocal, rt.PreferredNode)

	bg := newTestContract(2, 1000, 64, PriorityLow)
	Apply(bg, reg, rec)
	require.Equal(t, pageframe.NodeRemote, bg.PreferredNode)

	require.Equal(t, rt, reg.Lookup(1))
	require.Equal(t, bg, reg.Lookup(2))
}

func TestBudgetExceedEscalatesToSafeMode(t *testing.T) {
	rec := flightrec.New(64)
	c := newTestContract(1, 1000, 64, PriorityNormal)
	Apply(c, nil, rec)

	ChargeCPU(c, 2000, rec)
	require.Equal(t, StateWarned, c.State)

	ChargeCPU(c, 2000, rec)
	require.Equal(t, StateWarned, c.State)

	ChargeCPU(c, 2000, rec)
	require.Equal(t, StateSafeMode, c.State)

	pool := pageframe.NewSimPool()
	require.NoError(t, pool.Reserve(0, 10, pageframe.NodeRemote))
	_, ok := AllocPage(c, pool, rec)
	require.False(t, ok)
}

func TestSafeModeIsAbsorbing(t *testing.T) {
	c := newTestContract(1, 1000, 64, PriorityNormal)
	c.State = StateSafeMode
	ChargeCPU(c, 2000, nil)
	require.Equal(t, StateSafeMode, c.State)
	ChargeMemory(c, 128, nil)
	require.Equal(t, StateSafeMode, c.State)
}

func TestAllocPageDeniesInSafeMode(t *testing.T) {
	c := newTestContract(1, 1000, 64, PriorityNormal)
	c.State = StateSafeMode
	pool := pageframe.NewSimPool()
	require.NoError(t, pool.Reserve(0, 10, pageframe.NodeRemote))
	_, ok := AllocPage(c, pool, nil)
	require.False(t, ok)
}

func TestAllocPageDeniesOverBudget(t *testing.T) {
	c := newTestContract(1, 1000, 4, PriorityNormal) // 4 KiB budget = one page
	pool := pageframe.NewSimPool()
	require.NoError(t, pool.Reserve(0, 10, pageframe.NodeRemote))

	f1, ok := AllocPage(c, pool, nil)
	require.True(t, ok)
	require.True(t, f1.Valid())

	_, ok = AllocPage(c, pool, nil)
	require.False(t, ok)
	require.Equal(t, StateWarned, c.State)
}

func TestFreePageCreditsBack(t *testing.T) {
	c := newTestContract(1, 1000, 8, PriorityNormal)
	pool := pageframe.NewSimPool()
	require.NoError(t, pool.Reserve(0, 10, pageframe.NodeRemote))

	f, ok := AllocPage(c, pool, nil)
	require.True(t, ok)
	require.Equal(t, uint32(4), c.MemUsedKB)

	FreePage(c, pool, f, nil)
	require.Zero(t, c.MemUsedKB)
}

func TestAdmitRejectMemory(t *testing.T) {
	rec := flightrec.New(64)
	c := newTestContract(1, 10000, 64, PriorityNormal)
	res := AdmitJob(c, AdmissionInput{JobID: 5, PeakMemoryKB: 128}, rec)
	require.Equal(t, AdmitRejectMemory, res)
}

func TestAdmitWarnsNotRejectsOnCPU(t *testing.T) {
	c := newTestContract(1, 1000, 1024, PriorityNormal)
	steps := []StepType{StepCompute, StepCollective, StepCollective}
	res := AdmitJob(c, AdmissionInput{JobID: 1, PeakMemoryKB: 10, Steps: steps}, nil)
	require.Equal(t, AdmitOK, res)
}

func TestAdmitIsIdempotent(t *testing.T) {
	c := newTestContract(1, 1000, 1024, PriorityNormal)
	in := AdmissionInput{JobID: 1, PeakMemoryKB: 10, Steps: []StepType{StepIO}}
	r1 := AdmitJob(c, in, nil)
	r2 := AdmitJob(c, in, nil)
	require.Equal(t, r1, r2)
}

func TestVerdictForState(t *testing.T) {
	require.Equal(t, VerdictPass, VerdictForState(StateOK))
	require.Equal(t, VerdictThrottle, VerdictForState(StateWarned))
	require.Equal(t, VerdictKill, VerdictForState(StateSafeMode))
}
