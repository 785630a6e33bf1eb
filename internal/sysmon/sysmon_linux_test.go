package sysmon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeStat = "4242 (uecho (srv)) S 1 4242 4242 0 -1 4194560 812 0 3 0 250 75 0 0 20 0 9 0 1183 123456789 2048 18446744073709551615 1 1 0 0 0 0 0 0 0 0 0 0 17 2 0 0 0 0 0 0 0 0 0 0 0 0 0\n"

const fakeStatus = `Name:	uecho
Umask:	0022
State:	S (sleeping)
Tgid:	4242
Pid:	4242
PPid:	1
VmSize:	  123456 kB
VmRSS:	    2048 kB
RssFile:	     512 kB
Threads:	9
voluntary_ctxt_switches:	41
nonvoluntary_ctxt_switches:	7
`

func fakeProc(t *testing.T, pid int) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(fakeStat), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte(fakeStatus), 0o644))
	return root
}

func TestMonitor_SampleFields(t *testing.T) {
	m := newMonitor(fakeProc(t, 4242), 4242)

	s, err := m.Sample()
	require.NoError(t, err)
	assert.Equal(t, uint64(250), s.UTimeTicks)
	assert.Equal(t, uint64(75), s.STimeTicks)
	assert.Equal(t, int64(9), s.Threads)
	assert.Equal(t, int64(812), s.MinorFaults)
	assert.Equal(t, int64(3), s.MajorFaults)
	assert.Equal(t, int64(2048), s.RSSKB)
	assert.Equal(t, int64(123456), s.VMSKB)
	assert.Equal(t, int64(512), s.SharedKB)
	assert.Equal(t, int64(41), s.VolCtxSw)
	assert.Equal(t, int64(7), s.InvolCtxSw)
	assert.InDelta(t, 2.0, s.RSSMB(), 1e-9)
	assert.Zero(t, s.CPUPercent)
}

func TestMonitor_SampleMissingProc(t *testing.T) {
	m := newMonitor(t.TempDir(), 4242)

	_, err := m.Sample()
	assert.Error(t, err)
}

func TestMonitor_CPUDelta(t *testing.T) {
	m := newMonitor(fakeProc(t, 4242), 4242)
	t0 := time.Unix(100, 0)
	m.now = func() time.Time { return t0 }

	_, err := m.Sample()
	require.NoError(t, err)

	// Same tick counters one second later: idle.
	m.now = func() time.Time { return t0.Add(time.Second) }
	s, err := m.Sample()
	require.NoError(t, err)
	assert.Zero(t, s.CPUPercent)
}

func TestCPUPercent(t *testing.T) {
	t0 := time.Unix(100, 0)
	prev := Sample{Time: t0, UTimeTicks: 100, STimeTicks: 50}
	cur := Sample{Time: t0.Add(2 * time.Second), UTimeTicks: 250, STimeTicks: 100}

	// 200 ticks = 2s of CPU over 2s wall.
	assert.InDelta(t, 100.0, cpuPercent(prev, cur), 1e-9)
	assert.Zero(t, cpuPercent(cur, cur))
}

func TestMonitor_Sample(t *testing.T) {
	m := New()

	first, err := m.Sample()
	require.NoError(t, err)
	assert.Zero(t, first.CPUPercent)
	assert.Positive(t, first.RSSKB)
	assert.GreaterOrEqual(t, first.Threads, int64(1))

	second, err := m.Sample()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
}
