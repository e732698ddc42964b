package bbcount

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"
)

func TestBuildProfile(t *testing.T) {
	table, regions := summaryTable()
	regions.Add(AddressRange{Low: 0x7f0000000000, High: 0x7f00001fffff, Name: "libc.so.6"})
	table.Increment(0x7f0000001000)

	sym := symbols{0x401010: "main.loop", 0x401020: "main.loop"}
	p, err := BuildProfile(table, regions, sym, time.Second)
	require.NoError(t, err)

	require.Len(t, p.Mapping, 2)
	require.Len(t, p.Sample, 5)
	require.Len(t, p.Function, 1)
	require.Equal(t, "executions", p.SampleType[0].Type)
	require.EqualValues(t, time.Second, p.DurationNanos)

	byAddr := make(map[uint64]*profile.Sample)
	for _, s := range p.Sample {
		byAddr[s.Location[0].Address] = s
	}
	require.Equal(t, []int64{60}, byAddr[0x401010].Value)
	require.Equal(t, "main.loop", byAddr[0x401020].Location[0].Line[0].Function.Name)
	require.Equal(t, "/usr/bin/target", byAddr[0x401000].Location[0].Mapping.File)
	require.Equal(t, "libc.so.6", byAddr[0x7f0000001000].Location[0].Mapping.File)
	require.Empty(t, byAddr[0x401000].Location[0].Line)
}

func TestWriteProfile(t *testing.T) {
	table, regions := summaryTable()

	var buf bytes.Buffer
	require.NoError(t, WriteProfile(&buf, table, regions, nil, time.Second))

	p, err := profile.Parse(&buf)
	require.NoError(t, err)
	var total int64
	for _, s := range p.Sample {
		total += s.Value[0]
	}
	require.EqualValues(t, table.Total(), total)
}
