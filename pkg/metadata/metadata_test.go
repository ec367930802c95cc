package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutListDeleteJob(t *testing.T) {
	s := openTestStore(t)

	job := MergeJobRecord{ID: "job1", DomainID: "dom1", DriveName: "vda", Base: "base", Top: "top"}
	require.NoError(t, s.PutJob(job))

	jobs, err := s.ListJobs("dom1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "job1", jobs[0].ID)

	require.NoError(t, s.DeleteJob("dom1", "job1"))
	jobs, err = s.ListJobs("dom1")
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestListJobsScopedToDomain(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutJob(MergeJobRecord{ID: "j1", DomainID: "domA"}))
	require.NoError(t, s.PutJob(MergeJobRecord{ID: "j2", DomainID: "domB"}))

	jobs, err := s.ListJobs("domA")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "j1", jobs[0].ID)
}

func TestVolumeChainRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := VolumeChainRecord{
		DomainID:  "dom1",
		DriveName: "vda",
		Entries: []VolumeChainEntryRecord{
			{Path: "/dev/vg/base", VolumeID: "base"},
			{Path: "/dev/vg/leaf", VolumeID: "leaf"},
		},
	}
	require.NoError(t, s.PutVolumeChain(rec))

	got, found, err := s.GetVolumeChain("dom1", "vda")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rec, got)

	_, found, err = s.GetVolumeChain("dom1", "vdb")
	require.NoError(t, err)
	require.False(t, found)
}
