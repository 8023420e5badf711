package tracker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godetonate/pkg/job"
)

func newJob(i int) *job.Job {
	return job.New(fmt.Sprintf("job-%d", i), fmt.Sprintf("uuid-%d", i), sampleABC, job.EnvLinuxGeneric, t0, time.Hour)
}

func TestTable_AdmitReleaseLookup(t *testing.T) {
	tbl := NewTable(2)
	_, err := tbl.Admit(newJob(1))
	require.NoError(t, err)
	_, err = tbl.Admit(newJob(2))
	require.NoError(t, err)

	_, err = tbl.Admit(newJob(3))
	assert.ErrorIs(t, err, job.ErrCapacityExceeded)

	e, ok := tbl.LookupUUID("uuid-1")
	require.True(t, ok)
	assert.Equal(t, "job-1", e.JobID())

	tbl.Release("job-1")
	tbl.Release("job-1")
	_, ok = tbl.Lookup("job-1")
	assert.False(t, ok)
	_, ok = tbl.LookupUUID("uuid-1")
	assert.False(t, ok)

	_, err = tbl.Admit(newJob(3))
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
}

func TestTable_DuplicateIdentifiers(t *testing.T) {
	tbl := NewTable(5)
	_, err := tbl.Admit(newJob(1))
	require.NoError(t, err)

	dupUUID := newJob(2)
	dupUUID.JobUUID = "uuid-1"
	_, err = tbl.Admit(dupUUID)
	assert.ErrorIs(t, err, job.ErrDuplicateJobID)
	_, err = tbl.Restore(newJob(1))
	assert.ErrorIs(t, err, job.ErrDuplicateJobID)
}

func TestTable_ConcurrentAdmitNeverExceedsLimit(t *testing.T) {
	tbl := NewTable(3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := tbl.Admit(newJob(i)); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 3, admitted)
	assert.Len(t, tbl.Live(), 3)
}
