package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveAssignment(t *testing.T) {
	Init()
	before := testutil.ToFloat64(assignmentsTotal.WithLabelValues(AssignNone))
	ObserveAssignment(AssignNone)
	if got := testutil.ToFloat64(assignmentsTotal.WithLabelValues(AssignNone)); got != before+1 {
		t.Errorf("assignments{none} = %f, want %f", got, before+1)
	}
}

func TestObserveBusinesses(t *testing.T) {
	Init()
	before := testutil.ToFloat64(businessesDroppedTotal.WithLabelValues("rating_out_of_range"))
	ObserveBusinesses(3, map[string]int{"rating_out_of_range": 1})
	if got := testutil.ToFloat64(businessesDroppedTotal.WithLabelValues("rating_out_of_range")); got != before+1 {
		t.Errorf("dropped{rating_out_of_range} = %f, want %f", got, before+1)
	}
}

func TestSetStaleJobs(t *testing.T) {
	SetStaleJobs(4)
	if got := testutil.ToFloat64(staleJobs); got != 4 {
		t.Errorf("stale jobs gauge = %f, want 4", got)
	}
	SetStaleJobs(0)
	if got := testutil.ToFloat64(staleJobs); got != 0 {
		t.Errorf("stale jobs gauge = %f, want 0", got)
	}
}

func TestAgentCollectors(t *testing.T) {
	IncAgentJobs()
	IncAgentJobs()
	DecAgentJobs()
	if got := testutil.ToFloat64(agentActiveJobs); got != 1 {
		t.Errorf("agent active jobs = %f, want 1", got)
	}
	DecAgentJobs()
	ObservePollDelay(2 * time.Second)
	if n := testutil.CollectAndCount(agentPollDelaySeconds); n != 1 {
		t.Errorf("poll delay histogram count = %d, want 1", n)
	}
}
