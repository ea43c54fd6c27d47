package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cf-diagnosis-engine/internal/domain"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder("", reg)
	require.NoError(t, err)

	r.SessionStarted()
	r.SessionStarted()
	r.AssertionsMerged(3)
	r.SessionsPurged(4)

	r.DiagnosisEvaluated(&domain.DiagnosisResult{
		PerDisease: map[string]domain.DiseaseResult{"D1": {DiseaseID: "D1", CombinedCertainty: 0.48}},
		Order:      []string{"D1"},
		Best:       &domain.BestDiagnosis{DiseaseID: "D1", CombinedCertainty: 0.48, Percentage: 48},
	}, time.Millisecond)
	r.DiagnosisEvaluated(&domain.DiagnosisResult{PerDisease: map[string]domain.DiseaseResult{}}, time.Millisecond)
	r.DiagnosisEvaluated(nil, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.SessionsStarted))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.AssertionsTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.SessionsPurgedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.EvaluationsTotal.WithLabelValues("diagnosed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.EvaluationsTotal.WithLabelValues("undiagnosed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.EvaluationsTotal.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.BestCertainty))

	count, err := testutil.GatherAndCount(reg, "cfdiag_sessions_started_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewRecorder_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRecorder("diag", reg)
	require.NoError(t, err)

	_, err = NewRecorder("diag", reg)
	assert.Error(t, err)
}

func TestNewRecorder_Unregistered(t *testing.T) {
	r, err := NewRecorder("diag", nil)
	require.NoError(t, err)
	r.SessionStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SessionsStarted))
}
