package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordAndScrape(t *testing.T) {
	m := New()
	m.RecordUp()
	m.RecordChallengeIssued("l1")
	onDone := m.RecordClaim("l1")
	onDone("queued")
	m.RecordBatchSize(42)
	m.RecordNonceResync()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "faucet_challenges_issued_total")
	require.Contains(t, rec.Body.String(), "faucet_claims_settled_total")
}
