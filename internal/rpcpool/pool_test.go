package rpcpool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
)

func TestEndpointScorePrefersLowerBackupLevel(t *testing.T) {
	primary := newEndpoint(EndpointParams{Name: "primary", BackupLevel: 0}, time.Second)
	backup := newEndpoint(EndpointParams{Name: "backup", BackupLevel: 1}, time.Second)

	assert.Less(t, primary.score(), backup.score())
}

func TestRecordFailureDisallowsAfterMaxConsecutiveErrors(t *testing.T) {
	ep := newEndpoint(EndpointParams{Name: "e", MaxConsecutiveErrors: 3}, time.Second)

	assert.True(t, ep.allowed())
	ep.recordFailure()
	ep.recordFailure()
	assert.True(t, ep.allowed(), "should still be allowed before reaching the threshold")
	ep.recordFailure()
	assert.False(t, ep.allowed(), "should be disallowed once the consecutive-error threshold is reached")
}

func TestRecordSuccessClearsErrorStreak(t *testing.T) {
	ep := newEndpoint(EndpointParams{Name: "e", MaxConsecutiveErrors: 2}, time.Second)
	ep.recordFailure()
	ep.recordSuccess()
	ep.recordFailure()
	assert.True(t, ep.allowed(), "a success should have reset the streak that a single further failure cannot exceed")
}

func TestApplyVerifyHalvesCriticalPenaltyEachCycle(t *testing.T) {
	ep := newEndpoint(EndpointParams{Name: "e"}, time.Second)
	now := time.Now()

	ep.applyVerify(VerifyUnreachable, VerifyStatus{}, now, ep.Params)
	first := ep.score()

	ep.applyVerify(VerifyOK, VerifyStatus{}, now.Add(time.Minute), ep.Params)
	second := ep.score()

	assert.Less(t, second, first, "a clean verify cycle should reduce the decaying critical penalty")
}

func TestApplyVerifyWrongChainIDDisallows(t *testing.T) {
	ep := newEndpoint(EndpointParams{Name: "e"}, time.Second)
	ep.applyVerify(VerifyWrongChainID, VerifyStatus{}, time.Now(), ep.Params)
	assert.False(t, ep.allowed())
}

func TestSelectBestSkipsDisallowedEndpoints(t *testing.T) {
	p := NewPool(1, []EndpointParams{
		{Name: "bad", MaxConsecutiveErrors: 1},
		{Name: "good"},
	}, time.Second)

	p.endpoints[0].recordFailure() // disallows "bad"

	chosen, err := p.selectBest(time.Now(), nil)
	assert.NoError(t, err)
	assert.Equal(t, "good", chosen.Params.Name)
}

func TestSelectBestErrorsWhenAllDisallowed(t *testing.T) {
	p := NewPool(1, []EndpointParams{{Name: "only", MaxConsecutiveErrors: 1}}, time.Second)
	p.endpoints[0].recordFailure()

	_, err := p.selectBest(time.Now(), nil)
	assert.Error(t, err)
}

func TestSelectBestHonorsExcludeSet(t *testing.T) {
	p := NewPool(1, []EndpointParams{{Name: "a"}, {Name: "b"}}, time.Second)

	_, err := p.selectBest(time.Now(), map[*Endpoint]bool{p.endpoints[0]: true, p.endpoints[1]: true})
	assert.Error(t, err, "excluding every endpoint should behave like every endpoint being disallowed")
}

func TestCallRetriesTransportErrorsAcrossEndpointsThenSucceeds(t *testing.T) {
	bad1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad1.Close()
	bad2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad2.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer good.Close()

	p := NewPool(1, []EndpointParams{
		{Name: "bad1", Endpoint: bad1.URL},
		{Name: "bad2", Endpoint: bad2.URL},
		{Name: "good", Endpoint: good.URL},
	}, time.Second)

	var out string
	err := p.Call(context.Background(), "eth_blockNumber", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "0x1", out)
}

func TestCallReturnsLastTransportErrorAfterExhaustingAttempts(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	p := NewPool(1, []EndpointParams{
		{Name: "a", Endpoint: bad.URL},
		{Name: "b", Endpoint: bad.URL},
	}, time.Second)

	var out string
	err := p.Call(context.Background(), "eth_blockNumber", nil, &out)
	assert.Error(t, err)
	assert.True(t, chainerr.Is(err, chainerr.ClassTransport))
}

func TestCallReturnsSemanticErrorImmediatelyWithoutRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"nonce too low"}}`))
	}))
	defer srv.Close()

	p := NewPool(1, []EndpointParams{{Name: "a", Endpoint: srv.URL}}, time.Second)

	var out string
	err := p.Call(context.Background(), "eth_sendRawTransaction", nil, &out)
	assert.Error(t, err)
	assert.True(t, chainerr.Is(err, chainerr.ClassSemantic))
	assert.Equal(t, 1, calls, "a semantic error must not be retried")
}

func TestMarkChosenAwardsAntiFlapBonus(t *testing.T) {
	ep := newEndpoint(EndpointParams{Name: "e"}, time.Second)
	before := ep.score()
	ep.markChosen(time.Now())
	after := ep.score()
	assert.Less(t, after, before)
}
