package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claridoc/go-ingest/ingest/network"
)

type scriptedStatusClient struct {
	responses []scriptedResponse
	calls     int
}

type scriptedResponse struct {
	status network.ContractStatus
	err    error
}

func (c *scriptedStatusClient) GetContractStatus(ctx context.Context, contractID string) (network.ContractStatus, error) {
	var response scriptedResponse
	if c.calls < len(c.responses) {
		response = c.responses[c.calls]
	} else {
		response = c.responses[len(c.responses)-1]
	}
	c.calls++
	return response.status, response.err
}

func intPtr(v int) *int {
	return &v
}

func testPoller(client StatusClient) *Poller {
	p := NewPoller(client, log.NewLogger())
	p.wait = func(ctx context.Context, d time.Duration) bool {
		return ctx.Err() == nil
	}
	return p
}

func TestTrack_CompletesAfterProgress(t *testing.T) {
	client := &scriptedStatusClient{responses: []scriptedResponse{
		{status: network.ContractStatus{AnalysisStatus: "processing"}},
		{status: network.ContractStatus{AnalysisStatus: "processing", Progress: intPtr(40)}},
		{status: network.ContractStatus{AnalysisStatus: "completed"}},
	}}

	var progress []int
	terminal, err := testPoller(client).Track(context.Background(), "ctr-1", func(u Update) {
		progress = append(progress, u.Progress)
	})

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, terminal.State)
	assert.Equal(t, []int{10, 40, 100}, progress)
	assert.Equal(t, 3, client.calls)
}

func TestTrack_EstimateAdvancesWithoutServerProgress(t *testing.T) {
	client := &scriptedStatusClient{responses: []scriptedResponse{
		{status: network.ContractStatus{AnalysisStatus: "processing"}},
	}}

	poller := testPoller(client)
	poller.SetMaxAttempts(25)

	var progress []int
	terminal, err := poller.Track(context.Background(), "ctr-1", func(u Update) {
		if u.State == StateProcessing {
			progress = append(progress, u.Progress)
		}
	})

	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, terminal.State)

	// Estimate climbs by the fixed increment and pins at the cap.
	assert.Equal(t, 10, progress[0])
	assert.Equal(t, 95, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1], "progress must never decrease")
	}
}

func TestTrack_ProgressIsMonotonic(t *testing.T) {
	// A server that reports a lower number later must not drag the estimate
	// backwards.
	client := &scriptedStatusClient{responses: []scriptedResponse{
		{status: network.ContractStatus{AnalysisStatus: "processing", Progress: intPtr(60)}},
		{status: network.ContractStatus{AnalysisStatus: "processing", Progress: intPtr(30)}},
		{status: network.ContractStatus{AnalysisStatus: "completed"}},
	}}

	var progress []int
	_, err := testPoller(client).Track(context.Background(), "ctr-1", func(u Update) {
		progress = append(progress, u.Progress)
	})

	require.NoError(t, err)
	assert.Equal(t, []int{60, 60, 100}, progress)
}

func TestTrack_ClampsReportedProgress(t *testing.T) {
	client := &scriptedStatusClient{responses: []scriptedResponse{
		{status: network.ContractStatus{AnalysisStatus: "processing", Progress: intPtr(0)}},
		{status: network.ContractStatus{AnalysisStatus: "processing", Progress: intPtr(99)}},
		{status: network.ContractStatus{AnalysisStatus: "done"}},
	}}

	var progress []int
	_, err := testPoller(client).Track(context.Background(), "ctr-1", func(u Update) {
		progress = append(progress, u.Progress)
	})

	require.NoError(t, err)
	assert.Equal(t, []int{5, 95, 100}, progress)
}

func TestTrack_ServerReportedFailure(t *testing.T) {
	client := &scriptedStatusClient{responses: []scriptedResponse{
		{status: network.ContractStatus{AnalysisStatus: "failed", Message: "OCR could not read the document"}},
	}}

	terminal, err := testPoller(client).Track(context.Background(), "ctr-1", nil)

	require.NoError(t, err)
	assert.Equal(t, StateFailed, terminal.State)
	assert.Equal(t, "OCR could not read the document", terminal.Message)
}

func TestTrack_TimesOutAfterAttemptBudget(t *testing.T) {
	client := &scriptedStatusClient{responses: []scriptedResponse{
		{status: network.ContractStatus{AnalysisStatus: "processing"}},
	}}

	poller := testPoller(client)
	poller.SetMaxAttempts(7)

	terminal, err := poller.Track(context.Background(), "ctr-1", nil)

	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, terminal.State)
	assert.Equal(t, 7, client.calls, "polling must stop exactly at the attempt ceiling")
}

func TestTrack_TransientErrorsAreSwallowed(t *testing.T) {
	client := &scriptedStatusClient{responses: []scriptedResponse{
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
		{status: network.ContractStatus{AnalysisStatus: "completed"}},
	}}

	terminal, err := testPoller(client).Track(context.Background(), "ctr-1", nil)

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, terminal.State)
	assert.Equal(t, 3, client.calls)
}

func TestTrack_ErrorTicksCountTowardsBudget(t *testing.T) {
	client := &scriptedStatusClient{responses: []scriptedResponse{
		{err: errors.New("unreachable")},
	}}

	poller := testPoller(client)
	poller.SetMaxAttempts(4)

	terminal, err := poller.Track(context.Background(), "ctr-1", nil)

	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, terminal.State)
	assert.Equal(t, 4, client.calls)
}

func TestTrack_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	client := &scriptedStatusClient{responses: []scriptedResponse{
		{status: network.ContractStatus{AnalysisStatus: "processing"}},
	}}

	poller := NewPoller(client, log.NewLogger())
	poller.wait = func(ctx context.Context, d time.Duration) bool {
		cancel()
		return false
	}

	_, err := poller.Track(ctx, "ctr-1", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, client.calls, "no further ticks after cancellation")
}
