package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/claridoc/go-ingest/ingest/network"
)

// fakeAPIClient is an in-memory stand-in for the backend: it tracks upload
// sessions and confirmed parts the way the server would.
type fakeAPIClient struct {
	mu sync.Mutex

	nextUploadID int
	// confirmed parts per known upload id
	sessions map[string]map[int]bool

	// partFailures maps chunk index to an error every UploadPart call for
	// that index returns.
	partFailures map[int]error

	// partDelay stretches each UploadPart call so concurrency tests get a
	// window in which overlapping transfers would be observable.
	partDelay      time.Duration
	activeParts    int
	maxActiveParts int

	contractID string

	// statusResponses is the scripted sequence of contract status answers;
	// the last entry repeats once exhausted.
	statusResponses []network.ContractStatus

	initiateCalls       int
	partCalls           []int
	uploadStatusCalls   int
	completeCalls       int
	directCalls         int
	analysisCalls       int
	contractStatusCalls int
}

func newFakeAPIClient() *fakeAPIClient {
	return &fakeAPIClient{
		sessions:     map[string]map[int]bool{},
		partFailures: map[int]error{},
		contractID:   "ctr-1",
	}
}

func (f *fakeAPIClient) networkCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiateCalls + len(f.partCalls) + f.uploadStatusCalls +
		f.completeCalls + f.directCalls + f.analysisCalls + f.contractStatusCalls
}

func (f *fakeAPIClient) confirm(uploadID string, indices ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.sessions[uploadID]
	if !ok {
		parts = map[int]bool{}
		f.sessions[uploadID] = parts
	}
	for _, index := range indices {
		parts[index] = true
	}
}

func (f *fakeAPIClient) InitiateUpload(ctx context.Context, filename string, totalSize int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiateCalls++
	f.nextUploadID++
	uploadID := fmt.Sprintf("upl-%d", f.nextUploadID)
	f.sessions[uploadID] = map[int]bool{}
	return uploadID, nil
}

func (f *fakeAPIClient) UploadPart(ctx context.Context, uploadID string, chunkIndex int, data []byte) error {
	f.mu.Lock()
	f.partCalls = append(f.partCalls, chunkIndex)
	f.activeParts++
	if f.activeParts > f.maxActiveParts {
		f.maxActiveParts = f.activeParts
	}
	failure := f.partFailures[chunkIndex]
	delay := f.partDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeParts--
	if failure != nil {
		return failure
	}
	parts, ok := f.sessions[uploadID]
	if !ok {
		return network.ErrSessionNotFound
	}
	parts[chunkIndex] = true
	return nil
}

func (f *fakeAPIClient) UploadStatus(ctx context.Context, uploadID string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadStatusCalls++
	parts, ok := f.sessions[uploadID]
	if !ok {
		return nil, network.ErrSessionNotFound
	}
	indices := make([]int, 0, len(parts))
	for index := range parts {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

func (f *fakeAPIClient) CompleteUpload(ctx context.Context, uploadID string, filename string, metadata network.UploadMetadata) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if _, ok := f.sessions[uploadID]; !ok {
		return "", network.ErrSessionNotFound
	}
	return f.contractID, nil
}

func (f *fakeAPIClient) UploadDirect(ctx context.Context, filename string, content []byte, metadata network.UploadMetadata) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directCalls++
	return f.contractID, nil
}

func (f *fakeAPIClient) RunAnalysis(ctx context.Context, contractID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analysisCalls++
	return nil
}

func (f *fakeAPIClient) GetContractStatus(ctx context.Context, contractID string) (network.ContractStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	index := f.contractStatusCalls
	f.contractStatusCalls++
	if index >= len(f.statusResponses) {
		index = len(f.statusResponses) - 1
	}
	if index < 0 {
		return network.ContractStatus{AnalysisStatus: "completed"}, nil
	}
	return f.statusResponses[index], nil
}
