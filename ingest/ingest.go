// Package ingest uploads legal-contract documents into the claridoc backend.
// Large files go through a resumable chunked session: chunks are sent
// sequentially with bounded retries, partially transferred sessions are
// picked up where they left off, and the follow-up analysis job is tracked
// to completion by the poll package.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/claridoc/go-ingest/ingest/backoff"
	"github.com/claridoc/go-ingest/ingest/chunkplan"
	"github.com/claridoc/go-ingest/ingest/network"
	"github.com/claridoc/go-ingest/ingest/poll"
	"github.com/claridoc/go-ingest/ingest/session"
)

// APIClient is the slice of the backend contract the uploader depends on.
// *network.Client implements it.
type APIClient interface {
	InitiateUpload(ctx context.Context, filename string, totalSize int64) (string, error)
	UploadPart(ctx context.Context, uploadID string, chunkIndex int, data []byte) error
	UploadStatus(ctx context.Context, uploadID string) ([]int, error)
	CompleteUpload(ctx context.Context, uploadID string, filename string, metadata network.UploadMetadata) (string, error)
	UploadDirect(ctx context.Context, filename string, content []byte, metadata network.UploadMetadata) (string, error)
	RunAnalysis(ctx context.Context, contractID string) error
	GetContractStatus(ctx context.Context, contractID string) (network.ContractStatus, error)
}

// UploadInput describes one document to ingest.
type UploadInput struct {
	FilePath string
	Title    string
	Tags     []string
}

// UploadResult reports a finished ingestion.
type UploadResult struct {
	ContractID string

	// Resumed is true when a stored session was found and only the missing
	// chunks were sent.
	Resumed bool

	// ChunksSent is the number of chunks transferred in this invocation
	// (zero for single-shot uploads).
	ChunksSent int
}

// ProgressFunc receives ingestion progress on the unified 0-100 scale; the
// ingestion phase occupies the lower half.
type ProgressFunc func(percent int)

// Uploader drives uploads end to end. Safe for concurrent use; concurrent
// uploads of the same file (same session key) are serialized.
type Uploader struct {
	client   APIClient
	sessions session.Repository
	retry    backoff.Executor
	config   Config
	logger   log.Logger

	mu       sync.Mutex
	keyLocks map[string]*keyLock
}

// keyLock is reference-counted so entries can be evicted once the last
// holder releases; the map stays bounded by the number of in-flight uploads.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewUploader creates an Uploader. sessions may be a durable repository for
// resume across process restarts, or an in-memory one.
func NewUploader(client APIClient, sessions session.Repository, logger log.Logger, config Config) *Uploader {
	config = config.withDefaults()

	retry := backoff.NewExecutor()
	if config.MaxRetries > 0 {
		retry.MaxRetries = config.MaxRetries
	}
	if config.BaseDelay > 0 {
		retry.BaseDelay = config.BaseDelay
	}

	return &Uploader{
		client:   client,
		sessions: sessions,
		retry:    retry,
		config:   config,
		logger:   logger,
		keyLocks: map[string]*keyLock{},
	}
}

// Upload validates and transfers the document, returning the id of the
// contract record the server created. Files at or below the chunk size go up
// in a single request; larger files go through a resumable chunked session.
// A chunk that exhausts its retries aborts the upload with a *TransferError
// and leaves the session stored, so calling Upload again for the same file
// resumes instead of restarting.
func (u *Uploader) Upload(ctx context.Context, input UploadInput, onProgress ProgressFunc) (*UploadResult, error) {
	if onProgress == nil {
		onProgress = func(int) {}
	}

	info, contentType, err := u.validate(input.FilePath)
	if err != nil {
		return nil, err
	}

	filename := filepath.Base(input.FilePath)
	metadata := network.UploadMetadata{Title: input.Title, Tags: input.Tags, ContentType: contentType}

	u.logger.Infof("Uploading %s (%s)", filename, units.HumanSizeWithPrecision(float64(info.Size()), 3))

	if info.Size() <= u.config.ChunkSize {
		return u.uploadSingleShot(ctx, input.FilePath, filename, metadata, onProgress)
	}

	key := session.Key(filename, info.Size())
	unlock := u.lockKey(key)
	defer unlock()

	return u.uploadChunked(ctx, input.FilePath, filename, info.Size(), key, metadata, onProgress)
}

// UploadAndAnalyze uploads the document, triggers the analysis job and polls
// it to a terminal state, forwarding every status observation to onUpdate.
// Upload-phase failures are returned as errors; analysis outcomes (including
// server-reported failure and timeout) arrive as the terminal update, never
// as an error.
func (u *Uploader) UploadAndAnalyze(ctx context.Context, input UploadInput, onUpdate func(poll.Update)) (*UploadResult, poll.Update, error) {
	notify := func(update poll.Update) {
		if onUpdate != nil {
			onUpdate(update)
		}
	}

	result, err := u.Upload(ctx, input, func(percent int) {
		notify(poll.Update{State: poll.StateIngesting, Progress: percent})
	})
	if err != nil {
		return nil, poll.Update{}, err
	}

	if err := u.client.RunAnalysis(ctx, result.ContractID); err != nil {
		return result, poll.Update{}, fmt.Errorf("trigger analysis for contract %s: %w", result.ContractID, err)
	}

	poller := poll.NewPoller(u.client, u.logger)
	if u.config.PollInterval > 0 {
		poller.SetInterval(u.config.PollInterval)
	}
	if u.config.PollMaxAttempts > 0 {
		poller.SetMaxAttempts(u.config.PollMaxAttempts)
	}

	terminal, err := poller.Track(ctx, result.ContractID, notify)
	if err != nil {
		return result, poll.Update{}, err
	}

	return result, terminal, nil
}

func (u *Uploader) validate(path string) (os.FileInfo, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	contentType, ok := acceptedTypes[ext]
	if !ok {
		return nil, "", &ValidationError{
			Reason: fmt.Sprintf("unsupported document type %q, accepted types are PDF and DOCX", ext),
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, "", fmt.Errorf("stat file: %w", err)
	}

	if info.Size() == 0 {
		return nil, "", &ValidationError{Reason: "file is empty"}
	}
	if info.Size() > u.config.MaxFileSize {
		return nil, "", &ValidationError{
			Reason: fmt.Sprintf("file size %s exceeds the %s limit",
				units.HumanSizeWithPrecision(float64(info.Size()), 3),
				units.HumanSizeWithPrecision(float64(u.config.MaxFileSize), 3)),
		}
	}

	return info, contentType, nil
}

func (u *Uploader) uploadSingleShot(ctx context.Context, path, filename string, metadata network.UploadMetadata, onProgress ProgressFunc) (*UploadResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	contractID, err := u.client.UploadDirect(ctx, filename, content, metadata)
	if err != nil {
		return nil, fmt.Errorf("direct upload: %w", err)
	}

	onProgress(ingestPhaseSpan)
	u.logger.Donef("Uploaded %s as contract %s", filename, contractID)

	return &UploadResult{ContractID: contractID}, nil
}

func (u *Uploader) uploadChunked(ctx context.Context, path, filename string, totalSize int64, key string, metadata network.UploadMetadata, onProgress ProgressFunc) (*UploadResult, error) {
	uploadID, resumed, err := u.resolveSession(ctx, filename, totalSize, key)
	if err != nil {
		return nil, err
	}

	// The server's confirmed part list is the authority on what to send;
	// local memory of earlier attempts was lost with the process.
	confirmedParts, err := u.client.UploadStatus(ctx, uploadID)
	if errors.Is(err, network.ErrSessionNotFound) && resumed {
		// The stored session expired on the server. Drop it and start over.
		u.logger.Debugf("Stored session %s is unknown to the server, starting a new one", uploadID)
		if removeErr := u.sessions.Remove(key); removeErr != nil {
			return nil, fmt.Errorf("remove stale session: %w", removeErr)
		}
		uploadID, resumed, err = u.initiateSession(ctx, filename, totalSize, key)
		if err != nil {
			return nil, err
		}
		confirmedParts, err = u.client.UploadStatus(ctx, uploadID)
	}
	if err != nil {
		return nil, fmt.Errorf("query upload status: %w", err)
	}
	confirmed := make(map[int]bool, len(confirmedParts))
	for _, index := range confirmedParts {
		confirmed[index] = true
	}

	chunks, err := chunkplan.Plan(totalSize, u.config.ChunkSize)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			u.logger.Errorf("failed to close file: %s", err)
		}
	}()

	var confirmedBytes int64
	for _, chunk := range chunks {
		if confirmed[chunk.Index] {
			confirmedBytes += chunk.Size()
		}
	}
	reportIngested(onProgress, confirmedBytes, totalSize)

	sent := 0
	for _, chunk := range chunks {
		if confirmed[chunk.Index] {
			u.logger.Debugf("Chunk %d/%d already confirmed, skipping", chunk.Index+1, len(chunks))
			continue
		}

		data, err := io.ReadAll(io.NewSectionReader(file, chunk.Start, chunk.Size()))
		if err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", chunk.Index, err)
		}

		u.logger.Debugf("Uploading chunk %d/%d (%s)", chunk.Index+1, len(chunks),
			units.HumanSizeWithPrecision(float64(len(data)), 3))

		index := chunk.Index
		err = u.retry.Do(ctx, func(ctx context.Context) error {
			return u.client.UploadPart(ctx, uploadID, index, data)
		})
		if err != nil {
			// Session stays stored: the next invocation resumes from the
			// confirmed set instead of restarting.
			return nil, &TransferError{ChunkIndex: index, Err: err}
		}

		sent++
		confirmedBytes += chunk.Size()
		reportIngested(onProgress, confirmedBytes, totalSize)
	}

	contractID, err := u.client.CompleteUpload(ctx, uploadID, filename, metadata)
	if err != nil {
		return nil, fmt.Errorf("complete upload: %w", err)
	}

	if err := u.sessions.Remove(key); err != nil {
		u.logger.Warnf("Failed to remove finished session %s: %s", key, err)
	}

	u.logger.Donef("Uploaded %s as contract %s (%d of %d chunks sent)", filename, contractID, sent, len(chunks))

	return &UploadResult{ContractID: contractID, Resumed: resumed, ChunksSent: sent}, nil
}

// resolveSession returns the upload id to use for the file: the stored one
// when a session exists, a freshly initiated one otherwise.
func (u *Uploader) resolveSession(ctx context.Context, filename string, totalSize int64, key string) (string, bool, error) {
	uploadID, err := u.sessions.Get(key)
	switch {
	case err == nil:
		u.logger.Infof("Resuming upload session %s", uploadID)
		return uploadID, true, nil

	case errors.Is(err, session.ErrNotFound):
		return u.initiateSession(ctx, filename, totalSize, key)

	default:
		return "", false, fmt.Errorf("look up session: %w", err)
	}
}

func (u *Uploader) initiateSession(ctx context.Context, filename string, totalSize int64, key string) (string, bool, error) {
	uploadID, err := u.client.InitiateUpload(ctx, filename, totalSize)
	if err != nil {
		return "", false, fmt.Errorf("initiate upload: %w", err)
	}
	if err := u.sessions.Put(key, uploadID); err != nil {
		return "", false, fmt.Errorf("store session: %w", err)
	}
	return uploadID, false, nil
}

// lockKey serializes callers on the same session key so two uploads of the
// same file cannot race on session state.
func (u *Uploader) lockKey(key string) func() {
	u.mu.Lock()
	lock, ok := u.keyLocks[key]
	if !ok {
		lock = &keyLock{}
		u.keyLocks[key] = lock
	}
	lock.refs++
	u.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()

		u.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(u.keyLocks, key)
		}
		u.mu.Unlock()
	}
}

func reportIngested(onProgress ProgressFunc, confirmedBytes, totalSize int64) {
	onProgress(int(confirmedBytes * ingestPhaseSpan / totalSize))
}
