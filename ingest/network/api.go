// Package network implements the HTTP client for the contract-review
// backend: the chunked upload session endpoints, the direct upload endpoint,
// the analysis trigger, and the contract status query.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrSessionNotFound is returned by UploadStatus when the server no longer
// knows the upload id, typically because the session expired. The caller
// should discard its stored session and initiate a new one.
var ErrSessionNotFound = errors.New("upload session not found on server")

// toleratedTriggerStatus is the response code RunAnalysis treats as success.
// The server answers 409 when the analysis job is already running (or has
// already run); retrying a trigger must not surface that as a failure.
const toleratedTriggerStatus = http.StatusConflict

// chunkFormField is the multipart field name the part endpoint expects.
const chunkFormField = "chunk"

// UploadMetadata carries the caller-supplied contract metadata forwarded on
// finalize and on direct uploads.
type UploadMetadata struct {
	Title string
	Tags  []string

	// ContentType is the document's MIME type, sent as the file part's
	// Content-Type on direct uploads.
	ContentType string
}

type initiateResponse struct {
	UploadID string `json:"upload_id"`
}

type uploadStatusResponse struct {
	Parts []int `json:"parts"`
}

type completeResponse struct {
	ContractID string `json:"contract_id"`
	ID         string `json:"id"`
}

// ContractStatus is the raw job state of a contract as reported by the
// server. Progress is nil when the server gives no numeric value.
type ContractStatus struct {
	AnalysisStatus string `json:"analysis_status"`
	Progress       *int   `json:"analysis_progress"`
	Message        string `json:"analysis_error"`
}

// Client talks to the backend. Control-plane requests (initiate, status,
// complete, trigger) go through a retryable HTTP client; part uploads use a
// plain client because their retry budget belongs to the caller's backoff
// executor, and double retry layers would make the bound unobservable.
type Client struct {
	httpClient  *retryablehttp.Client
	partClient  *http.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient creates a Client. retryClient is typically built with
// retryhttp.NewClient; baseURL points at the API root (e.g.
// "https://api.example.com/api").
func NewClient(retryClient *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) *Client {
	return &Client{
		httpClient:  retryClient,
		partClient:  defaultPartClient(),
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

func defaultPartClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// InitiateUpload creates a new upload session and returns its upload id.
func (c *Client) InitiateUpload(ctx context.Context, filename string, totalSize int64) (string, error) {
	endpoint := fmt.Sprintf("%s/contracts/upload/initiate?filename=%s&total_size=%d",
		c.baseURL, url.QueryEscape(filename), totalSize)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	c.setAuth(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", unwrapError(resp)
	}

	var response initiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", err
	}
	if response.UploadID == "" {
		return "", fmt.Errorf("initiate response carries no upload_id")
	}

	return response.UploadID, nil
}

// UploadPart sends one chunk of the file. The server treats the call as
// idempotent per chunk index, so it is safe to retry. No retry happens at
// this level.
func (c *Client) UploadPart(ctx context.Context, uploadID string, chunkIndex int, data []byte) error {
	endpoint := fmt.Sprintf("%s/contracts/upload/%s/part?chunk_index=%d",
		c.baseURL, url.PathEscape(uploadID), chunkIndex)

	body, contentType, err := multipartBody(chunkFormField, fmt.Sprintf("chunk-%d", chunkIndex), data, "application/octet-stream", nil)
	if err != nil {
		return fmt.Errorf("encode chunk %d: %w", chunkIndex, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	c.setAuth(req.Header)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.partClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}

	return nil
}

// UploadStatus returns the chunk indices the server has confirmed for the
// session. This list, not client memory, is the authority on what still
// needs to be sent.
func (c *Client) UploadStatus(ctx context.Context, uploadID string) ([]int, error) {
	endpoint := fmt.Sprintf("%s/contracts/upload/%s/status", c.baseURL, url.PathEscape(uploadID))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	var response uploadStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}

	return response.Parts, nil
}

// CompleteUpload finalizes the session once every part is confirmed and
// returns the id of the contract record the server created from it.
func (c *Client) CompleteUpload(ctx context.Context, uploadID string, filename string, metadata UploadMetadata) (string, error) {
	query := url.Values{}
	query.Set("filename", filename)
	if metadata.Title != "" {
		query.Set("title", metadata.Title)
	}
	if len(metadata.Tags) > 0 {
		query.Set("tags", strings.Join(metadata.Tags, ","))
	}
	endpoint := fmt.Sprintf("%s/contracts/upload/%s/complete?%s",
		c.baseURL, url.PathEscape(uploadID), query.Encode())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	c.setAuth(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", unwrapError(resp)
	}

	return decodeContractID(resp.Body)
}

// UploadDirect uploads a file in a single request, used below the chunking
// threshold. Returns the new contract id.
func (c *Client) UploadDirect(ctx context.Context, filename string, content []byte, metadata UploadMetadata) (string, error) {
	fields := map[string]string{}
	if metadata.Title != "" {
		fields["title"] = metadata.Title
	}
	if len(metadata.Tags) > 0 {
		fields["tags"] = strings.Join(metadata.Tags, ",")
	}

	body, contentType, err := multipartBody("file", filename, content, metadata.ContentType, fields)
	if err != nil {
		return "", fmt.Errorf("encode upload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/contracts/upload", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", err
	}
	c.setAuth(req.Header)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.partClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", unwrapError(resp)
	}

	return decodeContractID(resp.Body)
}

// RunAnalysis asks the server to start the asynchronous analysis job for the
// contract. A conflict response means the job is already running or has
// already run; the caller proceeds to polling either way.
func (c *Client) RunAnalysis(ctx context.Context, contractID string) error {
	endpoint := fmt.Sprintf("%s/analysis/%s/run?mode=async", c.baseURL, url.PathEscape(contractID))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	c.setAuth(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == toleratedTriggerStatus {
		c.logger.Debugf("Analysis for contract %s already running, proceeding to polling", contractID)
		return nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return unwrapError(resp)
	}

	return nil
}

// GetContractStatus fetches the contract record and returns its job state.
func (c *Client) GetContractStatus(ctx context.Context, contractID string) (ContractStatus, error) {
	endpoint := fmt.Sprintf("%s/contracts/%s", c.baseURL, url.PathEscape(contractID))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ContractStatus{}, err
	}
	c.setAuth(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ContractStatus{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return ContractStatus{}, unwrapError(resp)
	}

	var status ContractStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return ContractStatus{}, err
	}

	return status, nil
}

func (c *Client) setAuth(header http.Header) {
	if c.accessToken != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func decodeContractID(body io.Reader) (string, error) {
	var response completeResponse
	if err := json.NewDecoder(body).Decode(&response); err != nil {
		return "", err
	}

	// Older server versions answer with "id" instead of "contract_id".
	contractID := response.ContractID
	if contractID == "" {
		contractID = response.ID
	}
	if contractID == "" {
		return "", fmt.Errorf("response carries no contract id")
	}
	return contractID, nil
}

func multipartBody(fieldName, filename string, data []byte, fileContentType string, fields map[string]string) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fieldName, filename))
	if fileContentType != "" {
		header.Set("Content-Type", fileContentType)
	}

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return body, writer.FormDataContentType(), nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
