// Package atproto is a small XRPC client for the AT Protocol endpoints used
// to publish a post: session creation, blob upload and record creation.
package atproto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultHost is the PDS entryway used when none is configured.
const DefaultHost = "https://bsky.social"

// DefaultTimeout bounds blob uploads and record submission.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is kept for logging.
const maxErrorBody = 4096

// APIError is returned when an XRPC call answers with a non-200 status.
type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

// ErrMissingField is returned when a 200 response lacks a required field.
var ErrMissingField = errors.New("response missing required field")

// Client calls XRPC procedures on a PDS.
type Client struct {
	host      string
	http      *http.Client
	userAgent string
}

// NewClient returns a client for host. A nil httpClient gets one with
// DefaultTimeout.
func NewClient(host string, httpClient *http.Client) *Client {
	if host == "" {
		host = DefaultHost
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		host:      strings.TrimRight(host, "/"),
		http:      httpClient,
		userAgent: "skyposter",
	}
}

// Host returns the PDS base URL.
func (c *Client) Host() string { return c.host }

func (c *Client) procedure(ctx context.Context, nsid, token, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/xrpc/"+nsid, body)
	if err != nil {
		return fmt.Errorf("%s: %w", nsid, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", nsid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Endpoint: nsid, Status: resp.StatusCode, Body: string(b)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", nsid, err)
	}
	return nil
}

type createSessionResponse struct {
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
}

// CreateSession logs in with an identifier (handle, email or DID) and an
// app password.
func (c *Client) CreateSession(ctx context.Context, identifier, password string) (Session, error) {
	payload, err := json.Marshal(map[string]string{
		"identifier": identifier,
		"password":   password,
	})
	if err != nil {
		return Session{}, err
	}
	var out createSessionResponse
	if err := c.procedure(ctx, "com.atproto.server.createSession", "", "application/json", bytes.NewReader(payload), &out); err != nil {
		return Session{}, err
	}
	if out.AccessJWT == "" || out.DID == "" {
		return Session{}, fmt.Errorf("com.atproto.server.createSession: %w: accessJwt/did", ErrMissingField)
	}
	return Session{
		AccessJWT: out.AccessJWT,
		DID:       out.DID,
		Handle:    out.Handle,
		ExpiresAt: tokenExpiry(out.AccessJWT, time.Now()),
	}, nil
}

// UploadBlob uploads raw bytes with the given MIME type and returns the
// server's blob reference.
func (c *Client) UploadBlob(ctx context.Context, token string, data []byte, mimeType string) (*Blob, error) {
	var out struct {
		Blob *Blob `json:"blob"`
	}
	if err := c.procedure(ctx, "com.atproto.repo.uploadBlob", token, mimeType, bytes.NewReader(data), &out); err != nil {
		return nil, err
	}
	if out.Blob == nil {
		return nil, fmt.Errorf("com.atproto.repo.uploadBlob: %w: blob", ErrMissingField)
	}
	return out.Blob, nil
}

// RecordRef identifies a created record.
type RecordRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// CreateRecordRequest is the body of com.atproto.repo.createRecord.
type CreateRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Record     Typed  `json:"record"`
}

// NewCreateRecordRequest wraps record for the repo of did.
func NewCreateRecordRequest(did string, record Typed) CreateRecordRequest {
	return CreateRecordRequest{Repo: did, Collection: record.Type(), Record: record}
}

// CreateRecord submits req. A 200 response without a uri is an error.
func (c *Client) CreateRecord(ctx context.Context, token string, req CreateRecordRequest) (RecordRef, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return RecordRef{}, fmt.Errorf("encode record: %w", err)
	}
	var out RecordRef
	if err := c.procedure(ctx, "com.atproto.repo.createRecord", token, "application/json", bytes.NewReader(payload), &out); err != nil {
		return RecordRef{}, err
	}
	if out.URI == "" {
		return RecordRef{}, fmt.Errorf("com.atproto.repo.createRecord: %w: uri", ErrMissingField)
	}
	return out, nil
}
