// Package transcribe provides a client for the external transcription and
// speaker diarization API. Processing is asynchronous on the provider's
// side: submit an audio file, receive a job ID, then poll the job until it
// completes and fetch the diarized transcript.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// defaultTimeout is the HTTP client timeout. It covers the multipart
	// upload of a full session recording, so it is generous.
	defaultTimeout = 2 * time.Minute

	// Job status poll settings. Backoff doubles from the initial interval
	// up to the max, and the whole wait is bounded by maxPollAttempts so a
	// provider that never resolves a job cannot park a worker forever.
	initialPollInterval = 2 * time.Second
	maxPollInterval     = 15 * time.Second
	maxPollAttempts     = 60

	// requestsPerSecond caps poll traffic against the provider.
	requestsPerSecond = 2
)

// Sentinel errors distinguishing provider-side failure from our own timeout.
var (
	// ErrJobFailed means the provider reported the job as failed.
	ErrJobFailed = errors.New("transcription job failed")

	// ErrJobTimeout means the job did not reach a terminal state within
	// the poll budget.
	ErrJobTimeout = errors.New("transcription job timed out")
)

// Job states reported by the provider.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Segment is one speaker-tagged span of the diarized transcript, with
// start and end offsets in seconds.
type Segment struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
}

// JobStatus is the provider's view of an in-flight job.
type JobStatus struct {
	State    string `json:"state"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// Client calls the transcription provider's jobs API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter

	// Poll tuning, defaulted in NewClient. Shortened in tests.
	initialInterval time.Duration
	maxInterval     time.Duration
	maxAttempts     int
}

// NewClient creates a transcription API client. baseURL is the provider
// endpoint without a trailing slash.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient:      &http.Client{Timeout: defaultTimeout},
		baseURL:         baseURL,
		apiKey:          apiKey,
		limiter:         rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		initialInterval: initialPollInterval,
		maxInterval:     maxPollInterval,
		maxAttempts:     maxPollAttempts,
	}
}

type submitResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

type resultResponse struct {
	Segments []Segment `json:"segments"`
	Error    string    `json:"error,omitempty"`
}

// SubmitFile uploads the audio file at path and starts a diarized
// transcription job, returning the provider's job ID.
func (c *Client) SubmitFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	// Stream the multipart body through a pipe so the recording is never
	// buffered whole in memory.
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("audio", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := writer.WriteField("diarization", "true"); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", pr)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Debug().Str("file", filepath.Base(path)).Msg("Submitting transcription job")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	var result submitResponse
	if err := decodeResponse(resp, &result); err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	if result.JobID == "" {
		return "", fmt.Errorf("submit job: provider returned no job ID")
	}

	log.Info().Str("jobId", result.JobID).Msg("Transcription job submitted")
	return result.JobID, nil
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/jobs/%s", c.baseURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("job status: %w", err)
	}
	defer resp.Body.Close()

	var status JobStatus
	if err := decodeResponse(resp, &status); err != nil {
		return nil, fmt.Errorf("job status: %w", err)
	}
	return &status, nil
}

// Result fetches the diarized transcript of a completed job.
func (c *Client) Result(ctx context.Context, jobID string) ([]Segment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/jobs/%s/result", c.baseURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("job result: %w", err)
	}
	defer resp.Body.Close()

	var result resultResponse
	if err := decodeResponse(resp, &result); err != nil {
		return nil, fmt.Errorf("job result: %w", err)
	}
	return result.Segments, nil
}

// WaitForJob polls a job until it completes or fails, invoking onProgress
// with the provider's 0-100 progress figure after each successful poll.
// Uses exponential backoff: 2s, 4s, 8s, 15s (max), bounded at
// maxPollAttempts polls. Returns ErrJobFailed or ErrJobTimeout.
func (c *Client) WaitForJob(ctx context.Context, jobID string, onProgress func(int)) error {
	interval := c.initialInterval

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		status, err := c.Status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient errors: log and retry on the next tick.
			log.Warn().Err(err).Str("jobId", jobID).Msg("Job status poll error, retrying")
		} else {
			switch status.State {
			case StateCompleted:
				log.Debug().Str("jobId", jobID).Int("attempts", attempt).Msg("Transcription job completed")
				if onProgress != nil {
					onProgress(100)
				}
				return nil
			case StateFailed:
				if status.Error != "" {
					return fmt.Errorf("%w: %s", ErrJobFailed, status.Error)
				}
				return ErrJobFailed
			case StateQueued, StateRunning:
				log.Debug().Str("jobId", jobID).Int("progress", status.Progress).Dur("nextPoll", interval).Msg("Transcription job in progress")
				if onProgress != nil {
					onProgress(status.Progress)
				}
			default:
				log.Warn().Str("jobId", jobID).Str("state", status.State).Msg("Unknown job state")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval = interval * 2
		if interval > c.maxInterval {
			interval = c.maxInterval
		}
	}

	return fmt.Errorf("%w: job %s after %d polls", ErrJobTimeout, jobID, c.maxAttempts)
}

// decodeResponse parses a provider JSON response, surfacing HTTP and
// API-level errors.
func decodeResponse(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
