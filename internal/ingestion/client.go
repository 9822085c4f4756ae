package ingestion

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Artproton/beacon/internal/protocol"
	"github.com/Artproton/beacon/pkg/log"
)

const (
	apiPath    = "/logs"
	apiVersion = "1.0.0"

	headerAppSecret = "App-Secret"
	headerInstallID = "Install-ID"

	defaultTimeout = 60 * time.Second
)

// Handler receives the outcome of one Send. err is non-nil only for
// transport-level failures; HTTP responses arrive as status and body.
type Handler = func(batchID string, status int, body []byte, err error)

// Delegate observes transport state changes. The sender argument is the
// client raising the notification; the channel group uses it as the pause
// identifier.
type Delegate interface {
	DidPause(sender any)
	DidResume(sender any)
	DidReceiveFatalError(sender any)
}

// Options configures a Client.
type Options struct {
	Endpoint  string
	AppSecret string
	InstallID uuid.UUID
	// HTTPClient overrides the transport; nil uses a default with a 60s
	// timeout.
	HTTPClient *http.Client
	Logger     log.Logger
}

// Client posts log containers to the ingestion endpoint.
type Client struct {
	endpoint  string
	appSecret string
	installID uuid.UUID
	httpc     *http.Client
	logger    log.Logger

	mu        sync.Mutex
	enabled   bool
	paused    bool
	delegates []Delegate
}

// NewClient builds a Client. It starts enabled and unpaused.
func NewClient(opts Options) *Client {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Client{
		endpoint:  opts.Endpoint,
		appSecret: opts.AppSecret,
		installID: opts.InstallID,
		httpc:     httpc,
		logger:    logger.With(log.Component("ingestion")),
		enabled:   true,
	}
}

// AddDelegate registers a delegate for pause/resume/fatal notifications.
func (c *Client) AddDelegate(d Delegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegates = append(c.delegates, d)
}

// RemoveDelegate unregisters a delegate.
func (c *Client) RemoveDelegate(d Delegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.delegates {
		if cur == d {
			c.delegates = append(c.delegates[:i], c.delegates[i+1:]...)
			return
		}
	}
}

// IsReadyToSend reports whether the transport accepts new batches.
func (c *Client) IsReadyToSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled && !c.paused
}

// SetEnabled turns the transport on or off. Enabling an off transport also
// clears the paused state and notifies delegates of the resume.
func (c *Client) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	wasPaused := enabled && c.paused
	c.mu.Unlock()
	if wasPaused {
		c.Resume()
	}
}

// Pause gates new sends and notifies delegates. Idempotent.
func (c *Client) Pause() {
	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = true
	delegates := append([]Delegate(nil), c.delegates...)
	c.mu.Unlock()

	c.logger.Info("transport paused")
	for _, d := range delegates {
		d.DidPause(c)
	}
}

// Resume lifts a transport pause and notifies delegates. Idempotent.
func (c *Client) Resume() {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = false
	delegates := append([]Delegate(nil), c.delegates...)
	c.mu.Unlock()

	c.logger.Info("transport resumed")
	for _, d := range delegates {
		d.DidResume(c)
	}
}

// ReportFatal raises the unrecoverable-transport signal, e.g. when the app
// secret is known to be revoked. Observers are expected to disable and wipe.
func (c *Client) ReportFatal() {
	c.mu.Lock()
	delegates := append([]Delegate(nil), c.delegates...)
	c.mu.Unlock()

	c.logger.Error("transport fatal error")
	for _, d := range delegates {
		d.DidReceiveFatalError(c)
	}
}

// Send posts the batch asynchronously and invokes handler with the outcome.
// A recoverable outcome pauses the client before the handler runs, so the
// channel observes the pause no later than the completion.
func (c *Client) Send(logs []*protocol.Log, batchID, authToken string, handler Handler) {
	go func() {
		status, body, err := c.post(logs, authToken)
		if err != nil || IsRecoverableStatus(status) {
			c.Pause()
		}
		handler(batchID, status, body, err)
	}()
}

func (c *Client) post(logs []*protocol.Log, authToken string) (int, []byte, error) {
	container := protocol.Container{Logs: logs}
	payload, err := container.Marshal()
	if err != nil {
		return 0, nil, fmt.Errorf("ingestion: encode container: %w", err)
	}
	url := fmt.Sprintf("%s%s?api-version=%s", c.endpoint, apiPath, apiVersion)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAppSecret, c.appSecret)
	if c.installID != uuid.Nil {
		req.Header.Set(headerInstallID, c.installID.String())
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Warn("send failed", log.Err(err))
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, body, nil
}

// IsSuccess reports an accepted batch.
func IsSuccess(status int) bool { return status >= 200 && status < 300 }

// IsRecoverableStatus classifies transient HTTP outcomes. 401/403 count as
// recoverable here because the token-exchange layer owns credential repair.
// Status 0 means the request never produced a response.
func IsRecoverableStatus(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusRequestTimeout:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
