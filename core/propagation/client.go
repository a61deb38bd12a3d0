package propagation

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/vantus-tm/vantus/core/resource"
	"github.com/vantus-tm/vantus/core/xid"
)

// --- Error Definitions ---

var (
	ErrRemoteNotFound = fmt.Errorf("remote coordinator does not know the transaction")
	ErrRemoteVetoed   = fmt.Errorf("remote coordinator voted to abort")
	ErrRemoteFailure  = fmt.Errorf("remote coordinator reported a failure")
)

// ClientConfig controls a propagation client.
type ClientConfig struct {
	// Location is the remote coordinator's host:port.
	Location string
	TLS      *tls.Config
	QUIC     *quic.Config

	// Retry policy for transport-level failures. Phase calls are never
	// retried blindly: only the initial connect/import is.
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffJitterFrac float64

	RequestTimeout time.Duration
	Logger         *zap.Logger
}

func (c *ClientConfig) setDefaults() error {
	if c.Location == "" {
		return fmt.Errorf("ClientConfig.Location is required")
	}
	if c.TLS == nil {
		return fmt.Errorf("ClientConfig.TLS is required for HTTP/3")
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffJitterFrac <= 0 {
		c.BackoffJitterFrac = 0.2
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Client speaks the propagation protocol to one remote coordinator.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger
	rt     *http3.Transport
	http   *http.Client
	base   string
}

// NewClient creates a propagation client for the given remote location.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	rt := &http3.Transport{TLSClientConfig: cfg.TLS, QUICConfig: cfg.QUIC}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.Named("propagation_client").With(zap.String("location", cfg.Location)),
		rt:     rt,
		http:   &http.Client{Transport: rt, Timeout: cfg.RequestTimeout},
		base:   "https://" + cfg.Location,
	}, nil
}

// Close releases the underlying QUIC connections.
func (c *Client) Close() error {
	return c.rt.Close()
}

// Location returns the remote coordinator address.
func (c *Client) Location() string { return c.cfg.Location }

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrRemoteNotFound
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrRemoteFailure, err)
	}
	return nil
}

// backoff computes the jittered delay for retry attempt n (0-based). The
// doubling stops at MaxBackoff so large attempt counts cannot overflow.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.InitialBackoff
	for i := 0; i < attempt && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	jitter := 1 + c.cfg.BackoffJitterFrac*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// Import propagates x to the remote coordinator, retrying transport
// failures with exponential backoff. Import is idempotent on the remote
// side, so retries are safe.
func (c *Client) Import(ctx context.Context, x xid.Xid, timeout time.Duration, subordinate bool) (created bool, err error) {
	req := ImportRequest{Xid: x.String(), TimeoutMs: timeout.Milliseconds(), Subordinate: subordinate}
	for attempt := 0; ; attempt++ {
		var resp ImportResponse
		err = c.post(ctx, PathImport, req, &resp)
		if err == nil {
			if resp.Status != StatusOK {
				return false, fmt.Errorf("%w: %s", ErrRemoteFailure, resp.Message)
			}
			return resp.Created, nil
		}
		if attempt >= c.cfg.MaxRetries || ctx.Err() != nil {
			return false, err
		}
		delay := c.backoff(attempt)
		c.logger.Warn("import failed, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("backoff", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Prepare asks the remote coordinator to prepare the imported transaction.
func (c *Client) Prepare(ctx context.Context, x xid.Xid) (resource.Vote, error) {
	var resp PhaseResponse
	if err := c.post(ctx, PathPrepare, PhaseRequest{Xid: x.String()}, &resp); err != nil {
		return resource.VotePrepared, err
	}
	switch resp.Status {
	case StatusVoteCommit:
		return voteFromToken(resp.Vote), nil
	case StatusVoteAbort:
		return resource.VotePrepared, fmt.Errorf("%w: %s", ErrRemoteVetoed, resp.Message)
	default:
		return resource.VotePrepared, fmt.Errorf("%w: %s", ErrRemoteFailure, resp.Message)
	}
}

// Commit finalizes the imported transaction on the remote coordinator.
func (c *Client) Commit(ctx context.Context, x xid.Xid, onePhase bool) error {
	var resp PhaseResponse
	if err := c.post(ctx, PathCommit, PhaseRequest{Xid: x.String(), OnePhase: onePhase}, &resp); err != nil {
		return err
	}
	if resp.Status != StatusCommitted {
		return fmt.Errorf("%w: %s", ErrRemoteFailure, resp.Message)
	}
	return nil
}

// Rollback undoes the imported transaction on the remote coordinator.
func (c *Client) Rollback(ctx context.Context, x xid.Xid) error {
	var resp PhaseResponse
	if err := c.post(ctx, PathRollback, PhaseRequest{Xid: x.String()}, &resp); err != nil {
		return err
	}
	if resp.Status != StatusAborted {
		return fmt.Errorf("%w: %s", ErrRemoteFailure, resp.Message)
	}
	return nil
}

// Forget clears a heuristic outcome on the remote coordinator.
func (c *Client) Forget(ctx context.Context, x xid.Xid) error {
	var resp PhaseResponse
	if err := c.post(ctx, PathForget, PhaseRequest{Xid: x.String()}, &resp); err != nil {
		return err
	}
	if resp.Status != StatusOK {
		return fmt.Errorf("%w: %s", ErrRemoteFailure, resp.Message)
	}
	return nil
}

// Recover lists the in-doubt Xids known to the remote coordinator.
func (c *Client) Recover(ctx context.Context) ([]xid.Xid, error) {
	var resp RecoverResponse
	if err := c.post(ctx, PathRecover, struct{}{}, &resp); err != nil {
		return nil, err
	}
	xids := make([]xid.Xid, 0, len(resp.Xids))
	for _, s := range resp.Xids {
		x, err := xid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed xid %q", ErrRemoteFailure, s)
		}
		xids = append(xids, x)
	}
	return xids, nil
}

// RemoteParticipant is the outbound counterpart of the subordinate adapter:
// a resource participant an originating node enlists into its own
// transaction to stand in for the work a remote coordinator performs. Its
// XA calls are forwarded over the propagation protocol.
type RemoteParticipant struct {
	client      *Client
	timeout     time.Duration
	subordinate bool
}

// NewRemoteParticipant wraps a client as an enlistable participant.
func NewRemoteParticipant(client *Client, timeout time.Duration) *RemoteParticipant {
	return &RemoteParticipant{client: client, timeout: timeout, subordinate: true}
}

// ResourceManagerID is unique per remote location so two branches against
// the same remote coordinator are joined.
func (p *RemoteParticipant) ResourceManagerID() string {
	return "vantus-remote:" + p.client.Location()
}

// Start propagates the transaction to the remote coordinator. Imports are
// idempotent, so a join start is indistinguishable from a first start.
func (p *RemoteParticipant) Start(ctx context.Context, x xid.Xid, _ resource.StartFlags) error {
	_, err := p.client.Import(ctx, x, p.timeout, p.subordinate)
	return err
}

// End has no remote work: the subordinate delimits its own branches.
func (p *RemoteParticipant) End(context.Context, xid.Xid, resource.EndFlags) error {
	return nil
}

// Prepare forwards the vote request.
func (p *RemoteParticipant) Prepare(ctx context.Context, x xid.Xid) (resource.Vote, error) {
	return p.client.Prepare(ctx, x)
}

// Commit forwards the commit decision.
func (p *RemoteParticipant) Commit(ctx context.Context, x xid.Xid, onePhase bool) error {
	return p.client.Commit(ctx, x, onePhase)
}

// Rollback forwards the rollback decision.
func (p *RemoteParticipant) Rollback(ctx context.Context, x xid.Xid) error {
	return p.client.Rollback(ctx, x)
}

// Forget forwards heuristic cleanup.
func (p *RemoteParticipant) Forget(ctx context.Context, x xid.Xid) error {
	return p.client.Forget(ctx, x)
}

// Recover forwards a recovery scan.
func (p *RemoteParticipant) Recover(ctx context.Context, flags resource.RecoverFlags) ([]xid.Xid, error) {
	if flags == resource.RecoverScanEnd {
		return nil, nil
	}
	return p.client.Recover(ctx)
}
