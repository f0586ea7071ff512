package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-retryablehttp"

	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
)

// SourcifyConfig holds Sourcify client settings.
type SourcifyConfig struct {
	// APIURL is the server root, e.g. https://sourcify.dev/server.
	APIURL string
	// RepoURL is the repository browser root used for AddressURL.
	RepoURL      string
	ChainID      uint64
	PollInterval time.Duration
	// Timeout bounds the job polling of a single verification.
	Timeout  time.Duration
	RetryMax int
	Logger   *slog.Logger
}

// SourcifyClient verifies contracts through the Sourcify v2 API. Sourcify
// needs no API key and recovers constructor arguments from the creation
// transaction itself.
type SourcifyClient struct {
	cfg    SourcifyConfig
	http   *retryablehttp.Client
	logger *slog.Logger
}

// NewSourcifyClient creates a SourcifyClient.
func NewSourcifyClient(cfg SourcifyConfig) *SourcifyClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = cfg.RetryMax
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 5 * time.Second
	httpClient.HTTPClient.Timeout = 30 * time.Second
	httpClient.Logger = logger.With(slog.String("component", "sourcify-http"))

	return &SourcifyClient{
		cfg:    cfg,
		http:   httpClient,
		logger: logger,
	}
}

// Name identifies the client in results and metrics.
func (c *SourcifyClient) Name() string {
	return "sourcify"
}

// AddressURL returns the repository page for addr, or "" without a repo URL.
func (c *SourcifyClient) AddressURL(addr common.Address) string {
	if c.cfg.RepoURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/%d/%s", strings.TrimRight(c.cfg.RepoURL, "/"), c.cfg.ChainID, addr.Hex())
}

type sourcifyError struct {
	CustomCode string `json:"customCode"`
	Message    string `json:"message"`
}

func (e *sourcifyError) String() string {
	if e.Message == "" {
		return e.CustomCode
	}
	return e.CustomCode + ": " + e.Message
}

type sourcifyContract struct {
	Match *string `json:"match"`
}

type sourcifySubmitRequest struct {
	StdJSONInput       json.RawMessage `json:"stdJsonInput"`
	CompilerVersion    string          `json:"compilerVersion"`
	ContractIdentifier string          `json:"contractIdentifier"`
}

type sourcifySubmitResponse struct {
	VerificationID string `json:"verificationId"`
}

type sourcifyJob struct {
	IsJobCompleted bool             `json:"isJobCompleted"`
	Contract       sourcifyContract `json:"contract"`
	Error          *sourcifyError   `json:"error"`
}

// IsVerified reports whether Sourcify already holds a match for addr.
func (c *SourcifyClient) IsVerified(ctx context.Context, addr common.Address) (bool, error) {
	var contract sourcifyContract
	status, err := c.do(ctx, http.MethodGet, c.contractPath(addr), nil, &contract)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return contract.Match != nil && *contract.Match != "", nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("lookup contract: unexpected status %d", status)
	}
}

// Verify submits req and polls the verification job until it completes.
// Already verified contracts return OutcomeAlreadyVerified with a nil error.
func (c *SourcifyClient) Verify(ctx context.Context, req Request) (Outcome, error) {
	verified, err := c.IsVerified(ctx, req.Address)
	if err != nil {
		c.logger.Warn("sourcify status lookup failed",
			slog.String("address", req.Address.Hex()),
			slog.String("error", err.Error()),
		)
	} else if verified {
		return OutcomeAlreadyVerified, nil
	}

	id, err := c.submit(ctx, req)
	if errors.Is(err, deployerrors.ErrAlreadyVerified) {
		return OutcomeAlreadyVerified, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	c.logger.Info("sourcify verification submitted",
		slog.String("contract", req.ContractName),
		slog.String("address", req.Address.Hex()),
		slog.String("verification_id", id),
	)

	outcome, err := c.poll(ctx, id)
	if errors.Is(err, deployerrors.ErrAlreadyVerified) {
		return OutcomeAlreadyVerified, nil
	}
	return outcome, err
}

func (c *SourcifyClient) submit(ctx context.Context, req Request) (string, error) {
	compiler, err := NormalizeCompilerVersion(req.CompilerVersion)
	if err != nil {
		return "", err
	}
	if req.SourceCode == "" || !json.Valid([]byte(req.SourceCode)) {
		return "", fmt.Errorf("no standard JSON input for %s", req.ContractName)
	}

	body := sourcifySubmitRequest{
		StdJSONInput:       json.RawMessage(req.SourceCode),
		CompilerVersion:    strings.TrimPrefix(compiler, "v"),
		ContractIdentifier: req.ContractName,
	}

	var (
		accepted sourcifySubmitResponse
		apiErr   sourcifyError
	)
	status, err := c.do(ctx, http.MethodPost, c.verifyPath(req.Address), body, &accepted, &apiErr)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusAccepted || status == http.StatusOK:
		if accepted.VerificationID == "" {
			return "", errors.New("sourcify accepted the job without a verification id")
		}
		return accepted.VerificationID, nil
	case status == http.StatusConflict || apiErr.CustomCode == "already_verified":
		return "", deployerrors.ErrAlreadyVerified
	default:
		return "", fmt.Errorf("sourcify rejected verification (%d): %s", status, apiErr.String())
	}
}

func (c *SourcifyClient) poll(ctx context.Context, id string) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return OutcomeFailed, fmt.Errorf("verification %s: %w", id, ctx.Err())
		case <-ticker.C:
		}

		var job sourcifyJob
		status, err := c.do(ctx, http.MethodGet, "/v2/verify/"+id, nil, &job)
		if err != nil {
			return OutcomeFailed, err
		}
		if status != http.StatusOK {
			return OutcomeFailed, fmt.Errorf("verification %s: unexpected status %d", id, status)
		}

		switch {
		case !job.IsJobCompleted:
			c.logger.Debug("sourcify job pending", slog.String("verification_id", id))
			continue
		case job.Error != nil && job.Error.CustomCode == "already_verified":
			return OutcomeAlreadyVerified, deployerrors.ErrAlreadyVerified
		case job.Error != nil:
			return OutcomeFailed, fmt.Errorf("verification %s failed: %s", id, job.Error.String())
		case job.Contract.Match != nil && *job.Contract.Match != "":
			return OutcomeVerified, nil
		default:
			return OutcomeFailed, fmt.Errorf("verification %s completed without a match", id)
		}
	}
}

func (c *SourcifyClient) contractPath(addr common.Address) string {
	return "/v2/contract/" + strconv.FormatUint(c.cfg.ChainID, 10) + "/" + addr.Hex()
}

func (c *SourcifyClient) verifyPath(addr common.Address) string {
	return "/v2/verify/" + strconv.FormatUint(c.cfg.ChainID, 10) + "/" + addr.Hex()
}

// do sends a JSON request and returns the status code. A 2xx body is decoded
// into out; any other body is decoded into errOut when one is given.
func (c *SourcifyClient) do(ctx context.Context, method, path string, in any, out any, errOut ...*sourcifyError) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.APIURL, "/")+path, body)
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return res.StatusCode, fmt.Errorf("read %s response: %w", path, err)
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return res.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
			}
		}
		return res.StatusCode, nil
	}

	if len(errOut) > 0 && len(data) > 0 {
		// Error bodies are best effort; the status code is authoritative.
		_ = json.Unmarshal(data, errOut[0])
	}
	return res.StatusCode, nil
}
