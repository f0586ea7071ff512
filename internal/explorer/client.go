// Package explorer submits contract sources for verification to an
// Etherscan-compatible block explorer and to Sourcify.
package explorer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-retryablehttp"

	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
)

// Outcome is the result of a verification attempt.
type Outcome string

const (
	OutcomeVerified        Outcome = "verified"
	OutcomeAlreadyVerified Outcome = "already_verified"
	OutcomeFailed          Outcome = "failed"
	OutcomeSkipped         Outcome = "skipped"
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	return string(o)
}

// Request describes one contract to verify.
type Request struct {
	Address common.Address
	// ContractName is the fully qualified "contracts/X.sol:X" name.
	ContractName string
	// CompilerVersion is solc's long version, with or without a leading "v".
	CompilerVersion string
	// SourceCode is the solc standard JSON input.
	SourceCode string
	// ConstructorArgs is the ABI-encoded constructor argument blob.
	ConstructorArgs []byte
}

// Config holds explorer client settings.
type Config struct {
	APIURL     string
	BrowserURL string
	APIKey     string
	// ChainID is sent as the chainid parameter when non-zero.
	ChainID      uint64
	PollInterval time.Duration
	// Timeout bounds the status polling of a single verification.
	Timeout  time.Duration
	RetryMax int
	Logger   *slog.Logger
}

// Client talks to the explorer API.
type Client struct {
	cfg    Config
	http   *retryablehttp.Client
	logger *slog.Logger
}

// NewClient creates a Client. Transport errors and 5xx responses are
// retried up to cfg.RetryMax times.
func NewClient(cfg Config) *Client {
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
	httpClient.Logger = logger.With(slog.String("component", "explorer-http"))

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger,
	}
}

// Name identifies the client in results and metrics.
func (c *Client) Name() string {
	return "etherscan"
}

// AddressURL returns the browser page for addr, or "" without a browser URL.
func (c *Client) AddressURL(addr common.Address) string {
	if c.cfg.BrowserURL == "" {
		return ""
	}
	return strings.TrimRight(c.cfg.BrowserURL, "/") + "/address/" + addr.Hex() + "#code"
}

type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// resultString returns Result as a string, or its raw form if it is not one.
func (r *apiResponse) resultString() string {
	var s string
	if err := json.Unmarshal(r.Result, &s); err == nil {
		return s
	}
	return string(r.Result)
}

type sourceCodeEntry struct {
	SourceCode   string `json:"SourceCode"`
	ContractName string `json:"ContractName"`
}

// IsVerified reports whether the explorer already has source for addr.
func (c *Client) IsVerified(ctx context.Context, addr common.Address) (bool, error) {
	params := c.baseParams("getsourcecode")
	params.Set("address", addr.Hex())

	resp, err := c.do(ctx, http.MethodGet, params)
	if err != nil {
		return false, err
	}
	if resp.Status != "1" {
		return false, fmt.Errorf("getsourcecode: %s: %s", resp.Message, resp.resultString())
	}

	var entries []sourceCodeEntry
	if err := json.Unmarshal(resp.Result, &entries); err != nil {
		return false, fmt.Errorf("decode getsourcecode result: %w", err)
	}
	return len(entries) > 0 && entries[0].SourceCode != "", nil
}

// Verify submits req and polls until the explorer reaches a verdict.
// Already verified contracts return OutcomeAlreadyVerified with a nil error.
func (c *Client) Verify(ctx context.Context, req Request) (Outcome, error) {
	verified, err := c.IsVerified(ctx, req.Address)
	if err != nil {
		c.logger.Warn("verification status lookup failed",
			slog.String("address", req.Address.Hex()),
			slog.String("error", err.Error()),
		)
	} else if verified {
		return OutcomeAlreadyVerified, nil
	}

	guid, err := c.submit(ctx, req)
	if errors.Is(err, deployerrors.ErrAlreadyVerified) {
		return OutcomeAlreadyVerified, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	c.logger.Info("verification submitted",
		slog.String("contract", req.ContractName),
		slog.String("address", req.Address.Hex()),
		slog.String("guid", guid),
	)

	outcome, err := c.poll(ctx, guid)
	if errors.Is(err, deployerrors.ErrAlreadyVerified) {
		return OutcomeAlreadyVerified, nil
	}
	return outcome, err
}

func (c *Client) submit(ctx context.Context, req Request) (string, error) {
	compiler, err := NormalizeCompilerVersion(req.CompilerVersion)
	if err != nil {
		return "", err
	}
	if req.SourceCode == "" {
		return "", fmt.Errorf("no standard JSON input for %s", req.ContractName)
	}

	params := c.baseParams("verifysourcecode")
	params.Set("contractaddress", req.Address.Hex())
	params.Set("sourceCode", req.SourceCode)
	params.Set("codeformat", "solidity-standard-json-input")
	params.Set("contractname", req.ContractName)
	params.Set("compilerversion", compiler)
	// Etherscan's parameter name is misspelled.
	params.Set("constructorArguements", hex.EncodeToString(req.ConstructorArgs))

	resp, err := c.do(ctx, http.MethodPost, params)
	if err != nil {
		return "", err
	}

	result := resp.resultString()
	if resp.Status != "1" {
		if isAlreadyVerified(result) || isAlreadyVerified(resp.Message) {
			return "", deployerrors.ErrAlreadyVerified
		}
		return "", fmt.Errorf("verifysourcecode rejected: %s", result)
	}
	return result, nil
}

func (c *Client) poll(ctx context.Context, guid string) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return OutcomeFailed, fmt.Errorf("verification %s: %w", guid, ctx.Err())
		case <-ticker.C:
		}

		params := c.baseParams("checkverifystatus")
		params.Set("guid", guid)

		resp, err := c.do(ctx, http.MethodGet, params)
		if err != nil {
			return OutcomeFailed, err
		}

		result := resp.resultString()
		switch {
		case isPending(result):
			c.logger.Debug("verification pending", slog.String("guid", guid))
			continue
		case isRateLimited(result):
			c.logger.Debug("explorer rate limited, polling again", slog.String("guid", guid))
			continue
		case isAlreadyVerified(result):
			return OutcomeAlreadyVerified, deployerrors.ErrAlreadyVerified
		case strings.HasPrefix(result, "Pass"):
			return OutcomeVerified, nil
		default:
			return OutcomeFailed, fmt.Errorf("verification %s failed: %s", guid, result)
		}
	}
}

func (c *Client) baseParams(action string) url.Values {
	params := url.Values{}
	params.Set("module", "contract")
	params.Set("action", action)
	params.Set("apikey", c.cfg.APIKey)
	if c.cfg.ChainID != 0 {
		params.Set("chainid", strconv.FormatUint(c.cfg.ChainID, 10))
	}
	return params
}

func (c *Client) do(ctx context.Context, method string, params url.Values) (*apiResponse, error) {
	var (
		req *retryablehttp.Request
		err error
	)
	if method == http.MethodPost {
		req, err = retryablehttp.NewRequestWithContext(ctx, method, c.cfg.APIURL, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = retryablehttp.NewRequestWithContext(ctx, method, c.cfg.APIURL+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", params.Get("action"), err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", params.Get("action"), err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", params.Get("action"), err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", params.Get("action"), res.StatusCode)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", params.Get("action"), err)
	}
	return &parsed, nil
}

func isPending(result string) bool {
	return strings.Contains(strings.ToLower(result), "pending in queue")
}

func isRateLimited(result string) bool {
	return strings.Contains(strings.ToLower(result), "rate limit reached")
}

func isAlreadyVerified(s string) bool {
	return strings.Contains(strings.ToLower(s), "already verified")
}

// NormalizeCompilerVersion converts a solc long version such as
// "0.8.23+commit.f704f362" to the explorer form "v0.8.23+commit.f704f362".
// The commit hash is required.
func NormalizeCompilerVersion(version string) (string, error) {
	v, err := semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(version), "v"))
	if err != nil {
		return "", fmt.Errorf("parse compiler version %q: %w", version, err)
	}
	if !strings.HasPrefix(v.Metadata(), "commit.") {
		return "", fmt.Errorf("compiler version %q lacks a commit hash", version)
	}

	out := fmt.Sprintf("v%d.%d.%d", v.Major(), v.Minor(), v.Patch())
	if v.Prerelease() != "" {
		out += "-" + v.Prerelease()
	}
	return out + "+" + v.Metadata(), nil
}
