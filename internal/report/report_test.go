package report

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/nouns-deployer/internal/deployer"
	"github.com/Bidon15/nouns-deployer/internal/explorer"
	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
	"github.com/Bidon15/nouns-deployer/internal/pkg/runid"
)

var (
	eas            = common.HexToAddress("0x4200000000000000000000000000000000000021")
	myNouns        = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	tokenizedNoun  = common.HexToAddress("0x00000000000000000000000000000000000000B2")
	fractionalNoun = common.HexToAddress("0x00000000000000000000000000000000000000C3")
)

func testSummary() *deployer.Summary {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &deployer.Summary{
		RunID:      runid.New(started),
		Mode:       deployer.ModeResume,
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Minute),
		Stage:      deployer.StageDone,
		Deployments: []deployer.DeploymentResult{
			{Name: deployer.StepMyNouns, Contract: "MyNouns", Address: myNouns, Existing: true},
			{
				Name: deployer.StepTokenizedNoun, Contract: "TokenizedNoun", Address: tokenizedNoun,
				TxHash: common.HexToHash("0x01"), BlockNumber: 10, ConstructorArgs: []any{eas, myNouns},
			},
			{
				Name: deployer.StepFractionalNoun, Contract: "FractionalNoun", Address: fractionalNoun,
				TxHash: common.HexToHash("0x02"), BlockNumber: 11, ConstructorArgs: []any{tokenizedNoun},
			},
		},
		Wiring: []deployer.WiringResult{{
			Name: deployer.WireFractionalNoun, Target: tokenizedNoun, Method: "setFractionalNounContract",
			Arg: fractionalNoun, TxHash: common.HexToHash("0x03"), BlockNumber: 12,
		}},
		Verifications: []deployer.VerificationResult{
			{Name: deployer.StepMyNouns, Verifier: "etherscan", Outcome: explorer.OutcomeAlreadyVerified},
			{Name: deployer.StepTokenizedNoun, Verifier: "etherscan", Outcome: explorer.OutcomeVerified, URL: "https://sepolia.basescan.org/address/0xB2#code"},
			{Name: deployer.StepFractionalNoun, Verifier: "sourcify", Outcome: explorer.OutcomeFailed, Err: errors.New("Fail - Unable to verify")},
		},
	}
}

func TestNew(t *testing.T) {
	r := New(testSummary(), Meta{Network: "baseSepolia", ChainID: 84532, Deployer: common.HexToAddress("0xf39F")})

	assert.Equal(t, "resume", r.Mode)
	assert.Equal(t, "done", r.Stage)
	assert.Equal(t, uint64(84532), r.ChainID)
	require.Len(t, r.Contracts, 3)

	assert.True(t, r.Contracts[0].Existing)
	assert.Empty(t, r.Contracts[0].TxHash)
	assert.Equal(t, []string{eas.Hex(), myNouns.Hex()}, r.Contracts[1].ConstructorArgs)

	require.Len(t, r.Wiring, 1)
	assert.Equal(t, fractionalNoun.Hex(), r.Wiring[0].Arg)
	assert.Equal(t, common.HexToHash("0x03").Hex(), r.Wiring[0].TxHash)

	require.Len(t, r.Verifications, 3)
	assert.Equal(t, "Fail - Unable to verify", r.Verifications[2].Error)
	assert.Equal(t, "etherscan", r.Verifications[0].Verifier)
	assert.Equal(t, "sourcify", r.Verifications[2].Verifier)
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "run.yaml")
	want := New(testSummary(), Meta{Network: "baseSepolia", ChainID: 84532})

	require.NoError(t, Write(path, want))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, want.RunID, got.RunID)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, want.Contracts, got.Contracts)
	assert.Equal(t, map[string]common.Address{
		deployer.StepMyNouns:        myNouns,
		deployer.StepTokenizedNoun:  tokenizedNoun,
		deployer.StepFractionalNoun: fractionalNoun,
	}, got.Addresses())
	assert.Equal(t, map[string][]string{
		deployer.StepTokenizedNoun:  {eas.Hex(), myNouns.Hex()},
		deployer.StepFractionalNoun: {tokenizedNoun.Hex()},
	}, got.ConstructorArgs())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteAbortedRun(t *testing.T) {
	s := testSummary()
	s.Stage = deployer.StageAborted
	s.Deployments = s.Deployments[:1]
	s.Wiring = nil
	s.Verifications = nil

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, Write(path, New(s, Meta{})))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "aborted", got.Stage)
	assert.Len(t, got.Addresses(), 1)
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
		return p
	}
	validID := runid.New(time.Now())

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "nope.yaml")},
		{"not yaml", write("bad.yaml", "run-id: [unterminated")},
		{"bad run id", write("id.yaml", "run-id: not-a-ulid\ncontracts: []\n")},
		{"bad address", write("addr.yaml", "run-id: "+validID+"\ncontracts:\n  - step: my_nouns\n    address: 0x123\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(tt.path)
			require.Error(t, err)
			assert.Equal(t, deployerrors.ExitConfig, deployerrors.ExitCode(err))
		})
	}
}
