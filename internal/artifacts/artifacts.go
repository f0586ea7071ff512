// Package artifacts loads compiled contract artifacts produced by Hardhat.
package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ContractArtifact represents a compiled Solidity contract with ABI and bytecode.
type ContractArtifact struct {
	ContractName string          `json:"contractName"`
	SourceName   string          `json:"sourceName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     Bytecode        `json:"bytecode"`

	// Populated from the build-info file referenced by the .dbg.json sidecar.
	CompilerVersion string          `json:"-"`
	StandardInput   json.RawMessage `json:"-"`

	parsed abi.ABI
}

// Bytecode contains the contract creation bytecode.
// It handles both formats:
// - Simple string: "0x608060..."
// - Object with "object" field: {"object": "0x608060..."}
type Bytecode struct {
	hex string
}

// UnmarshalJSON handles both string and object bytecode formats.
func (b *Bytecode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b.hex = s
		return nil
	}

	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		b.hex = obj.Object
		return nil
	}

	return fmt.Errorf("bytecode must be a string or object with 'object' field")
}

// MarshalJSON marshals the bytecode as a string.
func (b Bytecode) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.hex)
}

// String returns the bytecode hex string.
func (b Bytecode) String() string {
	return b.hex
}

// Bytes decodes the bytecode. Unlinked library placeholders are rejected.
func (b Bytecode) Bytes() ([]byte, error) {
	h := b.hex
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	if strings.Contains(h, "__") {
		return nil, fmt.Errorf("bytecode has unlinked library references")
	}
	return hexutil.Decode(h)
}

// ABIDefinition returns the parsed ABI.
func (a *ContractArtifact) ABIDefinition() abi.ABI {
	return a.parsed
}

// FullyQualifiedName returns "<sourceName>:<contractName>", the form
// explorers expect for standard JSON input verification.
func (a *ContractArtifact) FullyQualifiedName() string {
	return a.SourceName + ":" + a.ContractName
}

// EncodeConstructorArgs ABI-encodes args for the contract's constructor.
// Contracts without a constructor accept no arguments.
func (a *ContractArtifact) EncodeConstructorArgs(args ...any) ([]byte, error) {
	if len(args) == 0 {
		return []byte{}, nil
	}
	packed, err := a.parsed.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("encode constructor args for %s: %w", a.ContractName, err)
	}
	return packed, nil
}

// DeployData returns creation bytecode followed by encoded constructor args.
func (a *ContractArtifact) DeployData(args ...any) ([]byte, error) {
	code, err := a.Bytecode.Bytes()
	if err != nil {
		return nil, fmt.Errorf("decode bytecode for %s: %w", a.ContractName, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%s has empty bytecode (abstract contract or interface?)", a.ContractName)
	}
	encoded, err := a.EncodeConstructorArgs(args...)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, len(code)+len(encoded))
	data = append(data, code...)
	return append(data, encoded...), nil
}

type debugFile struct {
	BuildInfo string `json:"buildInfo"`
}

type buildInfo struct {
	SolcLongVersion string          `json:"solcLongVersion"`
	Input           json.RawMessage `json:"input"`
}

// Loader reads artifacts from a Hardhat artifacts directory, caching
// build-info files shared by several contracts.
type Loader struct {
	dir string

	mu         sync.Mutex
	buildInfos map[string]*buildInfo
}

// NewLoader creates a loader rooted at dir (usually "./artifacts").
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:        dir,
		buildInfos: make(map[string]*buildInfo),
	}
}

// Load reads the artifact for contractName from contracts/<name>.sol/<name>.json.
func (l *Loader) Load(contractName string) (*ContractArtifact, error) {
	return l.LoadFromSource("contracts/"+contractName+".sol", contractName)
}

// LoadFromSource reads the artifact for contractName declared in sourceName.
func (l *Loader) LoadFromSource(sourceName, contractName string) (*ContractArtifact, error) {
	artifactDir := filepath.Join(l.dir, filepath.FromSlash(sourceName))
	artifactPath := filepath.Join(artifactDir, contractName+".json")

	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", contractName, err)
	}

	var artifact ContractArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", contractName, err)
	}
	if artifact.ContractName == "" {
		artifact.ContractName = contractName
	}
	if artifact.SourceName == "" {
		artifact.SourceName = sourceName
	}

	parsed, err := abi.JSON(bytes.NewReader(artifact.ABI))
	if err != nil {
		return nil, fmt.Errorf("parse ABI for %s: %w", contractName, err)
	}
	artifact.parsed = parsed

	info, err := l.buildInfoFor(artifactDir, contractName)
	if err != nil {
		return nil, err
	}
	if info != nil {
		artifact.CompilerVersion = info.SolcLongVersion
		artifact.StandardInput = info.Input
	}

	return &artifact, nil
}

// buildInfoFor resolves the .dbg.json sidecar. A missing sidecar is not an
// error: the artifact can still be deployed, only verification needs it.
func (l *Loader) buildInfoFor(artifactDir, contractName string) (*buildInfo, error) {
	dbgPath := filepath.Join(artifactDir, contractName+".dbg.json")
	data, err := os.ReadFile(dbgPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read debug file for %s: %w", contractName, err)
	}

	var dbg debugFile
	if err := json.Unmarshal(data, &dbg); err != nil {
		return nil, fmt.Errorf("parse debug file for %s: %w", contractName, err)
	}
	if dbg.BuildInfo == "" {
		return nil, nil
	}

	path := filepath.Clean(filepath.Join(artifactDir, filepath.FromSlash(dbg.BuildInfo)))

	l.mu.Lock()
	defer l.mu.Unlock()

	if info, ok := l.buildInfos[path]; ok {
		return info, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read build info for %s: %w", contractName, err)
	}
	var info buildInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("parse build info for %s: %w", contractName, err)
	}
	l.buildInfos[path] = &info
	return &info, nil
}
