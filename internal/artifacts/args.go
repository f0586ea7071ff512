package artifacts

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// FormatArg renders a constructor argument the way reports and the run
// journal store it. ParseConstructorArgs reverses it.
func FormatArg(arg any) string {
	switch v := arg.(type) {
	case common.Address:
		return v.Hex()
	case []byte:
		return hexutil.Encode(v)
	case *big.Int:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// FormatArgs applies FormatArg to every element of args.
func FormatArgs(args []any) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = FormatArg(arg)
	}
	return out
}

// ParseConstructorArgs converts stored arguments back into the Go values the
// constructor ABI packs. Only elementary types are supported.
func (a *ContractArtifact) ParseConstructorArgs(values []string) ([]any, error) {
	inputs := a.parsed.Constructor.Inputs
	if len(values) != len(inputs) {
		return nil, fmt.Errorf("%s constructor takes %d args, got %d", a.ContractName, len(inputs), len(values))
	}
	if len(values) == 0 {
		return nil, nil
	}

	out := make([]any, len(values))
	for i, in := range inputs {
		v, err := parseArg(in.Type, values[i])
		if err != nil {
			return nil, fmt.Errorf("%s constructor arg %q: %w", a.ContractName, in.Name, err)
		}
		out[i] = v
	}
	return out, nil
}

func parseArg(t abi.Type, s string) (any, error) {
	switch t.T {
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("malformed address %q", s)
		}
		return common.HexToAddress(s), nil

	case abi.BoolTy:
		return strconv.ParseBool(s)

	case abi.StringTy:
		return s, nil

	case abi.BytesTy:
		return hexutil.Decode(s)

	case abi.FixedBytesTy:
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) != t.Size {
			return nil, fmt.Errorf("want %d bytes, got %d", t.Size, len(b))
		}
		v := reflect.New(t.GetType()).Elem()
		reflect.Copy(v, reflect.ValueOf(b))
		return v.Interface(), nil

	case abi.IntTy, abi.UintTy:
		n, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, fmt.Errorf("malformed integer %q", s)
		}
		if t.Size > 64 {
			return n, nil
		}
		v := reflect.New(t.GetType()).Elem()
		if t.T == abi.UintTy {
			if n.Sign() < 0 || !n.IsUint64() || v.OverflowUint(n.Uint64()) {
				return nil, fmt.Errorf("%s out of range for %s", s, t.String())
			}
			v.SetUint(n.Uint64())
		} else {
			if !n.IsInt64() || v.OverflowInt(n.Int64()) {
				return nil, fmt.Errorf("%s out of range for %s", s, t.String())
			}
			v.SetInt(n.Int64())
		}
		return v.Interface(), nil

	default:
		return nil, fmt.Errorf("unsupported type %s", t.String())
	}
}
