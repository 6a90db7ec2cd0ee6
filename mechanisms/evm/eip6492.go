package evm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Settlement-side error reasons for ERC-4337 counterfactual deployment.
const (
	ErrUndeployedSmartWallet       = "undeployed_smart_wallet"
	ErrSmartWalletDeploymentFailed = "smart_wallet_deployment_failed"
)

// erc6492Magic is the 32-byte ERC-6492 detection suffix appended to wrapped signatures.
var erc6492Magic = bytes.Repeat([]byte{0x64, 0x92}, 16)

func mustABIType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var erc6492Args = abi.Arguments{
	{Type: mustABIType("address")},
	{Type: mustABIType("bytes")},
	{Type: mustABIType("bytes")},
}

// ERC6492SignatureData holds the decoded components of an ERC-6492
// "wrapped" signature: an optional factory deployment and the inner
// signature that ultimately validates against the account.
type ERC6492SignatureData struct {
	Factory         [20]byte
	FactoryCalldata []byte
	InnerSignature  []byte
}

// ParseERC6492Signature unwraps an ERC-6492 counterfactual signature,
// returning the embedded factory deployment (if any) and the inner
// signature to validate. Signatures without the ERC-6492 magic suffix pass
// through unchanged as a plain InnerSignature.
func ParseERC6492Signature(signature []byte) (*ERC6492SignatureData, error) {
	if len(signature) < 32 || !bytes.Equal(signature[len(signature)-32:], erc6492Magic) {
		return &ERC6492SignatureData{InnerSignature: signature}, nil
	}

	body := signature[:len(signature)-32]
	values, err := erc6492Args.Unpack(body)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack erc-6492 signature: %w", err)
	}

	factoryAddr, ok := values[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected erc-6492 factory type")
	}
	factoryCalldata, ok := values[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected erc-6492 factoryCalldata type")
	}
	innerSig, ok := values[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected erc-6492 inner signature type")
	}

	return &ERC6492SignatureData{
		Factory:         [20]byte(factoryAddr),
		FactoryCalldata: factoryCalldata,
		InnerSignature:  innerSig,
	}, nil
}

const eip1271MagicValue = "0x1626ba7e"

var eip1271ABI = []byte(`[{"inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],"name":"isValidSignature","outputs":[{"name":"","type":"bytes4"}],"stateMutability":"view","type":"function"}]`)

// VerifyUniversalSignature checks signature against hash for address,
// supporting plain ECDSA (EOA), EIP-1271 (deployed smart contract), and
// ERC-6492 (counterfactual/undeployed smart contract) signatures.
//
// When the account is undeployed and allowUndeployed is set, the embedded
// factory deployment is trusted rather than re-simulated here; the account
// is deployed and re-verified on-chain at settlement time.
func VerifyUniversalSignature(
	ctx context.Context,
	signer FacilitatorEvmSigner,
	address string,
	hash [32]byte,
	signature []byte,
	allowUndeployed bool,
) (bool, *ERC6492SignatureData, error) {
	sigData, err := ParseERC6492Signature(signature)
	if err != nil {
		return false, nil, err
	}

	if len(sigData.InnerSignature) == 65 && verifyECDSA(address, hash, sigData.InnerSignature) {
		return true, sigData, nil
	}

	code, err := signer.GetCode(ctx, address)
	if err != nil {
		return false, sigData, fmt.Errorf("failed to read account code: %w", err)
	}

	if len(code) == 0 {
		var zeroFactory [20]byte
		if allowUndeployed && sigData.Factory != zeroFactory {
			return true, sigData, nil
		}
		return false, sigData, nil
	}

	result, err := signer.ReadContract(ctx, address, eip1271ABI, "isValidSignature", hash, sigData.InnerSignature)
	if err != nil {
		return false, sigData, fmt.Errorf("failed to call isValidSignature: %w", err)
	}

	magic, ok := result.([4]byte)
	if !ok {
		return false, sigData, nil
	}
	return BytesToHex(magic[:]) == eip1271MagicValue, sigData, nil
}

func verifyECDSA(address string, hash [32]byte, signature []byte) bool {
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash[:], sig)
	if err != nil {
		return false
	}
	return common.HexToAddress(address) == crypto.PubkeyToAddress(*pubKey)
}
