package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TypedDataDomain is the EIP-712 domain separator for a token's
// transferWithAuthorization signature.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedDataField is one field of an EIP-712 struct type definition.
type TypedDataField struct {
	Name string
	Type string
}

// ExactEIP3009Authorization is the signed EIP-3009 transferWithAuthorization
// message: the payer, payee, amount, validity window, and anti-replay nonce.
type ExactEIP3009Authorization struct {
	From        string
	To          string
	Value       string
	ValidAfter  string
	ValidBefore string
	Nonce       string
}

// ExactEIP3009Payload is the inner V2 payload for the exact scheme on EVM:
// the signature over the authorization plus the authorization itself.
type ExactEIP3009Payload struct {
	Signature     string
	Authorization ExactEIP3009Authorization
}

// ToMap converts the payload to the generic map[string]interface{} shape
// used by types.PaymentPayload.Payload.
func (p *ExactEIP3009Payload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signature": p.Signature,
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
}

// PayloadFromMap parses a generic payload map back into an ExactEIP3009Payload.
func PayloadFromMap(m map[string]interface{}) (*ExactEIP3009Payload, error) {
	signature, ok := m["signature"].(string)
	if !ok {
		return nil, fmt.Errorf("missing signature field")
	}

	authRaw, ok := m["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing authorization field")
	}

	field := func(key string) (string, error) {
		v, ok := authRaw[key].(string)
		if !ok {
			return "", fmt.Errorf("authorization.%s must be a string", key)
		}
		return v, nil
	}

	from, err := field("from")
	if err != nil {
		return nil, err
	}
	to, err := field("to")
	if err != nil {
		return nil, err
	}
	value, err := field("value")
	if err != nil {
		return nil, err
	}
	validAfter, err := field("validAfter")
	if err != nil {
		return nil, err
	}
	validBefore, err := field("validBefore")
	if err != nil {
		return nil, err
	}
	nonce, err := field("nonce")
	if err != nil {
		return nil, err
	}

	return &ExactEIP3009Payload{
		Signature: signature,
		Authorization: ExactEIP3009Authorization{
			From:        from,
			To:          to,
			Value:       value,
			ValidAfter:  validAfter,
			ValidBefore: validBefore,
			Nonce:       nonce,
		},
	}, nil
}

// eip3009Types is the EIP-712 type definition shared by signing (client)
// and hash verification (facilitator).
func eip3009Types() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
}

// HashEIP3009Authorization computes the EIP-712 digest
// (0x19 0x01 || domainSeparator || hashStruct) a transferWithAuthorization
// signature must cover, for use in facilitator-side signature verification.
func HashEIP3009Authorization(
	authorization ExactEIP3009Authorization,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) ([]byte, error) {
	value, ok := new(big.Int).SetString(authorization.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", authorization.Value)
	}
	validAfter, ok := new(big.Int).SetString(authorization.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", authorization.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(authorization.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", authorization.ValidBefore)
	}
	nonceBytes, err := HexToBytes(authorization.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}

	message := map[string]interface{}{
		"from":        authorization.From,
		"to":          authorization.To,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes,
	}

	typedData := apitypes.TypedData{
		Types:       apitypes.Types{},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              tokenName,
			Version:           tokenVersion,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: verifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range eip3009Types() {
		typedFields := make([]apitypes.Type, len(fields))
		for i, f := range fields {
			typedFields[i] = apitypes.Type{Name: f.Name, Type: f.Type}
		}
		typedData.Types[typeName] = typedFields
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	raw := []byte{0x19, 0x01}
	raw = append(raw, domainSeparator...)
	raw = append(raw, dataHash...)
	return crypto.Keccak256(raw), nil
}
