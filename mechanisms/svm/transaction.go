package svm

import (
	"encoding/base64"
	"fmt"
	"math/big"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// ExactSvmPayload is the inner V2 payload for the exact scheme on Solana:
// a single base64-encoded, partially-signed transaction.
type ExactSvmPayload struct {
	Transaction string
}

// ToMap converts the payload to the generic map[string]interface{} shape
// used by types.PaymentPayload.Payload.
func (p *ExactSvmPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"transaction": p.Transaction,
	}
}

// PayloadFromMap parses a generic payload map back into an ExactSvmPayload.
func PayloadFromMap(m map[string]interface{}) (*ExactSvmPayload, error) {
	txVal, ok := m["transaction"]
	if !ok {
		return nil, fmt.Errorf("missing transaction field")
	}
	txStr, ok := txVal.(string)
	if !ok {
		return nil, fmt.Errorf("transaction field must be a string")
	}
	return &ExactSvmPayload{Transaction: txStr}, nil
}

// EncodeTransaction base64-encodes a serialized Solana transaction for
// inclusion in a payment payload.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction reverses EncodeTransaction.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to base64-decode transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(solana.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// GetTokenPayerFromTransaction returns the authority (owner) address of the
// transaction's TransferChecked instruction, identifying the payer.
func GetTokenPayerFromTransaction(tx *solana.Transaction) (string, error) {
	for _, inst := range tx.Message.Instructions {
		progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
		if progID != solana.TokenProgramID && progID != solana.Token2022ProgramID {
			continue
		}

		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			continue
		}

		decoded, err := token.DecodeInstruction(accounts, inst.Data)
		if err != nil {
			continue
		}

		if _, ok := decoded.Impl.(*token.TransferChecked); !ok {
			continue
		}

		// TransferChecked account order: [source, mint, destination, authority, ...signers]
		if len(accounts) < 4 {
			continue
		}
		return accounts[3].PublicKey.String(), nil
	}
	return "", fmt.Errorf("no transfer instruction found in transaction")
}

// ParseAmount converts a decimal amount string (e.g. "1.50") to the token's
// smallest unit given its decimals, using exact big.Rat arithmetic so the
// conversion never passes through a float.
func ParseAmount(amount string, decimals uint8) (uint64, error) {
	rat, ok := new(big.Rat).SetString(amount)
	if !ok {
		return 0, fmt.Errorf("invalid decimal amount: %s", amount)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))

	if !rat.IsInt() {
		return 0, fmt.Errorf("amount %s has more precision than %d decimals allows", amount, decimals)
	}

	i := rat.Num()
	if i.Sign() < 0 {
		return 0, fmt.Errorf("amount %s is negative", amount)
	}
	if !i.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows uint64", amount)
	}
	return i.Uint64(), nil
}
