package evm

import (
	"context"
	"math/big"
)

// TxStatusSuccess is the receipt status value go-ethereum uses for a
// successfully mined transaction (types.ReceiptStatusSuccessful).
const TxStatusSuccess = uint64(1)

// TransactionReceipt is the subset of an on-chain receipt the exact-scheme
// facilitator pipeline needs to decide whether settlement succeeded.
type TransactionReceipt struct {
	TxHash      string
	BlockNumber uint64
	Status      uint64
}

// ClientEvmSigner signs EIP-712 typed data on the payer's behalf when
// creating a payment payload. Implementations hold the payer's private key
// or delegate to a remote wallet.
type ClientEvmSigner interface {
	Address() string
	SignTypedData(
		ctx context.Context,
		domain TypedDataDomain,
		types map[string][]TypedDataField,
		primaryType string,
		message map[string]interface{},
	) ([]byte, error)
}

// FacilitatorEvmSigner is the chain-access contract a facilitator uses to
// verify and settle EIP-3009 payments: reading token/contract state and
// broadcasting the settlement transaction.
type FacilitatorEvmSigner interface {
	GetAddresses() []string
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)
	GetCode(ctx context.Context, address string) ([]byte, error)
	ReadContract(ctx context.Context, address string, abiJSON []byte, method string, args ...interface{}) (interface{}, error)
	WriteContract(ctx context.Context, address string, abiJSON []byte, method string, args ...interface{}) (string, error)
	SendTransaction(ctx context.Context, to string, data []byte) (string, error)
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}
