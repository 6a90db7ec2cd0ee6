package evm

// Function name constants for the ERC-3009 contract calls the facilitator
// reads from and writes to.
const (
	FunctionAuthorizationState        = "authorizationState"
	FunctionTransferWithAuthorization  = "transferWithAuthorization"
)

// AuthorizationStateABI is the minimal ABI for EIP-3009's view function that
// reports whether a (signer, nonce) authorization has already been used.
var AuthorizationStateABI = []byte(`[{
	"inputs": [
		{"name": "authorizer", "type": "address"},
		{"name": "nonce", "type": "bytes32"}
	],
	"name": "authorizationState",
	"outputs": [{"name": "", "type": "bool"}],
	"stateMutability": "view",
	"type": "function"
}]`)

// TransferWithAuthorizationVRSABI is the EIP-3009 overload for EOA wallets,
// taking the ECDSA signature split into its v, r, s components.
var TransferWithAuthorizationVRSABI = []byte(`[{
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "v", "type": "uint8"},
		{"name": "r", "type": "bytes32"},
		{"name": "s", "type": "bytes32"}
	],
	"name": "transferWithAuthorization",
	"outputs": [],
	"stateMutability": "nonpayable",
	"type": "function"
}]`)

// TransferWithAuthorizationBytesABI is the EIP-3009 overload used for smart
// contract wallets, taking a single opaque signature blob (EIP-1271/6492).
var TransferWithAuthorizationBytesABI = []byte(`[{
	"inputs": [
		{"name": "from", "type": "address"},
		{"name": "to", "type": "address"},
		{"name": "value", "type": "uint256"},
		{"name": "validAfter", "type": "uint256"},
		{"name": "validBefore", "type": "uint256"},
		{"name": "nonce", "type": "bytes32"},
		{"name": "signature", "type": "bytes"}
	],
	"name": "transferWithAuthorization",
	"outputs": [],
	"stateMutability": "nonpayable",
	"type": "function"
}]`)
