package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/x402proto/x402"
	evmmech "github.com/x402proto/x402/mechanisms/evm"
	"github.com/x402proto/x402/mechanisms/evm/erc4337"
	evm "github.com/x402proto/x402/mechanisms/evm/exact/facilitator"
	svmfac "github.com/x402proto/x402/mechanisms/svm/exact/facilitator"

	"github.com/x402proto/x402/internal/facilitator/cache"
	"github.com/x402proto/x402/internal/facilitator/config"
	"github.com/x402proto/x402/internal/facilitator/server"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting X402 Facilitator Service")
	log.Printf("Environment: %s", cfg.Environment)
	log.Printf("Port: %d", cfg.Port)

	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Printf("Warning: Redis connection failed: %v", err)
		log.Printf("Continuing without Redis (rate limiting disabled)")
		redisClient = nil
	} else {
		log.Printf("Redis connected: %s", cfg.RedisURL)
	}

	facilitator, err := setupFacilitator(cfg)
	if err != nil {
		log.Fatalf("Failed to setup facilitator: %v", err)
	}

	srv := server.New(facilitator, redisClient, cfg)
	srv.Start()
}

// setupFacilitator creates and configures the x402 facilitator, registering
// whichever of the EVM and Solana mechanisms have credentials configured.
func setupFacilitator(cfg *config.Config) (server.Facilitator, error) {
	facilitator := x402.Newx402Facilitator()

	var configuredNetworks []string

	if cfg.EvmPrivateKey != "" {
		type networkInfo struct {
			network x402.Network
			rpc     string
			name    string
		}

		networks := []networkInfo{
			{x402.Network("eip155:1"), cfg.EthRPC, "Ethereum"},
			{x402.Network("eip155:42161"), cfg.ArbitrumRPC, "Arbitrum"},
			{x402.Network("eip155:8453"), cfg.BaseRPC, "Base"},
			{x402.Network("eip155:10"), cfg.OptimismRPC, "Optimism"},
		}

		defaultRPC := cfg.BaseRPC
		if defaultRPC == "" {
			defaultRPC = cfg.EthRPC
		}
		if defaultRPC == "" {
			defaultRPC = cfg.ArbitrumRPC
		}
		if defaultRPC == "" {
			log.Printf("Warning: No RPC endpoint configured for EVM chains")
		} else {
			signer, err := newFacilitatorEvmSigner(cfg.EvmPrivateKey, defaultRPC)
			if err != nil {
				return nil, fmt.Errorf("failed to create EVM signer: %w", err)
			}

			var networkList []x402.Network
			for _, n := range networks {
				if n.rpc != "" {
					networkList = append(networkList, n.network)
					configuredNetworks = append(configuredNetworks, n.name)
				}
			}

			if len(networkList) > 0 {
				evmConfig := &evm.ExactEvmSchemeConfig{
					DeployERC4337WithEIP6492: true,
				}
				if cfg.BundlerURL != "" {
					evmConfig.Bundler = erc4337.NewBundlerClient(erc4337.BundlerConfig{BundlerURL: cfg.BundlerURL})
					log.Printf("ERC-4337 bundler configured: %s", cfg.BundlerURL)
				}
				if cfg.PaymasterURL != "" {
					evmConfig.Paymaster = erc4337.NewPimlicoPaymaster(erc4337.PimlicoPaymasterConfig{PaymasterURL: cfg.PaymasterURL})
					log.Printf("ERC-4337 paymaster configured: %s", cfg.PaymasterURL)
				}
				facilitator.Register(networkList, evm.NewExactEvmScheme(signer, evmConfig))
				log.Printf("EVM facilitator address: %s", signer.GetAddresses()[0])
			}
		}
	} else {
		log.Printf("Warning: EVM_PRIVATE_KEY not set, EVM chains disabled")
	}

	if cfg.SvmPrivateKey != "" {
		solanaSigner, err := newFacilitatorSolanaSigner(cfg.SvmPrivateKey, cfg.SolanaRPC, cfg.SolanaDevnetRPC)
		if err != nil {
			log.Printf("Warning: Failed to create Solana signer: %v", err)
		} else {
			var svmNetworks []x402.Network

			if cfg.SolanaRPC != "" {
				svmNetworks = append(svmNetworks, x402.Network("solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"))
				configuredNetworks = append(configuredNetworks, "Solana Mainnet")
			}
			if cfg.SolanaDevnetRPC != "" {
				svmNetworks = append(svmNetworks, x402.Network("solana:EtWTRABZaYq6iMfeYKQZheFnJgd3pLFT"))
				configuredNetworks = append(configuredNetworks, "Solana Devnet")
			}

			if len(svmNetworks) > 0 {
				facilitator.Register(svmNetworks, svmfac.NewExactSvmScheme(solanaSigner))
				addrs := solanaSigner.GetAddresses(context.Background(), string(svmNetworks[0]))
				if len(addrs) > 0 {
					log.Printf("Solana facilitator address: %s", addrs[0])
				}
			}
		}
	} else {
		log.Printf("Warning: SVM_PRIVATE_KEY not set, Solana chains disabled")
	}

	if len(configuredNetworks) == 0 {
		return nil, fmt.Errorf("no networks configured - at least one private key is required")
	}

	log.Printf("Configured networks: %v", configuredNetworks)

	facilitator.OnAfterVerify(func(ctx x402.FacilitatorVerifyResultContext) error {
		log.Printf("Payment verified: payer=%s valid=%v",
			ctx.Result.Payer, ctx.Result.IsValid)
		return nil
	})

	facilitator.OnAfterSettle(func(ctx x402.FacilitatorSettleResultContext) error {
		log.Printf("Payment settled: tx=%s payer=%s",
			ctx.Result.Transaction, ctx.Result.Payer)
		return nil
	})

	facilitator.OnVerifyFailure(func(ctx x402.FacilitatorVerifyFailureContext) (*x402.FacilitatorVerifyFailureHookResult, error) {
		log.Printf("Verify failed: error=%v", ctx.Error)
		return nil, nil
	})

	facilitator.OnSettleFailure(func(ctx x402.FacilitatorSettleFailureContext) (*x402.FacilitatorSettleFailureHookResult, error) {
		log.Printf("Settle failed: error=%v", ctx.Error)
		return nil, nil
	})

	return facilitator, nil
}

func printUsage() {
	fmt.Println("X402 Facilitator Service")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  PORT                 - Server port (default: 8080)")
	fmt.Println("  ENVIRONMENT          - Environment (development/production)")
	fmt.Println("  REDIS_URL            - Redis connection URL")
	fmt.Println("  RATE_LIMIT_REQUESTS  - Max requests per window (default: 1000)")
	fmt.Println("  RATE_LIMIT_WINDOW    - Rate limit window in seconds (default: 60)")
	fmt.Println()
	fmt.Println("  EVM_PRIVATE_KEY      - Private key for EVM chains")
	fmt.Println("  ETH_RPC              - Ethereum RPC endpoint")
	fmt.Println("  ARBITRUM_RPC         - Arbitrum RPC endpoint")
	fmt.Println("  BASE_RPC             - Base RPC endpoint")
	fmt.Println()
	fmt.Println("  SVM_PRIVATE_KEY      - Private key (hex) for the Solana fee payer")
	fmt.Println("  SOLANA_RPC           - Solana mainnet RPC endpoint")
	fmt.Println("  SOLANA_DEVNET_RPC    - Solana devnet RPC endpoint")
	fmt.Println()
	fmt.Println("  BUNDLER_URL          - ERC-4337 bundler RPC endpoint (optional; enables")
	fmt.Println("                         bundler-based smart wallet deployment)")
	fmt.Println("  PAYMASTER_URL        - Pimlico-style paymaster URL (optional, requires BUNDLER_URL)")
	fmt.Println()
	os.Exit(0)
}

// ============================================================================
// EVM Facilitator Signer
// ============================================================================

// facilitatorEvmSigner implements the mechanisms/evm.FacilitatorEvmSigner
// interface over a single ethclient connection.
type facilitatorEvmSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     *ethclient.Client
	chainID    *big.Int
}

func newFacilitatorEvmSigner(privateKeyHex string, rpcURL string) (*facilitatorEvmSigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	ctx := context.Background()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &facilitatorEvmSigner{
		privateKey: privateKey,
		address:    address,
		client:     client,
		chainID:    chainID,
	}, nil
}

func (s *facilitatorEvmSigner) GetAddresses() []string {
	return []string{s.address.Hex()}
}

func (s *facilitatorEvmSigner) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiJSON []byte,
	method string,
	args ...interface{},
) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	to := common.HexToAddress(contractAddress)
	msg := ethereum.CallMsg{To: &to, Data: data}

	result, err := s.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call contract: %w", err)
	}

	if len(result) == 0 {
		if method == evmmech.FunctionAuthorizationState {
			return false, nil
		}
		if method == "balanceOf" || method == "allowance" {
			return big.NewInt(0), nil
		}
		return nil, fmt.Errorf("empty result from contract call")
	}

	methodObj, exists := contractABI.Methods[method]
	if !exists {
		return nil, fmt.Errorf("method %s not found in ABI", method)
	}

	output, err := methodObj.Outputs.Unpack(result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}

	if len(output) > 0 {
		return output[0], nil
	}
	return nil, nil
}

func (s *facilitatorEvmSigner) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiJSON []byte,
	method string,
	args ...interface{},
) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	return s.sendRawTransaction(ctx, contractAddress, data)
}

func (s *facilitatorEvmSigner) SendTransaction(
	ctx context.Context,
	to string,
	data []byte,
) (string, error) {
	return s.sendRawTransaction(ctx, to, data)
}

func (s *facilitatorEvmSigner) sendRawTransaction(ctx context.Context, to string, data []byte) (string, error) {
	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	toAddr := common.HexToAddress(to)
	tx := types.NewTransaction(nonce, toAddr, big.NewInt(0), 300000, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}

func (s *facilitatorEvmSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*evmmech.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)

	for i := 0; i < 30; i++ {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &evmmech.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		time.Sleep(1 * time.Second)
	}

	return nil, fmt.Errorf("transaction receipt not found after 30 seconds")
}

func (s *facilitatorEvmSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	if tokenAddress == "" || tokenAddress == "0x0000000000000000000000000000000000000000" {
		balance, err := s.client.BalanceAt(ctx, common.HexToAddress(address), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance: %w", err)
		}
		return balance, nil
	}

	erc20BalanceOfABI := []byte(`[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`)

	result, err := s.ReadContract(ctx, tokenAddress, erc20BalanceOfABI, "balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}

	if balance, ok := result.(*big.Int); ok {
		return balance, nil
	}
	return nil, fmt.Errorf("unexpected balance type: %T", result)
}

func (s *facilitatorEvmSigner) GetCode(ctx context.Context, address string) ([]byte, error) {
	addr := common.HexToAddress(address)
	code, err := s.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get code: %w", err)
	}
	return code, nil
}
