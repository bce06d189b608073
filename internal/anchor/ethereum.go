package anchor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthereumConfig 描述锚定用以太坊节点的连接参数。
type EthereumConfig struct {
	RPCURL     string
	PrivateKey string
	To         string
	GasLimit   uint64
}

// EthereumAnchorer 通过发送携带摘要 calldata 的交易完成锚定。
type EthereumAnchorer struct {
	eth      *ethclient.Client
	privKey  *ecdsa.PrivateKey
	to       common.Address
	gasLimit uint64
	chainID  *big.Int
	mu       sync.Mutex
}

// NewEthereumAnchorer 连接节点并校验签名私钥。
func NewEthereumAnchorer(ctx context.Context, cfg EthereumConfig) (*EthereumAnchorer, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x")
	if keyHex == "" {
		return nil, errors.New("未配置锚定签名私钥")
	}
	priv, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("解析锚定私钥失败: %w", err)
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	to := common.HexToAddress(strings.TrimSpace(cfg.To))
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 60000
	}

	return &EthereumAnchorer{
		eth:      eth,
		privKey:  priv,
		to:       to,
		gasLimit: gasLimit,
		chainID:  chainID,
	}, nil
}

// AnchorSettlement 组装、签名并广播锚定交易，返回交易哈希。
func (a *EthereumAnchorer) AnchorSettlement(ctx context.Context, receipt Receipt) (string, error) {
	if a == nil || a.eth == nil {
		return "", errors.New("未初始化的锚定客户端")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	from := crypto.PubkeyToAddress(a.privKey.PublicKey)
	nonce, err := a.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := a.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("查询 gas 价格失败: %w", err)
	}

	tx := coretypes.NewTransaction(nonce, a.to, big.NewInt(0), a.gasLimit, gasPrice, Digest(receipt))
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(a.chainID), a.privKey)
	if err != nil {
		return "", fmt.Errorf("签名锚定交易失败: %w", err)
	}
	if err := a.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("广播锚定交易失败: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// Close 释放节点连接。
func (a *EthereumAnchorer) Close() {
	if a != nil && a.eth != nil {
		a.eth.Close()
		a.eth = nil
	}
}

var _ Anchorer = (*EthereumAnchorer)(nil)
