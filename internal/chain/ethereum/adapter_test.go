package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentVault-Chain/internal/chain"
)

func newOfflineAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := newAdapter(Config{
		Name:            "ethereum",
		ChainID:         1,
		Confirmations:   1,
		ConfirmTimeout:  time.Second,
		ConfirmInterval: time.Millisecond,
	}, big.NewInt(1))
	if err != nil {
		t.Fatalf("创建适配器失败: %v", err)
	}
	return adapter
}

func encodeLegacyTx(t *testing.T, to common.Address, value *big.Int, data []byte) []byte {
	t.Helper()
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    7,
		To:       &to,
		Value:    value,
		Gas:      21000,
		GasPrice: big.NewInt(1_000_000_000),
		Data:     data,
	})
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("序列化交易失败: %v", err)
	}
	return raw
}

func TestParseTransactionNativeTransfer(t *testing.T) {
	adapter := newOfflineAdapter(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	raw := encodeLegacyTx(t, to, big.NewInt(42_000), nil)

	parsed, err := adapter.ParseTransaction(context.Background(), raw)
	if err != nil {
		t.Fatalf("ParseTransaction 失败: %v", err)
	}
	if len(parsed.Operations) != 1 {
		t.Fatalf("期望一项操作, got %d", len(parsed.Operations))
	}
	op := parsed.Operations[0]
	if op.Kind != chain.OpNativeTransfer || op.To != to.Hex() || op.Amount.Cmp(big.NewInt(42_000)) != 0 {
		t.Fatalf("原生转账解析错误: %+v", op)
	}
}

func TestParseTransactionTokenTransfer(t *testing.T) {
	adapter := newOfflineAdapter(t)
	token := common.HexToAddress("0x2222222222222222222222222222222222222222")
	recipient := common.HexToAddress("0x3333333333333333333333333333333333333333")

	data, err := adapter.erc20.Pack("transfer", recipient, big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("编码 transfer 失败: %v", err)
	}
	raw := encodeLegacyTx(t, token, big.NewInt(0), data)

	parsed, err := adapter.ParseTransaction(context.Background(), raw)
	if err != nil {
		t.Fatalf("ParseTransaction 失败: %v", err)
	}
	op := parsed.Operations[0]
	if op.Kind != chain.OpTokenTransfer {
		t.Fatalf("期望 TOKEN_TRANSFER, got %s", op.Kind)
	}
	if op.TokenAddress != token.Hex() || op.To != recipient.Hex() {
		t.Fatalf("代币转账地址解析错误: %+v", op)
	}
	if op.Amount.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("代币转账金额解析错误: %s", op.Amount)
	}
}

func TestParseTransactionApprove(t *testing.T) {
	adapter := newOfflineAdapter(t)
	token := common.HexToAddress("0x2222222222222222222222222222222222222222")
	spender := common.HexToAddress("0x4444444444444444444444444444444444444444")

	data, err := adapter.erc20.Pack("approve", spender, big.NewInt(123))
	if err != nil {
		t.Fatalf("编码 approve 失败: %v", err)
	}
	raw := encodeLegacyTx(t, token, big.NewInt(0), data)

	parsed, err := adapter.ParseTransaction(context.Background(), raw)
	if err != nil {
		t.Fatalf("ParseTransaction 失败: %v", err)
	}
	op := parsed.Operations[0]
	if op.Kind != chain.OpApprove || op.Spender != spender.Hex() {
		t.Fatalf("approve 解析错误: %+v", op)
	}
}

func TestParseTransactionUnknownSelectorIsContractCall(t *testing.T) {
	adapter := newOfflineAdapter(t)
	contract := common.HexToAddress("0x5555555555555555555555555555555555555555")
	raw := encodeLegacyTx(t, contract, big.NewInt(10), []byte{0xde, 0xad, 0xbe, 0xef, 0x01})

	parsed, err := adapter.ParseTransaction(context.Background(), raw)
	if err != nil {
		t.Fatalf("ParseTransaction 失败: %v", err)
	}
	op := parsed.Operations[0]
	if op.Kind != chain.OpContractCall || op.MethodSelector != "deadbeef" {
		t.Fatalf("合约调用解析错误: %+v", op)
	}
	if op.Amount.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("合约调用附带的原生支出腿解析错误: %s", op.Amount)
	}
}

func TestParseTransactionRejectsGarbage(t *testing.T) {
	adapter := newOfflineAdapter(t)
	if _, err := adapter.ParseTransaction(context.Background(), []byte{0x01, 0x02}); err == nil {
		t.Fatal("非法字节流应解析失败")
	}
	if _, err := adapter.ParseTransaction(context.Background(), nil); err == nil {
		t.Fatal("空字节流应解析失败")
	}
}

func TestSignExternalTransaction(t *testing.T) {
	adapter := newOfflineAdapter(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	raw := encodeLegacyTx(t, to, big.NewInt(1), nil)

	signed, err := adapter.SignExternalTransaction(context.Background(), raw, crypto.FromECDSA(key))
	if err != nil {
		t.Fatalf("SignExternalTransaction 失败: %v", err)
	}
	if len(signed.SignedTransaction) == 0 || signed.TxHash == "" {
		t.Fatalf("签名结果不完整: %+v", signed)
	}

	// 签名必须可追溯到签名者本人。
	tx := new(coretypes.Transaction)
	if err := tx.UnmarshalBinary(signed.SignedTransaction); err != nil {
		t.Fatalf("解码已签名交易失败: %v", err)
	}
	signer := coretypes.LatestSignerForChainID(big.NewInt(1))
	from, err := coretypes.Sender(signer, tx)
	if err != nil {
		t.Fatalf("恢复签名者失败: %v", err)
	}
	if from != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("签名者不匹配: %s", from.Hex())
	}
}

func TestSignTransactionRejectsBadKey(t *testing.T) {
	adapter := newOfflineAdapter(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	raw := encodeLegacyTx(t, to, big.NewInt(1), nil)

	if _, err := adapter.SignTransaction(context.Background(), &chain.UnsignedTx{Serialized: raw}, []byte{0x01}); err == nil {
		t.Fatal("非法私钥应签名失败")
	}
}
