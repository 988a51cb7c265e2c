package crypto

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	devKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestNewSignerDerivesAddress(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(devAddress), s.Address())

	_, err = NewSigner("not-hex")
	assert.Error(t, err)
}

func TestSignTxRecoversSender(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)

	chainID := big.NewInt(8453)
	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})

	signed, err := s.SignTx(tx, chainID)
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), sender)

	_, err = s.SignTx(tx, nil)
	assert.Error(t, err)
}

func TestSignMessageRoundTrip(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)

	msg := []byte("connect 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	sig, err := s.SignMessage(msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	got, err := RecoverMessageSigner(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	other, err := RecoverMessageSigner([]byte("something else"), sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), other)
}

func TestKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, WriteKeyFile(path, devKey, "hunter2"))

	key, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, devKey[2:], key)

	_, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"})
	assert.Error(t, err)

	s, err := LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(devAddress), s.Address())
}

func TestLoadKeyPrecedence(t *testing.T) {
	key, err := LoadKey(KeyConfig{RawPrivateKey: devKey, EncryptedKeyPath: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, devKey[2:], key)

	_, err = LoadKey(KeyConfig{})
	assert.ErrorIs(t, err, ErrNoKeySource)

	_, err = LoadKey(KeyConfig{RawPrivateKey: "0x1234"})
	assert.Error(t, err)
}

func TestEncryptKeyRejectsEmptyPassword(t *testing.T) {
	_, err := EncryptKey(devKey, "")
	assert.Error(t, err)
}

func TestHMACVerify(t *testing.T) {
	auth := &HMACAuth{Key: "k1", Secret: "s3cret"}
	now := time.Unix(1_700_000_000, 0)
	body := `{"kind":"call","amount":"100"}`

	h := auth.HeadersAt("POST", "/api/actions/deposit", body, now.Unix())
	err := auth.Verify(h[HeaderAPIKey], h[HeaderTimestamp], h[HeaderSignature], "POST", "/api/actions/deposit", body, now)
	require.NoError(t, err)

	err = auth.Verify(h[HeaderAPIKey], h[HeaderTimestamp], h[HeaderSignature], "POST", "/api/actions/withdraw", body, now)
	assert.ErrorIs(t, err, ErrBadSignature)

	err = auth.Verify(h[HeaderAPIKey], h[HeaderTimestamp], h[HeaderSignature], "POST", "/api/actions/deposit", body, now.Add(10*time.Minute))
	assert.ErrorIs(t, err, ErrBadSignature)

	err = auth.Verify("other", h[HeaderTimestamp], h[HeaderSignature], "POST", "/api/actions/deposit", body, now)
	assert.ErrorIs(t, err, ErrBadSignature)

	assert.NotContains(t, auth.String(), "s3cret")
}
