package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Environment variables read by NewSignerFromEnv.
const (
	EnvPrivateKey           = "XSWAP_PRIVATE_KEY"
	EnvPrivateKeyFile       = "XSWAP_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "XSWAP_KEYSTORE_PATH"
	EnvKeystorePassword     = "XSWAP_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "XSWAP_KEYSTORE_PASSWORD_FILE"
)

const (
	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"
)

// The key file looked up under the user config dir when no path is set.
const defaultKeyFile = "xswap/key.hex"

// Signer signs transactions for the wallet. Keys never leave it.
type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// LocalSigner holds an in-memory secp256k1 key.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func (s *LocalSigner) Address() common.Address { return s.address }

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("signer has no key loaded")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// SignerConfig names where a key may come from. The first non-empty source
// wins, in field order.
type SignerConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

// NewSignerFromEnv builds a signer from the XSWAP_* key variables, restricted
// to one source unless source is auto.
func NewSignerFromEnv(source string) (*LocalSigner, error) {
	env := func(name string) string { return strings.TrimSpace(os.Getenv(name)) }
	keyFile := env(EnvPrivateKeyFile)
	if keyFile == "" {
		keyFile = defaultKeyPath()
	}

	var cfg SignerConfig
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", KeySourceAuto:
		cfg = SignerConfig{
			PrivateKeyHex:        env(EnvPrivateKey),
			PrivateKeyFile:       keyFile,
			KeystorePath:         env(EnvKeystorePath),
			KeystorePassword:     env(EnvKeystorePassword),
			KeystorePasswordFile: env(EnvKeystorePasswordFile),
		}
	case KeySourceEnv:
		cfg.PrivateKeyHex = env(EnvPrivateKey)
	case KeySourceFile:
		cfg.PrivateKeyFile = keyFile
	case KeySourceKeystore:
		cfg.KeystorePath = env(EnvKeystorePath)
		cfg.KeystorePassword = env(EnvKeystorePassword)
		cfg.KeystorePasswordFile = env(EnvKeystorePasswordFile)
	default:
		return nil, fmt.Errorf("key source %q is not one of %s, %s, %s or %s",
			source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}
	return NewLocalSigner(cfg)
}

func NewLocalSigner(cfg SignerConfig) (*LocalSigner, error) {
	key, err := cfg.privateKey()
	if err != nil {
		return nil, err
	}
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (cfg SignerConfig) privateKey() (*ecdsa.PrivateKey, error) {
	switch {
	case strings.TrimSpace(cfg.PrivateKeyHex) != "":
		return decodeHexKey(cfg.PrivateKeyHex)
	case strings.TrimSpace(cfg.PrivateKeyFile) != "":
		raw, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		return decodeHexKey(string(raw))
	case strings.TrimSpace(cfg.KeystorePath) != "":
		return cfg.decryptKeystore()
	}
	return nil, fmt.Errorf("no signing key: set %s, %s or %s", EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath)
}

func (cfg SignerConfig) decryptKeystore() (*ecdsa.PrivateKey, error) {
	password := strings.TrimSpace(cfg.KeystorePassword)
	if password == "" && strings.TrimSpace(cfg.KeystorePasswordFile) != "" {
		raw, err := os.ReadFile(cfg.KeystorePasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read keystore password: %w", err)
		}
		password = strings.TrimSpace(string(raw))
	}
	if password == "" {
		return nil, errors.New("keystore needs a password")
	}
	blob, err := os.ReadFile(cfg.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(blob, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

func decodeHexKey(raw string) (*ecdsa.PrivateKey, error) {
	hexKey := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if hexKey == "" {
		return nil, errors.New("private key is empty")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return key, nil
}

// defaultKeyPath returns the key file under the user config dir, or "" when
// there is none.
func defaultKeyPath() string {
	dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	path := filepath.Join(dir, defaultKeyFile)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}
