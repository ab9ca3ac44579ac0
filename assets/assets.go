// Package assets holds the payment-asset catalog: which SPL mint backs each
// quoted asset and how many decimals its smallest unit carries.
package assets

import (
	"context"
	"fmt"
	"os"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"

	"github.com/sol402/gateway/types"
)

// USDCMainnetMint is the canonical USDC mint on Solana mainnet-beta.
const USDCMainnetMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// NativeDecimals is the lamport precision of SOL.
const NativeDecimals = 9

// Info describes one payment asset. Native SOL has a zero Mint.
type Info struct {
	Symbol   types.Asset
	Mint     solana.PublicKey
	Decimals uint8
}

// IsNative reports whether the asset is the chain's native coin.
func (i Info) IsNative() bool {
	return i.Mint.IsZero()
}

// ToSmallestUnit converts a decimal amount of the asset (for USDC, a USD
// amount) into its smallest on-chain unit, truncating sub-unit precision.
func (i Info) ToSmallestUnit(amount decimal.Decimal) uint64 {
	units := amount.Shift(int32(i.Decimals)).IntPart()
	if units < 0 {
		return 0
	}
	return uint64(units)
}

// Catalog maps asset symbols to their chain-level description.
type Catalog struct {
	infos map[types.Asset]Info
}

// Default returns the mainnet catalog: native SOL and canonical USDC.
func Default() *Catalog {
	return &Catalog{infos: map[types.Asset]Info{
		types.AssetSOL: {
			Symbol:   types.AssetSOL,
			Decimals: NativeDecimals,
		},
		types.AssetUSDC: {
			Symbol:   types.AssetUSDC,
			Mint:     solana.MustPublicKeyFromBase58(USDCMainnetMint),
			Decimals: 6,
		},
	}}
}

// fileEntry is one asset in the YAML catalog file.
type fileEntry struct {
	Symbol   string `yaml:"symbol"`
	Mint     string `yaml:"mint"`
	Decimals uint8  `yaml:"decimals"`
}

type catalogFile struct {
	Assets []fileEntry `yaml:"assets"`
}

// LoadFile reads a YAML asset catalog. Entries without a mint are treated
// as the native coin.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse asset catalog %s: %w", path, err)
	}
	if len(file.Assets) == 0 {
		return nil, fmt.Errorf("asset catalog %s contains no assets", path)
	}

	infos := make(map[types.Asset]Info, len(file.Assets))
	for _, entry := range file.Assets {
		info := Info{
			Symbol:   types.Asset(entry.Symbol),
			Decimals: entry.Decimals,
		}
		if entry.Mint != "" {
			mint, err := solana.PublicKeyFromBase58(entry.Mint)
			if err != nil {
				return nil, fmt.Errorf("invalid mint for asset %s: %w", entry.Symbol, err)
			}
			info.Mint = mint
		}
		infos[info.Symbol] = info
	}

	zap.L().Info("Loaded asset catalog", zap.String("file", path), zap.Int("assets", len(infos)))
	return &Catalog{infos: infos}, nil
}

// Get returns the catalog entry for an asset.
func (c *Catalog) Get(asset types.Asset) (Info, error) {
	info, ok := c.infos[asset]
	if !ok {
		return Info{}, fmt.Errorf("unsupported asset: %s", asset)
	}
	return info, nil
}

// accountFetcher is the slice of the RPC client VerifyOnChain needs.
type accountFetcher interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// VerifyOnChain cross-checks a token asset's configured decimals against the
// mint account. Catches catalog typos at startup before any quote is issued.
func (c *Catalog) VerifyOnChain(ctx context.Context, client accountFetcher, asset types.Asset) error {
	info, err := c.Get(asset)
	if err != nil {
		return err
	}
	if info.IsNative() {
		return nil
	}

	mintAccount, err := client.GetAccountInfo(ctx, info.Mint)
	if err != nil {
		return fmt.Errorf("failed to fetch mint account for %s: %w", asset, err)
	}
	if mintAccount == nil || mintAccount.Value == nil {
		return fmt.Errorf("mint account for %s not found on chain", asset)
	}

	var mintData token.Mint
	if err := bin.NewBinDecoder(mintAccount.Value.Data.GetBinary()).Decode(&mintData); err != nil {
		return fmt.Errorf("failed to decode mint data for %s: %w", asset, err)
	}
	if mintData.Decimals != info.Decimals {
		return fmt.Errorf("asset %s: configured decimals %d do not match on-chain decimals %d",
			asset, info.Decimals, mintData.Decimals)
	}
	return nil
}
