package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeAvailable AccountSubType = iota
	SubTypeEscrowLocked
	SubTypePendingWithdrawal

	// System sub-types
	SubTypeSystemFeeBurn

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDT": 1,
		"USDC": 2,
		"BTC":  3,
		"ETH":  4,
	}
	idToAsset = map[AssetID]string{
		1: "USDT",
		2: "USDC",
		3: "BTC",
		4: "ETH",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (21 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, hash for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath reconstructs an AccountKey from its path form. Used when
// restoring balance snapshots, where paths are the serialization keys.
func ParseAccountPath(path string) AccountKey {
	parts := strings.Split(path, ":")
	if len(parts) < 3 {
		return AccountKey{}
	}

	switch parts[0] {
	case "user":
		if len(parts) != 4 {
			return AccountKey{}
		}
		userID, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}
		}
		assetID, _ := GetAssetID(parts[3])
		return NewUserAccountKey(userID, subTypeFromName(parts[2]), assetID)
	case "system":
		assetID, _ := GetAssetID(parts[2])
		// The only system account is the fee burn sink
		return NewSystemAccountKey("burn", SubTypeSystemFeeBurn, assetID)
	case "external":
		assetID, _ := GetAssetID(parts[2])
		return NewExternalAccountKey(subTypeFromName(parts[1]), assetID)
	}
	return AccountKey{}
}

func subTypeFromName(name string) AccountSubType {
	switch name {
	case "available":
		return SubTypeAvailable
	case "escrow_locked":
		return SubTypeEscrowLocked
	case "pending_withdrawal":
		return SubTypePendingWithdrawal
	case "fee_burn":
		return SubTypeSystemFeeBurn
	case "deposits":
		return SubTypeExternalDeposits
	case "withdrawals":
		return SubTypeExternalWithdrawals
	default:
		return SubTypeAvailable
	}
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeEscrowLocked:
		return "escrow_locked"
	case SubTypePendingWithdrawal:
		return "pending_withdrawal"
	case SubTypeSystemFeeBurn:
		return "fee_burn"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
