package contract

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleTransfer Role = "transfer"
	RoleMinter   Role = "minter"
	RolePauser   Role = "pauser"
	RoleEditor   Role = "editor"
	RoleLister   Role = "lister"
	RoleAsset    Role = "asset"
)

var roleNames = map[Role]string{
	RoleAdmin:    "",
	RoleTransfer: "TRANSFER_ROLE",
	RoleMinter:   "MINTER_ROLE",
	RolePauser:   "PAUSER_ROLE",
	RoleEditor:   "EDITOR_ROLE",
	RoleLister:   "LISTER_ROLE",
	RoleAsset:    "ASSET_ROLE",
}

// RoleHash returns the AccessControl identifier for role. Admin is the zero hash.
func RoleHash(role Role) ([32]byte, error) {
	name, ok := roleNames[role]
	if !ok {
		return [32]byte{}, fmt.Errorf("unknown role %q", role)
	}
	if name == "" {
		return [32]byte{}, nil
	}
	return crypto.Keccak256Hash([]byte(name)), nil
}

func MustRoleHash(role Role) [32]byte {
	h, err := RoleHash(role)
	if err != nil {
		panic(err)
	}
	return h
}
