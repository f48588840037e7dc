package roles

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestGrantRevokeHas(t *testing.T) {
	t.Parallel()

	tbl := NewTable(nil)
	alice := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	if tbl.Has(alice, RoleSecretary) {
		t.Fatalf("expected no role before grant")
	}
	if err := tbl.Grant(alice, RoleSecretary); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !tbl.Has(alice, RoleSecretary) {
		t.Fatalf("expected role after grant")
	}
	if err := tbl.Require(alice, RoleSecretary); err != nil {
		t.Fatalf("Require: %v", err)
	}
	if err := tbl.Require(alice, RoleDirector); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	if err := tbl.Revoke(alice, RoleSecretary); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if tbl.Has(alice, RoleSecretary) {
		t.Fatalf("expected role revoked")
	}
}

func TestGrant_InvalidInputs(t *testing.T) {
	t.Parallel()

	tbl := NewTable(nil)
	if err := tbl.Grant(common.HexToAddress("0x01"), Role("owner")); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if err := tbl.Grant(common.Address{}, RoleAdmin); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole for zero principal, got %v", err)
	}
}

func TestChurnObserver_FiresOnEffectiveChangesOnly(t *testing.T) {
	t.Parallel()

	var churn int
	tbl := NewTable(func() { churn++ })
	bob := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	if err := tbl.Grant(bob, RoleCommittee); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	// Regranting an existing role is a no-op, not churn.
	if err := tbl.Grant(bob, RoleCommittee); err != nil {
		t.Fatalf("Grant #2: %v", err)
	}
	if err := tbl.Revoke(bob, RoleCommittee); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	// Revoking an absent role is a no-op as well.
	if err := tbl.Revoke(bob, RoleCommittee); err != nil {
		t.Fatalf("Revoke #2: %v", err)
	}

	if churn != 2 {
		t.Fatalf("churn = %d, want 2", churn)
	}
}

func TestHasAnyAndMembersOf(t *testing.T) {
	t.Parallel()

	tbl := NewTable(nil)
	a := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	b := common.HexToAddress("0x00000000000000000000000000000000000000c2")

	_ = tbl.Grant(a, RoleCommittee)
	_ = tbl.Grant(b, RoleCommittee)
	_ = tbl.Grant(b, RoleDirector)

	if !tbl.HasAny(b, RoleSecretary, RoleDirector) {
		t.Fatalf("expected HasAny true")
	}
	if tbl.HasAny(a, RoleSecretary, RoleDirector) {
		t.Fatalf("expected HasAny false")
	}

	members := tbl.MembersOf(RoleCommittee)
	if len(members) != 2 {
		t.Fatalf("MembersOf = %d entries, want 2", len(members))
	}
}
