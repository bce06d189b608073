// Package auth implements role gating for privileged engine operations. Every
// privileged entry point evaluates a pure predicate over a seeded roles table
// keyed by caller identity; there is no session state and no inheritance.
package auth

import (
	"strings"
	"sync"

	xerrors "SwarmMarket/internal/errors"
)

// ErrPermissionDenied is returned by callers when the Authorizer rejects an
// operation.
var ErrPermissionDenied = xerrors.New(xerrors.CodePermissionDenied, "caller lacks required permission")

// Permission names a privileged operation.
type Permission string

const (
	PermTaskCreate       Permission = "task.create"
	PermAuctionClose     Permission = "auction.close"
	PermTaskTimeout      Permission = "task.timeout"
	PermCompletionReport Permission = "completion.report"
	PermVerifyTimeout    Permission = "verify.timeout"
	PermVerdictSubmit    Permission = "verdict.submit"
	PermCriteriaSet      Permission = "criteria.set"
	PermReputationAdjust Permission = "reputation.adjust"
)

// Role groups permissions for a class of collaborator.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSponsor    Role = "sponsor"
	RoleVerifier   Role = "verifier"
	RoleAttestor   Role = "attestor"
	RoleSupervisor Role = "supervisor"
)

// rolePermissions is the static role to permission mapping. Admin is handled
// separately and holds every permission.
var rolePermissions = map[Role][]Permission{
	RoleSponsor:    {PermTaskCreate},
	RoleVerifier:   {PermCompletionReport, PermReputationAdjust},
	RoleAttestor:   {PermVerdictSubmit, PermCriteriaSet},
	RoleSupervisor: {PermAuctionClose, PermTaskTimeout, PermVerifyTimeout},
}

// Subject is one entry in the roles table.
type Subject struct {
	Address  string
	Roles    []Role
	Disabled bool
}

// Seed describes a subject to install at startup.
type Seed struct {
	Address  string   `json:"address"`
	Roles    []string `json:"roles"`
	Disabled bool     `json:"disabled"`
}

// Authorizer answers whether a caller may perform a privileged operation.
type Authorizer interface {
	Allow(address string, perm Permission) bool
}

// Table is the in-memory roles table. Safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	subjects map[string]*Subject
}

// NewTable builds a roles table from the provided seeds. Blank addresses are
// skipped; duplicate addresses keep the first seed.
func NewTable(seeds []Seed) *Table {
	table := &Table{subjects: make(map[string]*Subject, len(seeds))}
	for _, seed := range seeds {
		address := strings.TrimSpace(seed.Address)
		if address == "" {
			continue
		}
		if _, exists := table.subjects[address]; exists {
			continue
		}
		roles := make([]Role, 0, len(seed.Roles))
		for _, raw := range seed.Roles {
			role := Role(strings.ToLower(strings.TrimSpace(raw)))
			if role != "" {
				roles = append(roles, role)
			}
		}
		table.subjects[address] = &Subject{
			Address:  address,
			Roles:    roles,
			Disabled: seed.Disabled,
		}
	}
	return table
}

// Grant adds a role to the subject, creating it when absent.
func (t *Table) Grant(address string, role Role) {
	address = strings.TrimSpace(address)
	if address == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	subject, ok := t.subjects[address]
	if !ok {
		subject = &Subject{Address: address}
		t.subjects[address] = subject
	}
	for _, existing := range subject.Roles {
		if existing == role {
			return
		}
	}
	subject.Roles = append(subject.Roles, role)
}

// Allow implements the Authorizer predicate.
func (t *Table) Allow(address string, perm Permission) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	subject, ok := t.subjects[strings.TrimSpace(address)]
	t.mu.RUnlock()
	if !ok || subject.Disabled {
		return false
	}
	for _, role := range subject.Roles {
		if role == RoleAdmin {
			return true
		}
		for _, granted := range rolePermissions[role] {
			if granted == perm {
				return true
			}
		}
	}
	return false
}

var _ Authorizer = (*Table)(nil)

// AllowAll is an Authorizer that accepts every caller. Used by tests and by
// deployments that gate access at an outer layer instead.
type AllowAll struct{}

// Allow always returns true.
func (AllowAll) Allow(string, Permission) bool { return true }
