package backend

import (
	"sort"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/events"
	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/nodetree"
	"github.com/amphorastore/amphora/pkg/types"
)

// ListAccounts returns the user's own account plus every account that
// shares at least one path with the user, lexicographically after marker.
func (b *Backend) ListAccounts(user, marker string, limit int) ([]string, error) {
	if limit <= 0 || limit > b.cfg.ListingLimit {
		limit = b.cfg.ListingLimit
	}
	seen := map[string]struct{}{user: {}}
	err := b.view("list_accounts", func(tx *bolt.Tx) error {
		for _, action := range []types.Action{types.ReadAction, types.WriteAction} {
			paths, err := b.perms.AccessListPaths(tx, user, "", action)
			if err != nil {
				return err
			}
			for _, p := range paths {
				seen[splitAccount(p)] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	accounts := make([]string, 0, len(seen))
	for a := range seen {
		if a > marker {
			accounts = append(accounts, a)
		}
	}
	sort.Strings(accounts)
	if len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts, nil
}

// GetAccountMeta returns account statistics and user attributes. A never
// written account reads as empty rather than missing.
func (b *Backend) GetAccountMeta(user, account, domain string, until int64) (*Meta, error) {
	if user != account {
		// foreign accounts expose no statistics
		if err := b.accountVisible(user, account); err != nil {
			return nil, err
		}
		return &Meta{Name: account}, nil
	}
	var meta *Meta
	err := b.view("get_account_meta", func(tx *bolt.Tx) error {
		node, err := b.tree.NodeLookup(tx, account)
		if err != nil {
			return err
		}
		if node == nil {
			meta = &Meta{Name: account}
			return nil
		}
		meta, err = b.nodeMeta(tx, node, account, domain, until)
		return err
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// accountVisible fails NotAllowed unless account shares something with
// user.
func (b *Backend) accountVisible(user, account string) error {
	visible := false
	err := b.view("account_visible", func(tx *bolt.Tx) error {
		for _, action := range []types.Action{types.ReadAction, types.WriteAction} {
			paths, err := b.perms.AccessListPaths(tx, user, account, action)
			if err != nil {
				return err
			}
			for _, p := range paths {
				if splitAccount(p) == account {
					visible = true
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !visible {
		return faults.New(faults.NotAllowed, "%s may not inspect account %s", user, account)
	}
	return nil
}

// UpdateAccountMeta records user attributes on a fresh metadata version
// of the account node.
func (b *Backend) UpdateAccountMeta(user, account, domain string,
	meta map[string]string, replace bool) error {

	if err := checkOwner(user, account); err != nil {
		return err
	}
	return b.update("update_account_meta", func(tx *bolt.Tx, out *outbox) error {
		node, err := b.ensureAccountNode(tx, account)
		if err != nil {
			return err
		}
		prev, err := b.tree.VersionLookup(tx, node.ID, nodetree.NoBefore, types.ClusterNormal)
		if err != nil {
			return err
		}
		copyFrom := int64(0)
		if prev != nil {
			copyFrom = prev.Serial
		}
		v, _, err := b.putVersionDuplicate(tx, versionPut{
			path:     account,
			modifier: user,
			cluster:  types.ClusterNormal,
			copyFrom: copyFrom,
		})
		if err != nil {
			return err
		}
		return b.applyMetaUpdate(tx, v.Serial, node.ID, domain, meta, replace)
	})
}

// GetAccountGroups returns the account's group table.
func (b *Backend) GetAccountGroups(user, account string) (types.AccountGroups, error) {
	if err := checkOwner(user, account); err != nil {
		return nil, err
	}
	var groups types.AccountGroups
	err := b.view("get_account_groups", func(tx *bolt.Tx) error {
		var err error
		groups, err = b.perms.GroupsGet(tx, account)
		return err
	})
	if err != nil {
		return nil, err
	}
	if groups == nil {
		groups = types.AccountGroups{}
	}
	return groups, nil
}

// UpdateAccountGroups merges or replaces the account's group table.
// Groups with no members are dropped.
func (b *Backend) UpdateAccountGroups(user, account string,
	groups types.AccountGroups, replace bool) error {

	if err := checkOwner(user, account); err != nil {
		return err
	}
	return b.update("update_account_groups", func(tx *bolt.Tx, out *outbox) error {
		merged := groups
		if !replace {
			existing, err := b.perms.GroupsGet(tx, account)
			if err != nil {
				return err
			}
			if existing == nil {
				existing = types.AccountGroups{}
			}
			for name, members := range groups {
				existing[name] = members
			}
			merged = existing
		}
		for name, members := range merged {
			if len(members) == 0 {
				delete(merged, name)
			}
		}
		return b.perms.GroupsSet(tx, account, merged)
	})
}

// GetAccountPolicy returns the account policy with deployment defaults
// applied.
func (b *Backend) GetAccountPolicy(user, account string) (types.Policy, error) {
	if err := checkOwner(user, account); err != nil {
		return nil, err
	}
	out := types.Policy{}
	err := b.view("get_account_policy", func(tx *bolt.Tx) error {
		node, err := b.tree.NodeLookup(tx, account)
		if err != nil || node == nil {
			return err
		}
		stored, err := b.pol.Get(tx, node.ID)
		if err != nil {
			return err
		}
		out = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, ok := out[types.QuotaPolicy]; !ok {
		out[types.QuotaPolicy] = strconv.FormatInt(b.cfg.DefaultAccountQuota, 10)
	}
	return out, nil
}

// UpdateAccountPolicy validates and stores account policy.
func (b *Backend) UpdateAccountPolicy(user, account string, p types.Policy, replace bool) error {
	if err := checkOwner(user, account); err != nil {
		return err
	}
	return b.update("update_account_policy", func(tx *bolt.Tx, out *outbox) error {
		node, err := b.ensureAccountNode(tx, account)
		if err != nil {
			return err
		}
		return b.pol.Set(tx, node.ID, p, replace)
	})
}

// DeleteAccount removes an empty account.
func (b *Backend) DeleteAccount(user, account string) error {
	if err := checkOwner(user, account); err != nil {
		return err
	}
	return b.update("delete_account", func(tx *bolt.Tx, out *outbox) error {
		node, err := b.tree.NodeLookup(tx, account)
		if err != nil || node == nil {
			return err
		}
		children, err := b.tree.ListChildren(tx, account, "", 1)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return faults.New(faults.Conflict, "account %s is not empty", account)
		}
		versions, err := b.tree.NodeGetVersions(tx, node.ID)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if _, _, err := b.tree.VersionRemove(tx, v.Serial); err != nil {
				return err
			}
		}
		if err := b.pol.Delete(tx, node.ID); err != nil {
			return err
		}
		if err := b.tree.NodeRemove(tx, node); err != nil {
			return err
		}
		out.emit(&events.Event{
			Type: events.EventAccountDeleted, User: user, Account: account, Path: account,
		})
		return nil
	})
}
