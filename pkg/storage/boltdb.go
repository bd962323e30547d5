package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/topofabric/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNetworks         = []byte("networks")
	bucketSubnets          = []byte("subnets")
	bucketRouters          = []byte("routers")
	bucketRouterInterfaces = []byte("router_interfaces")
	bucketAddressScopes    = []byte("address_scopes")
	bucketPorts            = []byte("ports")
	bucketSecurityGroups   = []byte("security_groups")
	bucketNetworkMappings  = []byte("network_mappings")
	bucketScopeMappings    = []byte("address_scope_mappings")
	bucketRouterIDs        = []byte("router_ids")

	allBuckets = [][]byte{
		bucketNetworks,
		bucketSubnets,
		bucketRouters,
		bucketRouterInterfaces,
		bucketAddressScopes,
		bucketPorts,
		bucketSecurityGroups,
		bucketNetworkMappings,
		bucketScopeMappings,
		bucketRouterIDs,
	}
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return OpenBoltStore(filepath.Join(dataDir, "topology.db"))
}

// OpenBoltStore opens (or creates) the store at path
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Update runs fn inside a bolt read-write transaction. Bolt admits one writer
// at a time, which gives every read inside fn select-for-update semantics.
func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// View runs fn inside a bolt read-only transaction
func (s *BoltStore) View(ctx context.Context, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Dump copies the whole store into a snapshot
func (s *BoltStore) Dump(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.View(ctx, func(r Reader) error {
		var err error
		if snap.Networks, err = r.ListNetworks(); err != nil {
			return err
		}
		if snap.Subnets, err = r.ListSubnets(); err != nil {
			return err
		}
		if snap.Routers, err = r.ListRouters(); err != nil {
			return err
		}
		if snap.RouterInterfaces, err = r.ListRouterInterfaces(); err != nil {
			return err
		}
		if snap.AddressScopes, err = r.ListAddressScopes(); err != nil {
			return err
		}
		if snap.Ports, err = r.ListPorts(); err != nil {
			return err
		}
		if snap.SecurityGroups, err = r.ListSecurityGroups(); err != nil {
			return err
		}
		if snap.NetworkMappings, err = r.ListNetworkMappings(); err != nil {
			return err
		}
		if snap.AddressScopeMapping, err = r.ListAddressScopeMappings(); err != nil {
			return err
		}
		snap.RouterIDs, err = r.ListRouterIDAllocations()
		return err
	})
	return snap, err
}

// Restore replaces the store content with snap
func (s *BoltStore) Restore(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if err := tx.DeleteBucket(bucket); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		t := &boltTx{tx: tx}
		for _, n := range snap.Networks {
			if err := t.PutNetwork(n); err != nil {
				return fmt.Errorf("failed to restore network: %w", err)
			}
		}
		for _, sn := range snap.Subnets {
			if err := t.PutSubnet(sn); err != nil {
				return fmt.Errorf("failed to restore subnet: %w", err)
			}
		}
		for _, r := range snap.Routers {
			if err := t.PutRouter(r); err != nil {
				return fmt.Errorf("failed to restore router: %w", err)
			}
		}
		for _, i := range snap.RouterInterfaces {
			if err := t.PutRouterInterface(i); err != nil {
				return fmt.Errorf("failed to restore router interface: %w", err)
			}
		}
		for _, as := range snap.AddressScopes {
			if err := t.PutAddressScope(as); err != nil {
				return fmt.Errorf("failed to restore address scope: %w", err)
			}
		}
		for _, p := range snap.Ports {
			if err := t.PutPort(p); err != nil {
				return fmt.Errorf("failed to restore port: %w", err)
			}
		}
		for _, sg := range snap.SecurityGroups {
			if err := t.PutSecurityGroup(sg); err != nil {
				return fmt.Errorf("failed to restore security group: %w", err)
			}
		}
		// Mapping rows keep their revisions
		for _, m := range snap.NetworkMappings {
			if err := put(tx, bucketNetworkMappings, m.NetworkID, m); err != nil {
				return fmt.Errorf("failed to restore network mapping: %w", err)
			}
		}
		for _, m := range snap.AddressScopeMapping {
			if err := put(tx, bucketScopeMappings, m.ScopeID, m); err != nil {
				return fmt.Errorf("failed to restore address scope mapping: %w", err)
			}
		}
		for _, a := range snap.RouterIDs {
			if err := t.PutRouterIDAllocation(a); err != nil {
				return fmt.Errorf("failed to restore router id: %w", err)
			}
		}
		return nil
	})
}

// boltTx implements Tx on top of a bolt transaction
type boltTx struct {
	tx *bolt.Tx
}

func put[T any](tx *bolt.Tx, bucket []byte, key string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func get[T any](tx *bolt.Tx, bucket []byte, key, what string) (*T, error) {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return nil, fmt.Errorf("%w: %s %s", types.ErrNotFound, what, key)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func list[T any](tx *bolt.Tx, bucket []byte, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := tx.Bucket(bucket).ForEach(func(k, data []byte) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		if keep == nil || keep(&v) {
			out = append(out, &v)
		}
		return nil
	})
	return out, err
}

func del(tx *bolt.Tx, bucket []byte, key string) error {
	return tx.Bucket(bucket).Delete([]byte(key))
}

func interfaceKey(routerID, subnetID string) string {
	return routerID + "/" + subnetID
}

// Network operations
func (t *boltTx) GetNetwork(id string) (*types.VirtualNetwork, error) {
	return get[types.VirtualNetwork](t.tx, bucketNetworks, id, "network")
}

func (t *boltTx) ListNetworks() ([]*types.VirtualNetwork, error) {
	return list[types.VirtualNetwork](t.tx, bucketNetworks, nil)
}

func (t *boltTx) PutNetwork(network *types.VirtualNetwork) error {
	return put(t.tx, bucketNetworks, network.ID, network)
}

func (t *boltTx) DeleteNetwork(id string) error {
	return del(t.tx, bucketNetworks, id)
}

// Subnet operations
func (t *boltTx) GetSubnet(id string) (*types.Subnet, error) {
	return get[types.Subnet](t.tx, bucketSubnets, id, "subnet")
}

func (t *boltTx) ListSubnets() ([]*types.Subnet, error) {
	return list[types.Subnet](t.tx, bucketSubnets, nil)
}

func (t *boltTx) ListSubnetsByNetwork(networkID string) ([]*types.Subnet, error) {
	return list(t.tx, bucketSubnets, func(s *types.Subnet) bool {
		return s.NetworkID == networkID
	})
}

func (t *boltTx) PutSubnet(subnet *types.Subnet) error {
	return put(t.tx, bucketSubnets, subnet.ID, subnet)
}

func (t *boltTx) DeleteSubnet(id string) error {
	return del(t.tx, bucketSubnets, id)
}

// Router operations
func (t *boltTx) GetRouter(id string) (*types.VirtualRouter, error) {
	return get[types.VirtualRouter](t.tx, bucketRouters, id, "router")
}

func (t *boltTx) ListRouters() ([]*types.VirtualRouter, error) {
	return list[types.VirtualRouter](t.tx, bucketRouters, nil)
}

func (t *boltTx) PutRouter(router *types.VirtualRouter) error {
	return put(t.tx, bucketRouters, router.ID, router)
}

func (t *boltTx) DeleteRouter(id string) error {
	return del(t.tx, bucketRouters, id)
}

// Router interface operations
func (t *boltTx) ListRouterInterfaces() ([]*types.RouterInterface, error) {
	return list[types.RouterInterface](t.tx, bucketRouterInterfaces, nil)
}

func (t *boltTx) ListInterfacesByRouter(routerID string) ([]*types.RouterInterface, error) {
	var out []*types.RouterInterface
	c := t.tx.Bucket(bucketRouterInterfaces).Cursor()
	prefix := []byte(routerID + "/")
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		var intf types.RouterInterface
		if err := json.Unmarshal(v, &intf); err != nil {
			return nil, err
		}
		out = append(out, &intf)
	}
	return out, nil
}

func (t *boltTx) ListInterfacesByNetwork(networkID string) ([]*types.RouterInterface, error) {
	return list(t.tx, bucketRouterInterfaces, func(i *types.RouterInterface) bool {
		return i.NetworkID == networkID
	})
}

func (t *boltTx) PutRouterInterface(intf *types.RouterInterface) error {
	return put(t.tx, bucketRouterInterfaces, interfaceKey(intf.RouterID, intf.SubnetID), intf)
}

func (t *boltTx) DeleteRouterInterface(routerID, subnetID string) error {
	return del(t.tx, bucketRouterInterfaces, interfaceKey(routerID, subnetID))
}

// Address scope operations
func (t *boltTx) GetAddressScope(id string) (*types.AddressScope, error) {
	return get[types.AddressScope](t.tx, bucketAddressScopes, id, "address scope")
}

func (t *boltTx) ListAddressScopes() ([]*types.AddressScope, error) {
	return list[types.AddressScope](t.tx, bucketAddressScopes, nil)
}

func (t *boltTx) PutAddressScope(scope *types.AddressScope) error {
	return put(t.tx, bucketAddressScopes, scope.ID, scope)
}

func (t *boltTx) DeleteAddressScope(id string) error {
	return del(t.tx, bucketAddressScopes, id)
}

// Port operations
func (t *boltTx) GetPort(id string) (*types.Port, error) {
	return get[types.Port](t.tx, bucketPorts, id, "port")
}

func (t *boltTx) ListPorts() ([]*types.Port, error) {
	return list[types.Port](t.tx, bucketPorts, nil)
}

func (t *boltTx) ListPortsByNetwork(networkID string) ([]*types.Port, error) {
	return list(t.tx, bucketPorts, func(p *types.Port) bool {
		return p.NetworkID == networkID
	})
}

func (t *boltTx) PutPort(port *types.Port) error {
	return put(t.tx, bucketPorts, port.ID, port)
}

func (t *boltTx) DeletePort(id string) error {
	return del(t.tx, bucketPorts, id)
}

// Security group operations
func (t *boltTx) ListSecurityGroups() ([]*types.SecurityGroup, error) {
	return list[types.SecurityGroup](t.tx, bucketSecurityGroups, nil)
}

func (t *boltTx) PutSecurityGroup(sg *types.SecurityGroup) error {
	return put(t.tx, bucketSecurityGroups, sg.ID, sg)
}

func (t *boltTx) DeleteSecurityGroup(id string) error {
	return del(t.tx, bucketSecurityGroups, id)
}

// Mapping operations
func (t *boltTx) GetNetworkMapping(networkID string) (*types.NetworkMapping, error) {
	return get[types.NetworkMapping](t.tx, bucketNetworkMappings, networkID, "network mapping")
}

func (t *boltTx) ListNetworkMappings() ([]*types.NetworkMapping, error) {
	return list[types.NetworkMapping](t.tx, bucketNetworkMappings, nil)
}

func (t *boltTx) PutNetworkMapping(m *types.NetworkMapping) error {
	var stored uint64
	if cur, err := t.GetNetworkMapping(m.NetworkID); err == nil {
		stored = cur.Revision
	}
	if stored != m.Revision {
		return fmt.Errorf("%w: network mapping %s at revision %d, have %d",
			types.ErrConflict, m.NetworkID, stored, m.Revision)
	}
	m.Revision++
	return put(t.tx, bucketNetworkMappings, m.NetworkID, m)
}

func (t *boltTx) DeleteNetworkMapping(networkID string) error {
	return del(t.tx, bucketNetworkMappings, networkID)
}

func (t *boltTx) GetAddressScopeMapping(scopeID string) (*types.AddressScopeMapping, error) {
	return get[types.AddressScopeMapping](t.tx, bucketScopeMappings, scopeID, "address scope mapping")
}

func (t *boltTx) ListAddressScopeMappings() ([]*types.AddressScopeMapping, error) {
	return list[types.AddressScopeMapping](t.tx, bucketScopeMappings, nil)
}

func (t *boltTx) PutAddressScopeMapping(m *types.AddressScopeMapping) error {
	var stored uint64
	if cur, err := t.GetAddressScopeMapping(m.ScopeID); err == nil {
		stored = cur.Revision
	}
	if stored != m.Revision {
		return fmt.Errorf("%w: address scope mapping %s at revision %d, have %d",
			types.ErrConflict, m.ScopeID, stored, m.Revision)
	}
	m.Revision++
	return put(t.tx, bucketScopeMappings, m.ScopeID, m)
}

func (t *boltTx) DeleteAddressScopeMapping(scopeID string) error {
	return del(t.tx, bucketScopeMappings, scopeID)
}

// Router id operations
func (t *boltTx) ListRouterIDAllocations() ([]*types.RouterIDAllocation, error) {
	return list[types.RouterIDAllocation](t.tx, bucketRouterIDs, nil)
}

func (t *boltTx) PutRouterIDAllocation(a *types.RouterIDAllocation) error {
	return put(t.tx, bucketRouterIDs, a.Owner, a)
}

func (t *boltTx) DeleteRouterIDAllocation(owner string) error {
	return del(t.tx, bucketRouterIDs, owner)
}
