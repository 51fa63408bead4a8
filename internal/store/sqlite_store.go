package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/EpicMandM/vmsnap/internal/models"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements Reader and Writer over a connection or a transaction.
type queries struct {
	q querier
}

// SQLiteStore is the SQLite implementation of Store.
type SQLiteStore struct {
	queries
	db *sql.DB
	// mu serializes units of work so a check inside Update cannot be
	// interleaved with another writer's check.
	mu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dbPath, err := resolveDBPath(path)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := initSchema(db); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, errors.Join(err, cerr)
		}
		return nil, err
	}

	return &SQLiteStore{queries: queries{q: db}, db: db}, nil
}

func resolveDBPath(path string) (string, error) {
	abs := filepath.Clean(path)
	if strings.HasSuffix(abs, ".db") {
		if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
			return "", err
		}
		return abs, nil
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return "", err
	}
	return filepath.Join(abs, "vmsnap.db"), nil
}

// likeEscaper makes a keyword match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vms (
			id TEXT PRIMARY KEY, instance_name TEXT NOT NULL, state TEXT NOT NULL,
			hypervisor TEXT NOT NULL, host_id TEXT NOT NULL DEFAULT '', last_host_id TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL DEFAULT '', domain_id TEXT NOT NULL DEFAULT '', guest_os TEXT NOT NULL DEFAULT '');`,
		"CREATE INDEX IF NOT EXISTS idx_vms_state ON vms(state);",
		`CREATE TABLE IF NOT EXISTS hosts (
			id TEXT PRIMARY KEY, name TEXT NOT NULL, type TEXT NOT NULL, status TEXT NOT NULL,
			resource_state TEXT NOT NULL, ha_enabled INTEGER NOT NULL DEFAULT 0,
			cluster_id TEXT NOT NULL DEFAULT '', pod_id TEXT NOT NULL DEFAULT '', zone_id TEXT NOT NULL DEFAULT '');`,
		"CREATE INDEX IF NOT EXISTS idx_hosts_name ON hosts(name);",
		`CREATE TABLE IF NOT EXISTS storage_pools (
			id TEXT PRIMARY KEY, name TEXT NOT NULL DEFAULT '',
			cluster_id TEXT NOT NULL DEFAULT '', pod_id TEXT NOT NULL DEFAULT '', zone_id TEXT NOT NULL DEFAULT '');`,
		`CREATE TABLE IF NOT EXISTS volumes (
			id TEXT PRIMARY KEY, vm_id TEXT NOT NULL, pool_id TEXT NOT NULL DEFAULT '', name TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '', device_id INTEGER NOT NULL DEFAULT 0, kind TEXT NOT NULL DEFAULT 'ROOT');`,
		"CREATE INDEX IF NOT EXISTS idx_volumes_vm ON volumes(vm_id);",
		`CREATE TABLE IF NOT EXISTS volume_snapshots (
			id TEXT PRIMARY KEY, volume_id TEXT NOT NULL, state TEXT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS vm_snapshots (
			id TEXT PRIMARY KEY, vm_id TEXT NOT NULL, account_id TEXT NOT NULL DEFAULT '', domain_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL, display_name TEXT NOT NULL, description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL, state TEXT NOT NULL, parent_id TEXT NOT NULL DEFAULT '',
			current INTEGER NOT NULL DEFAULT 0, created_at TEXT NOT NULL);`,
		"CREATE INDEX IF NOT EXISTS idx_vm_snapshots_vm_state ON vm_snapshots(vm_id, state);",
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_vm_snapshots_display_name ON vm_snapshots(vm_id, display_name);",
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_vm_snapshots_name ON vm_snapshots(vm_id, name);",
		// At most one current snapshot and one in-flight snapshot per VM.
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_vm_snapshots_current ON vm_snapshots(vm_id) WHERE current = 1;",
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_vm_snapshots_active ON vm_snapshots(vm_id) WHERE state IN ('Allocated', 'Creating', 'Reverting', 'Expunging');",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Update runs fn inside one transaction.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rerr := sqlTx.Rollback(); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
	}()

	if err = fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkAffected(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// --- VMs ---

const vmColumns = "id, instance_name, state, hypervisor, host_id, last_host_id, account_id, domain_id, guest_os"

func scanVM(row interface{ Scan(...any) error }) (*models.VM, error) {
	var vm models.VM
	var state, hv string
	if err := row.Scan(&vm.ID, &vm.InstanceName, &state, &hv, &vm.HostID, &vm.LastHostID, &vm.AccountID, &vm.DomainID, &vm.GuestOS); err != nil {
		return nil, err
	}
	vm.State = models.VMState(state)
	vm.Hypervisor = models.Hypervisor(hv)
	return &vm, nil
}

func (q *queries) FindVM(ctx context.Context, id string) (*models.VM, error) {
	vm, err := scanVM(q.q.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vm %s: %w", id, ErrNotFound)
	}
	return vm, err
}

func (q *queries) ListVMsInStates(ctx context.Context, states ...models.VMState) ([]models.VM, error) {
	args := make([]any, 0, len(states))
	for _, st := range states {
		args = append(args, string(st))
	}
	query := `SELECT ` + vmColumns + ` FROM vms`
	if len(states) > 0 {
		query += ` WHERE state IN (` + placeholders(len(states)) + `)`
	}
	rows, err := q.q.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var vms []models.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		vms = append(vms, *vm)
	}
	return vms, rows.Err()
}

func (q *queries) SaveVM(ctx context.Context, vm *models.VM) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO vms (`+vmColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET instance_name=excluded.instance_name, state=excluded.state,
		hypervisor=excluded.hypervisor, host_id=excluded.host_id, last_host_id=excluded.last_host_id,
		account_id=excluded.account_id, domain_id=excluded.domain_id, guest_os=excluded.guest_os`,
		vm.ID, vm.InstanceName, string(vm.State), string(vm.Hypervisor), vm.HostID, vm.LastHostID, vm.AccountID, vm.DomainID, vm.GuestOS)
	return err
}

// --- hosts and pools ---

const hostColumns = "id, name, type, status, resource_state, ha_enabled, cluster_id, pod_id, zone_id"

func scanHost(row interface{ Scan(...any) error }) (*models.Host, error) {
	var h models.Host
	var typ, status, rs string
	var ha int
	if err := row.Scan(&h.ID, &h.Name, &typ, &status, &rs, &ha, &h.ClusterID, &h.PodID, &h.ZoneID); err != nil {
		return nil, err
	}
	h.Type = models.HostType(typ)
	h.Status = models.HostStatus(status)
	h.ResourceState = models.ResourceState(rs)
	h.HAEnabled = ha != 0
	return &h, nil
}

func (q *queries) FindHost(ctx context.Context, id string) (*models.Host, error) {
	h, err := scanHost(q.q.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("host %s: %w", id, ErrNotFound)
	}
	return h, err
}

func (q *queries) FindHostByName(ctx context.Context, name string) (*models.Host, error) {
	h, err := scanHost(q.q.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE name = ? ORDER BY id LIMIT 1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("host named %s: %w", name, ErrNotFound)
	}
	return h, err
}

func (q *queries) ListEligibleHosts(ctx context.Context, hostType models.HostType, clusterID, podID, zoneID string) ([]models.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE type = ? AND status = ? AND resource_state = ? AND ha_enabled = 0`
	args := []any{string(hostType), string(models.HostUp), string(models.ResourceEnabled)}
	for _, c := range []struct{ col, val string }{{"cluster_id", clusterID}, {"pod_id", podID}, {"zone_id", zoneID}} {
		if c.val != "" {
			query += ` AND ` + c.col + ` = ?`
			args = append(args, c.val)
		}
	}
	rows, err := q.q.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var hosts []models.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

func (q *queries) SaveHost(ctx context.Context, h *models.Host) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO hosts (`+hostColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, status=excluded.status,
		resource_state=excluded.resource_state, ha_enabled=excluded.ha_enabled,
		cluster_id=excluded.cluster_id, pod_id=excluded.pod_id, zone_id=excluded.zone_id`,
		h.ID, h.Name, string(h.Type), string(h.Status), string(h.ResourceState), boolInt(h.HAEnabled), h.ClusterID, h.PodID, h.ZoneID)
	return err
}

func (q *queries) FindStoragePool(ctx context.Context, id string) (*models.StoragePool, error) {
	var p models.StoragePool
	err := q.q.QueryRowContext(ctx, `SELECT id, name, cluster_id, pod_id, zone_id FROM storage_pools WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.ClusterID, &p.PodID, &p.ZoneID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage pool %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *queries) SaveStoragePool(ctx context.Context, p *models.StoragePool) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO storage_pools (id, name, cluster_id, pod_id, zone_id) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, cluster_id=excluded.cluster_id, pod_id=excluded.pod_id, zone_id=excluded.zone_id`,
		p.ID, p.Name, p.ClusterID, p.PodID, p.ZoneID)
	return err
}

// --- volumes ---

func (q *queries) FindVolumes(ctx context.Context, vmID string) ([]models.Volume, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id, vm_id, pool_id, name, path, device_id, kind FROM volumes WHERE vm_id = ? ORDER BY device_id, id`, vmID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var vols []models.Volume
	for rows.Next() {
		var v models.Volume
		var kind string
		if err := rows.Scan(&v.ID, &v.VMID, &v.PoolID, &v.Name, &v.Path, &v.DeviceID, &kind); err != nil {
			return nil, err
		}
		v.Kind = models.VolumeKind(kind)
		vols = append(vols, v)
	}
	return vols, rows.Err()
}

func (q *queries) SaveVolume(ctx context.Context, v *models.Volume) error {
	kind := v.Kind
	if kind == "" {
		kind = models.VolumeRoot
	}
	_, err := q.q.ExecContext(ctx, `INSERT INTO volumes (id, vm_id, pool_id, name, path, device_id, kind) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET vm_id=excluded.vm_id, pool_id=excluded.pool_id, name=excluded.name,
		path=excluded.path, device_id=excluded.device_id, kind=excluded.kind`,
		v.ID, v.VMID, v.PoolID, v.Name, v.Path, v.DeviceID, string(kind))
	return err
}

func (q *queries) UpdateVolumePath(ctx context.Context, volumeID, path string) error {
	res, err := q.q.ExecContext(ctx, `UPDATE volumes SET path = ? WHERE id = ?`, path, volumeID)
	if err != nil {
		return err
	}
	return checkAffected(res, "volume", volumeID)
}

func (q *queries) SaveVolumeSnapshot(ctx context.Context, vs *models.VolumeSnapshot) error {
	_, err := q.q.ExecContext(ctx, `INSERT INTO volume_snapshots (id, volume_id, state) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET volume_id=excluded.volume_id, state=excluded.state`,
		vs.ID, vs.VolumeID, string(vs.State))
	return err
}

func (q *queries) CountActiveVolumeSnapshots(ctx context.Context, vmID string) (int, error) {
	states := models.ActiveVolumeSnapshotStates()
	args := []any{vmID}
	for _, st := range states {
		args = append(args, string(st))
	}
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM volume_snapshots vs JOIN volumes v ON v.id = vs.volume_id
		WHERE v.vm_id = ? AND vs.state IN (`+placeholders(len(states))+`)`, args...).Scan(&n)
	return n, err
}

// --- VM snapshots ---

const snapshotColumns = "id, vm_id, account_id, domain_id, name, display_name, description, type, state, parent_id, current, created_at"

func scanSnapshot(row interface{ Scan(...any) error }) (*models.Snapshot, error) {
	var s models.Snapshot
	var typ, state, created string
	var current int
	if err := row.Scan(&s.ID, &s.VMID, &s.AccountID, &s.DomainID, &s.Name, &s.DisplayName, &s.Description,
		&typ, &state, &s.ParentID, &current, &created); err != nil {
		return nil, err
	}
	s.Type = models.SnapshotType(typ)
	s.State = models.SnapshotState(state)
	s.Current = current != 0
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s created_at: %w", s.ID, err)
	}
	s.CreatedAt = t
	return &s, nil
}

func (q *queries) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	s, err := scanSnapshot(q.q.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM vm_snapshots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vm snapshot %s: %w", id, ErrNotFound)
	}
	return s, err
}

func (q *queries) FindCurrentSnapshot(ctx context.Context, vmID string) (*models.Snapshot, error) {
	s, err := scanSnapshot(q.q.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM vm_snapshots WHERE vm_id = ? AND current = 1`, vmID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("current snapshot of vm %s: %w", vmID, ErrNotFound)
	}
	return s, err
}

func (q *queries) ListSnapshots(ctx context.Context, f SnapshotFilter) ([]models.Snapshot, error) {
	var where []string
	var args []any
	add := func(cond string, vals ...any) {
		where = append(where, cond)
		args = append(args, vals...)
	}
	if f.ID != "" {
		add("id = ?", f.ID)
	}
	if f.VMID != "" {
		add("vm_id = ?", f.VMID)
	}
	if f.DisplayName != "" {
		add("display_name = ?", f.DisplayName)
	}
	if f.Type != "" {
		add("type = ?", string(f.Type))
	}
	if f.ParentID != "" {
		add("parent_id = ?", f.ParentID)
	}
	if f.CurrentOnly {
		add("current = 1")
	}
	if f.Keyword != "" {
		kw := "%" + likeEscaper.Replace(f.Keyword) + "%"
		add(`(name LIKE ? ESCAPE '\' OR display_name LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`, kw, kw, kw)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < ?", f.CreatedBefore.UTC().Format(timeLayout))
	}
	if len(f.States) > 0 {
		vals := make([]any, 0, len(f.States))
		for _, st := range f.States {
			vals = append(vals, string(st))
		}
		add("state IN ("+placeholders(len(f.States))+")", vals...)
	}

	query := `SELECT ` + snapshotColumns + ` FROM vm_snapshots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	rows, err := q.q.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (q *queries) InsertSnapshot(ctx context.Context, s *models.Snapshot) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := q.q.ExecContext(ctx, `INSERT INTO vm_snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.VMID, s.AccountID, s.DomainID, s.Name, s.DisplayName, s.Description,
		string(s.Type), string(s.State), s.ParentID, boolInt(s.Current), s.CreatedAt.UTC().Format(timeLayout))
	return err
}

func (q *queries) UpdateSnapshot(ctx context.Context, s *models.Snapshot) error {
	res, err := q.q.ExecContext(ctx, `UPDATE vm_snapshots SET name = ?, display_name = ?, description = ?, type = ?,
		state = ?, parent_id = ?, current = ? WHERE id = ?`,
		s.Name, s.DisplayName, s.Description, string(s.Type), string(s.State), s.ParentID, boolInt(s.Current), s.ID)
	if err != nil {
		return err
	}
	return checkAffected(res, "vm snapshot", s.ID)
}

func (q *queries) DeleteSnapshot(ctx context.Context, id string) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM vm_snapshots WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res, "vm snapshot", id)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
