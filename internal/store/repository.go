package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/EagleChen/mapmutex"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grovebox/irrigationd/internal/model"
)

const (
	templateDir = "templates"
	instanceDir = "instances"
	recordExt   = ".bin"
)

// Repository is file-per-record CRUD over templates and instances. Saves are
// optimistic: the caller presents the version it read, and a save against a
// record whose on-disk version has advanced fails with ErrVersionConflict
// instead of discarding the concurrent edit. Per-record exclusive access
// during a save goes through a keyed try-lock with a bounded wait; running
// out of retries surfaces as ErrLockTimeout so the evaluator's cycle stays
// live under contention.
type Repository struct {
	dir    string
	locks  *mapmutex.Mutex
	logger *zap.SugaredLogger

	// byActuator indexes instance ids per actuator so the resolver does
	// not scan the whole instance dir every cycle.
	mu         sync.RWMutex
	byActuator map[string]map[string]struct{}
}

// NewRepository opens (creating if needed) a repository rooted at dir and
// rebuilds the actuator index from the records on disk.
func NewRepository(dir string, logger *zap.SugaredLogger) (*Repository, error) {
	r := &Repository{
		dir: dir,
		// maxTry 20 with ~1ms base backoff keeps the worst-case wait
		// well under one evaluator tick.
		locks:      mapmutex.NewCustomizedMapMutex(20, 50_000_000, 1_000_000, 1.5, 0.2),
		logger:     logger,
		byActuator: make(map[string]map[string]struct{}),
	}
	for _, sub := range []string{templateDir, instanceDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	if err := r.rebuildIndex(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) rebuildIndex() error {
	ids, err := listRecordIDs(filepath.Join(r.dir, instanceDir))
	if err != nil {
		return err
	}
	for _, id := range ids {
		inst, err := r.LoadInstance(id)
		if err != nil {
			// Corrupt records stay on disk but out of the index;
			// they are absent until explicitly re-created.
			r.logger.Warnw("skipping unreadable instance", "id", id, "error", err)
			continue
		}
		r.indexInstance(inst.ActuatorID, id)
	}
	return nil
}

func (r *Repository) indexInstance(actuatorID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byActuator[actuatorID]
	if !ok {
		set = make(map[string]struct{})
		r.byActuator[actuatorID] = set
	}
	set[id] = struct{}{}
}

func (r *Repository) unindexInstance(actuatorID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.byActuator[actuatorID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byActuator, actuatorID)
		}
	}
}

func (r *Repository) templatePath(id string) string {
	return filepath.Join(r.dir, templateDir, id+recordExt)
}

func (r *Repository) instancePath(id string) string {
	return filepath.Join(r.dir, instanceDir, id+recordExt)
}

// SaveTemplate persists a template, assigning an id when empty. The same
// optimistic version check applies as for instances.
func (r *Repository) SaveTemplate(t *model.ScheduleTemplate) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := t.Validate(); err != nil {
		return err
	}
	key := "template/" + t.ID
	if !r.locks.TryLock(key) {
		return fmt.Errorf("template %s: %w", t.ID, model.ErrLockTimeout)
	}
	defer r.locks.Unlock(key)

	current, err := r.LoadTemplate(t.ID)
	switch {
	case err == nil:
		if current.Version != t.Version {
			return fmt.Errorf("template %s: disk version %d, presented %d: %w",
				t.ID, current.Version, t.Version, model.ErrVersionConflict)
		}
	case errors.Is(err, model.ErrNotFound):
		// first save
	default:
		return err
	}

	t.Version++
	if err := WriteRecord(r.templatePath(t.ID), EncodeTemplate(t)); err != nil {
		t.Version--
		return err
	}
	return nil
}

// LoadTemplate reads one template; ErrNotFound when absent.
func (r *Repository) LoadTemplate(id string) (*model.ScheduleTemplate, error) {
	payload, err := ReadRecord(r.templatePath(id))
	if err != nil {
		return nil, err
	}
	return DecodeTemplate(payload)
}

// DeleteTemplate removes a template record. Deleting a missing template is
// not an error.
func (r *Repository) DeleteTemplate(id string) error {
	err := os.Remove(r.templatePath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	return nil
}

// ListTemplateIDs returns all template ids in lexicographic order.
func (r *Repository) ListTemplateIDs() ([]string, error) {
	return listRecordIDs(filepath.Join(r.dir, templateDir))
}

// SaveInstance persists an instance with the optimistic version check. On
// success the instance's Version reflects the stored value.
func (r *Repository) SaveInstance(inst *model.ScheduleInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if err := inst.Validate(); err != nil {
		return err
	}
	key := "instance/" + inst.ID
	if !r.locks.TryLock(key) {
		return fmt.Errorf("instance %s: %w", inst.ID, model.ErrLockTimeout)
	}
	defer r.locks.Unlock(key)

	current, err := r.LoadInstance(inst.ID)
	switch {
	case err == nil:
		if current.Version != inst.Version {
			return fmt.Errorf("instance %s: disk version %d, presented %d: %w",
				inst.ID, current.Version, inst.Version, model.ErrVersionConflict)
		}
		if current.ActuatorID != inst.ActuatorID {
			r.unindexInstance(current.ActuatorID, inst.ID)
		}
	case errors.Is(err, model.ErrNotFound):
		// first save
	default:
		return err
	}

	inst.Version++
	if err := WriteRecord(r.instancePath(inst.ID), EncodeInstance(inst)); err != nil {
		inst.Version--
		return err
	}
	r.indexInstance(inst.ActuatorID, inst.ID)
	return nil
}

// LoadInstance reads one instance; ErrNotFound when absent, a corrupt-record
// sentinel when damaged.
func (r *Repository) LoadInstance(id string) (*model.ScheduleInstance, error) {
	payload, err := ReadRecord(r.instancePath(id))
	if err != nil {
		return nil, err
	}
	return DecodeInstance(payload)
}

// DeleteInstance removes an instance record and its index entry.
func (r *Repository) DeleteInstance(id string) error {
	if inst, err := r.LoadInstance(id); err == nil {
		r.unindexInstance(inst.ActuatorID, id)
	}
	err := os.Remove(r.instancePath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

// InstancesForActuator loads every readable instance bound to the actuator,
// sorted by id. Corrupt records are logged and skipped: the resolver treats
// them as absent rather than half-trusting them.
func (r *Repository) InstancesForActuator(actuatorID string) ([]*model.ScheduleInstance, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byActuator[actuatorID]))
	for id := range r.byActuator[actuatorID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]*model.ScheduleInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := r.LoadInstance(id)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				r.unindexInstance(actuatorID, id)
				continue
			}
			r.logger.Warnw("skipping unreadable instance", "id", id, "actuator", actuatorID, "error", err)
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// InstantiateTemplate seeds and persists a new instance from a stored
// template.
func (r *Repository) InstantiateTemplate(templateID, actuatorID string, start, end model.Date, priority int32) (*model.ScheduleInstance, error) {
	t, err := r.LoadTemplate(templateID)
	if err != nil {
		return nil, err
	}
	inst := t.Instantiate(uuid.NewString(), actuatorID, start, end, priority)
	if err := r.SaveInstance(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func listRecordIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(ids)
	return ids, nil
}
