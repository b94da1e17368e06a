package fixture

import (
	"context"
	"errors"
	"fmt"

	"github.com/axialops/axplatform/pkg/axdb"
	"github.com/axialops/axplatform/pkg/axerror"
	"github.com/axialops/axplatform/pkg/models"
	"github.com/google/uuid"
)

// InstallClass installs or refreshes a class from its upstream template.
// Installation is idempotent keyed on the class name; renaming a class onto a
// name another class already uses is rejected.
func (m *Manager) InstallClass(ctx context.Context, templateID string) (*models.FixtureClass, error) {
	if m.templates == nil {
		return nil, axerror.ErrServiceUnavailable.New("no template source configured")
	}

	tpl, err := m.templates.FixtureTemplate(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch fixture template %s: %w", templateID, err)
	}

	return m.installTemplate(ctx, tpl)
}

func (m *Manager) installTemplate(ctx context.Context, tpl *ClassTemplate) (*models.FixtureClass, error) {
	if tpl.Name == "" {
		return nil, axerror.ErrInvalidParam.New("class template has no name")
	}

	attributes, err := installSchema(tpl.Attributes)
	if err != nil {
		return nil, err
	}

	for name, action := range tpl.Actions {
		if !validStateFlip(action.OnSuccess) || !validStateFlip(action.OnFailure) {
			return nil, axerror.ErrInvalidParam.WithDetailf("action %q: on_success/on_failure must be enable or disable", name)
		}
	}

	existing, err := m.store.GetFixtureClassByName(ctx, tpl.Name)
	if err != nil && !errors.Is(err, axdb.ErrNotFound) {
		return nil, err
	}

	byTemplate := m.classForTemplate(ctx, tpl.ID)

	if existing != nil && byTemplate != nil && existing.ID != byTemplate.ID {
		return nil, axerror.ErrInvalidParam.WithDetailf("name %q is already used by class %s", tpl.Name, existing.ID)
	}

	class := byTemplate
	if class == nil {
		class = existing
	}

	if class == nil {
		class = &models.FixtureClass{ID: uuid.New().String()}
	}

	if err := m.migrateInstances(ctx, class, attributes); err != nil {
		return nil, err
	}

	class.Name = tpl.Name
	class.Description = tpl.Description
	class.Repo = tpl.Repo
	class.Branch = tpl.Branch
	class.Attributes = attributes
	class.Actions = tpl.Actions
	class.Status = models.ClassActive

	err = m.store.PutFixtureClass(ctx, class)
	if err != nil {
		return nil, fmt.Errorf("failed to persist class %s: %w", class.Name, err)
	}

	m.rememberTemplate(class.ID, tpl.ID)
	m.Trigger()

	return class, nil
}

func validStateFlip(v string) bool {
	return v == "" || v == "enable" || v == "disable"
}

// migrateInstances applies a schema diff to every non-deleted instance of the
// class: attributes whose type or array-ness changed are treated as deleted
// and removed from each instance under its lock.
func (m *Manager) migrateInstances(ctx context.Context, class *models.FixtureClass, next map[string]models.AttributeSchema) error {
	if class.Attributes == nil {
		return nil
	}

	removed := make([]string, 0)

	for name, prior := range class.Attributes {
		schema, kept := next[name]
		if kept && schema.Type == prior.Type &&
			schema.HasFlag(models.AttrFlagArray) == prior.HasFlag(models.AttrFlagArray) {
			continue
		}

		removed = append(removed, name)
	}

	if len(removed) == 0 {
		return nil
	}

	instances, err := m.store.ListFixtureInstances(ctx)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if inst.ClassID != class.ID || inst.Status == models.InstanceDeleted {
			continue
		}

		err := m.withInstance(ctx, inst.ID, func(inst *models.FixtureInstance) error {
			changed := false

			for _, name := range removed {
				if _, ok := inst.Attributes[name]; ok {
					delete(inst.Attributes, name)

					changed = true
				}
			}

			if !changed {
				return errUnchanged
			}

			return nil
		})
		if err != nil {
			return err
		}
	}

	m.logger.InfoContext(ctx, "Migrated class schema", "class", class.Name, "removed_attributes", removed)

	return nil
}

// ApplyTemplateUpdates reconciles the class catalog against the full current
// template set: missing templates flip their classes to DISCONNECTED (with a
// one-shot notification), present ones are re-installed, which also runs the
// schema diff.
func (m *Manager) ApplyTemplateUpdates(ctx context.Context, templates []*ClassTemplate) error {
	classes, err := m.store.ListFixtureClasses(ctx)
	if err != nil {
		return err
	}

	byName := make(map[string]*ClassTemplate, len(templates))
	for _, tpl := range templates {
		byName[tpl.Name] = tpl
	}

	for _, class := range classes {
		tpl, present := byName[class.Name]
		if present {
			if _, err := m.installTemplate(ctx, tpl); err != nil {
				m.logger.Error("Failed to refresh class from template", "class", class.Name, "error", err)
			}

			continue
		}

		if class.Status == models.ClassDisconnected {
			continue
		}

		class.Status = models.ClassDisconnected

		err := m.store.PutFixtureClass(ctx, class)
		if err != nil {
			return err
		}

		m.notify(ctx, "class-disconnected:"+class.ID, "CLASS_DISCONNECTED",
			fmt.Sprintf("template for fixture class %s disappeared", class.Name),
			map[string]any{"class_id": class.ID})
	}

	return nil
}

// GetClass resolves a class by id, falling back to name lookup.
func (m *Manager) GetClass(ctx context.Context, id string) (*models.FixtureClass, error) {
	class, err := m.store.GetFixtureClass(ctx, id)
	if errors.Is(err, axdb.ErrNotFound) {
		class, err = m.store.GetFixtureClassByName(ctx, id)
	}

	if errors.Is(err, axdb.ErrNotFound) {
		return nil, axerror.ErrResourceNotFound.WithDetailf("fixture class %s", id)
	}

	return class, err
}

func (m *Manager) ListClasses(ctx context.Context) ([]*models.FixtureClass, error) {
	return m.store.ListFixtureClasses(ctx)
}

// DeleteClass removes a class; classes with live instances cannot be deleted.
func (m *Manager) DeleteClass(ctx context.Context, id string) error {
	class, err := m.GetClass(ctx, id)
	if err != nil {
		return err
	}

	instances, err := m.store.ListFixtureInstances(ctx)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if inst.ClassID == class.ID && inst.Status != models.InstanceDeleted {
			return axerror.ErrIllegalOperation.WithDetailf("class %s still has instance %s", class.Name, inst.Name)
		}
	}

	err = m.store.DeleteFixtureClass(ctx, class.ID)
	if err != nil {
		return err
	}

	m.forgetTemplate(class.ID)

	return nil
}

// Template-id bookkeeping. The store keys classes by their own id; the
// meta table remembers which upstream template a class came from so that
// re-installs under a new name find the same class.

func templateMetaKey(classID string) string { return "fixture-class-template-" + classID }

func (m *Manager) rememberTemplate(classID, templateID string) {
	if templateID == "" {
		return
	}

	err := m.store.SetMeta(context.Background(), templateMetaKey(classID), templateID)
	if err != nil {
		m.logger.Error("Failed to record template id", "class_id", classID, "error", err)
	}
}

func (m *Manager) forgetTemplate(classID string) {
	_ = m.store.DeleteMeta(context.Background(), templateMetaKey(classID))
}

func (m *Manager) classForTemplate(ctx context.Context, templateID string) *models.FixtureClass {
	if templateID == "" {
		return nil
	}

	classes, err := m.store.ListFixtureClasses(ctx)
	if err != nil {
		return nil
	}

	for _, class := range classes {
		stored, err := m.store.GetMeta(ctx, templateMetaKey(class.ID))
		if err == nil && stored == templateID {
			return class
		}
	}

	return nil
}
