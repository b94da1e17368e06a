package executor

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/axialops/axplatform/pkg/models"
	"github.com/axialops/axplatform/pkg/template"
)

// synthID derives a stable id for tree vertices that have none of their own,
// so recovery rebuilds the identical tree from the identical template.
func synthID(parentID string, index int, keyWord string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s/%d/%s", parentID, index, keyWord)).String()
}

func (e *Executor) buildTree(svc *template.Service) (Node, error) {
	root, err := e.buildService(nil, svc, svc.Name)
	if err != nil {
		return nil, err
	}

	return root, nil
}

func (e *Executor) register(n Node) {
	e.nodes[n.Base().ID] = n
}

func (e *Executor) buildService(parent Node, svc *template.Service, path string) (Node, error) {
	if svc.Template == nil {
		return nil, fmt.Errorf("service %q has no template body", svc.Name)
	}

	if svc.ID == "" {
		return nil, fmt.Errorf("service %q has no id", svc.Name)
	}

	base := NodeBase{
		ID:          svc.ID,
		Name:        svc.Name,
		Path:        path,
		Parent:      parent,
		IgnoreError: svc.IgnoreError,
		AutoRetry:   svc.AutoRetry,
		AlwaysRun:   svc.AlwaysRun,
		State:       NodeFresh,
		exec:        e,
	}

	switch svc.Template.Type {
	case template.TypeContainer:
		return e.buildContainer(base, svc.Template, false)

	case template.TypeDeployment:
		n := &Deployment{
			NodeBase:        base,
			ApplicationName: svc.Template.ApplicationName,
			DeploymentName:  svc.Template.DeploymentName,
			Spec:            svc.Template,
		}
		e.register(n)

		return n, nil

	case template.TypeWorkflow:
		return e.buildWorkflow(base, svc.Template, path)

	default:
		return nil, fmt.Errorf("unknown template type %q for service %q", svc.Template.Type, svc.Name)
	}
}

func (e *Executor) buildContainer(base NodeBase, t *template.Template, fixture bool) (Node, error) {
	if t.Container == nil {
		return nil, fmt.Errorf("container template %q has no container body", base.Name)
	}

	scaled, sidecar, labels := scaleLeaf(t.Container.Resources, t.Labels, e.config)

	n := &UserContainer{
		NodeBase:  base,
		Container: t.Container,
		Labels:    labels,
		Fixture:   fixture,
		Scaled:    scaled,
		SidecarR:  sidecar,
	}
	n.Resource = scaled.Add(sidecar)
	e.register(n)

	return n, nil
}

func (e *Executor) buildWorkflow(base NodeBase, t *template.Template, path string) (Node, error) {
	seq := &Sequential{NodeBase: base}
	e.register(seq)

	fixtureRows := make([]map[string]*template.FixtureEntry, len(t.Fixtures))
	copy(fixtureRows, t.Fixtures)

	// a volumes map participates in fixture reservation: its claims become a
	// static-fixture entry, merged into the first static fixture when there
	// is one so the whole reservation is a single atomic request
	volReqs := volumeRequirements(t.Volumes)

	for i, row := range fixtureRows {
		node, err := e.buildFixtureRow(seq, i, row, path)
		if err != nil {
			return nil, err
		}

		if volReqs != nil {
			if sf, ok := node.(*StaticFixture); ok {
				sf.VolRequirements = volReqs
				volReqs = nil
			}
		}

		seq.Fixtures = append(seq.Fixtures, node)
	}

	if volReqs != nil {
		vf := &StaticFixture{
			NodeBase: NodeBase{
				ID:     synthID(base.ID, len(fixtureRows), "volumes"),
				Name:   "volumes",
				Path:   path + ".volumes",
				Parent: seq,
				State:  NodeFresh,
				exec:   e,
			},
			VolRequirements: volReqs,
		}
		e.register(vf)
		seq.Fixtures = append(seq.Fixtures, vf)
	}

	for i, row := range t.Steps {
		node, err := e.buildStepRow(seq, i, row, path)
		if err != nil {
			return nil, err
		}

		seq.Children = append(seq.Children, node)
	}

	return seq, nil
}

// buildStepRow builds one steps[i] dictionary: a single member is used
// directly, multiple members become a synthetic parallel wrapper.
func (e *Executor) buildStepRow(parent *Sequential, index int, row map[string]*template.Service, path string) (Node, error) {
	members := make([]Node, 0, len(row))

	wrap := len(row) > 1

	rowParent := Node(parent)

	var par *Parallel

	if wrap {
		par = &Parallel{NodeBase: NodeBase{
			ID:     synthID(parent.ID, index, "steps"),
			Name:   fmt.Sprintf("steps[%d]", index),
			Path:   fmt.Sprintf("%s.steps[%d]", path, index),
			Parent: parent,
			State:  NodeFresh,
			exec:   e,
		}}
		rowParent = par
	}

	for _, name := range sortedKeys(row) {
		svc := row[name]
		if svc.Name == "" {
			svc.Name = name
		}

		if svc.ID == "" {
			svc.ID = synthID(rowParent.Base().ID, index, name)
		}

		child, err := e.buildService(rowParent, svc, path+"."+name)
		if err != nil {
			return nil, err
		}

		members = append(members, child)
	}

	if !wrap {
		return members[0], nil
	}

	par.Children = members

	// always_run propagates upward so cleanup mode still runs the wrapper
	for _, m := range members {
		if m.Base().AlwaysRun {
			par.AlwaysRun = true
		}
	}

	e.register(par)

	return par, nil
}

// buildFixtureRow builds one fixtures[i] dictionary.
func (e *Executor) buildFixtureRow(parent *Sequential, index int, row map[string]*template.FixtureEntry, path string) (Node, error) {
	members := make([]Node, 0, len(row))

	wrap := len(row) > 1

	rowParent := Node(parent)

	var par *Parallel

	if wrap {
		par = &Parallel{
			NodeBase: NodeBase{
				ID:     synthID(parent.ID, index, "fixtures"),
				Name:   fmt.Sprintf("fixtures[%d]", index),
				Path:   fmt.Sprintf("%s.fixtures[%d]", path, index),
				Parent: parent,
				State:  NodeFresh,
				exec:   e,
			},
			FixtureRow: true,
		}
		rowParent = par
	}

	for _, name := range sortedKeys(row) {
		entry := row[name]
		id := synthID(rowParent.Base().ID, index, name)

		var (
			child Node
			err   error
		)

		if entry.Dynamic() {
			svc := &template.Service{ID: id, Name: name, Template: entry.Template, AlwaysRun: true}

			child, err = e.buildDynamicFixture(rowParent, svc, path+"."+name)
		} else {
			sf := &StaticFixture{
				NodeBase: NodeBase{
					ID:        id,
					Name:      name,
					Path:      path + "." + name,
					Parent:    rowParent,
					AlwaysRun: true,
					State:     NodeFresh,
					exec:      e,
				},
				Requirements: map[string]models.Requirement{
					name: {Class: entry.Class, Name: entry.Name, Attributes: entry.Attributes},
				},
			}
			e.register(sf)
			child = sf
		}

		if err != nil {
			return nil, err
		}

		members = append(members, child)
	}

	if !wrap {
		return members[0], nil
	}

	par.Children = members
	par.AlwaysRun = true
	e.register(par)

	return par, nil
}

func (e *Executor) buildDynamicFixture(parent Node, svc *template.Service, path string) (Node, error) {
	if svc.Template.Type != template.TypeContainer {
		return nil, fmt.Errorf("dynamic fixture %q must be a container template", svc.Name)
	}

	base := NodeBase{
		ID:        svc.ID,
		Name:      svc.Name,
		Path:      path,
		Parent:    parent,
		AlwaysRun: true,
		State:     NodeFresh,
		exec:      e,
	}

	return e.buildContainer(base, svc.Template, true)
}

func volumeRequirements(claims map[string]template.VolumeClaim) map[string]models.VolumeRequirement {
	if len(claims) == 0 {
		return nil
	}

	out := make(map[string]models.VolumeRequirement, len(claims))

	for name, c := range claims {
		out[name] = models.VolumeRequirement{AXRN: c.AXRN, StorageClass: c.StorageClass, SizeGB: c.SizeGB}
	}

	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
