package models

import (
	"fmt"
	"strings"

	"github.com/axialops/axplatform/pkg/fsm"
)

// VolumeStatus is the lifecycle state of a volume.
type VolumeStatus string

const (
	VolumeInit     VolumeStatus = "INIT"
	VolumeCreating VolumeStatus = "CREATING"
	VolumeActive   VolumeStatus = "ACTIVE"
	VolumeDeleting VolumeStatus = "DELETING"
)

// VolumeTransitions is the volume lifecycle graph. Deletion of the row itself
// happens outside the machine, after a successful DELETING action.
var VolumeTransitions = []fsm.Transition{
	{Trigger: "create", From: fsm.State(VolumeInit), To: fsm.State(VolumeCreating)},
	{Trigger: "create_done", From: fsm.State(VolumeCreating), To: fsm.State(VolumeActive)},
	{Trigger: "delete", From: fsm.State(VolumeInit), To: fsm.State(VolumeDeleting)},
	{Trigger: "delete", From: fsm.State(VolumeCreating), To: fsm.State(VolumeDeleting)},
	{Trigger: "delete", From: fsm.State(VolumeActive), To: fsm.State(VolumeDeleting)},
}

const (
	axrnVolumePrefix    = "vol:/"
	axrnAnonymousPrefix = "vol:/anonymous/"
)

// VolumeAttrSizeGB is the one attribute every volume must carry.
const VolumeAttrSizeGB = "size_gb"

// Volume is a persistent storage entity, named or anonymous. AXRN is globally
// unique across non-deleted volumes.
type Volume struct {
	ID              string         `json:"id"`
	Name            string         `json:"name,omitempty"`
	AXRN            string         `json:"axrn"`
	Anonymous       bool           `json:"anonymous"`
	StorageClass    string         `json:"storage_class"`
	StorageProvider string         `json:"storage_provider,omitempty"`
	Enabled         bool           `json:"enabled"`
	Concurrency     int            `json:"concurrency"`
	Referrers       Referrers      `json:"referrers"`
	ResourceID      string         `json:"resource_id,omitempty"`
	Status          VolumeStatus   `json:"status"`
	StatusDetail    map[string]any `json:"status_detail,omitempty"`
	Attributes      map[string]any `json:"attributes"`
	Ctime           int64          `json:"ctime"`
	Mtime           int64          `json:"mtime"`
	Atime           int64          `json:"atime"`
}

// NamedAXRN builds the resource name of a named volume.
func NamedAXRN(name string) string {
	return axrnVolumePrefix + name
}

// AnonymousWorkflowAXRN builds the resource name a workflow-requested
// anonymous volume is keyed by.
func AnonymousWorkflowAXRN(rootWorkflowID, serviceID, refName string) string {
	return fmt.Sprintf("%sroot_workflow_id:%s/service_id:%s/%s",
		axrnAnonymousPrefix, rootWorkflowID, serviceID, refName)
}

// AnonymousDeploymentAXRN builds the resource name a deployment-requested
// anonymous volume is keyed by.
func AnonymousDeploymentAXRN(application, deployment, refName string) string {
	return fmt.Sprintf("%sapplication:%s/deployment:%s/%s",
		axrnAnonymousPrefix, application, deployment, refName)
}

// IsAnonymousAXRN reports whether axrn addresses an anonymous volume.
func IsAnonymousAXRN(axrn string) bool {
	return strings.HasPrefix(axrn, axrnAnonymousPrefix)
}

// DeletingAXRN rewrites an anonymous volume's axrn when it transitions to
// DELETING so the original axrn is immediately reusable by a new request.
func DeletingAXRN(axrn string, mtime int64) string {
	return fmt.Sprintf("%s-deleting-%d", axrn, mtime)
}

// MarkedDeleting reports whether the axrn already carries a deleting suffix.
func MarkedDeleting(axrn string) bool {
	return strings.Contains(axrn, "-deleting-")
}

// Reservable reports whether the volume can take a reservation for the given
// service id. Named volumes must be ACTIVE; an anonymous volume is reservable
// by its owner as soon as it exists and is not being deleted.
func (v *Volume) Reservable(serviceID string) bool {
	if !v.Enabled || MarkedDeleting(v.AXRN) || v.Status == VolumeDeleting {
		return false
	}

	if !v.Anonymous && v.Status != VolumeActive {
		return false
	}

	if v.Referrers.Has(serviceID) {
		return true
	}

	return v.Concurrency == 0 || len(v.Referrers) < v.Concurrency
}

// SizeGB reads the mandatory size attribute, tolerating json numbers.
func (v *Volume) SizeGB() float64 {
	switch n := v.Attributes[VolumeAttrSizeGB].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// Flatten returns the volume as the flattened document embedded into a
// request vol_assignment.
func (v *Volume) Flatten() map[string]any {
	doc := map[string]any{
		"id":            v.ID,
		"axrn":          v.AXRN,
		"anonymous":     v.Anonymous,
		"storage_class": v.StorageClass,
		"resource_id":   v.ResourceID,
		"status":        string(v.Status),
	}

	if v.Name != "" {
		doc["name"] = v.Name
	}

	for k, val := range v.Attributes {
		if _, clash := doc[k]; !clash {
			doc[k] = val
		}
	}

	return doc
}
