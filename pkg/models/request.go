package models

// Requirement is one fixture requirement of a request: match by class and/or
// name plus attribute equality.
type Requirement struct {
	Class      string         `json:"class,omitempty"`
	Name       string         `json:"name,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// VolumeRequirement is one volume requirement: either a named axrn, or a
// storage class + size for an anonymous volume.
type VolumeRequirement struct {
	AXRN         string  `json:"axrn,omitempty"`
	StorageClass string  `json:"storage_class,omitempty"`
	SizeGB       float64 `json:"size_gb,omitempty"`
}

func (vr VolumeRequirement) Anonymous() bool {
	return vr.AXRN == ""
}

// FixtureRequest is a reservation ticket keyed by service id (a workflow step
// id or a stable deployment id).
type FixtureRequest struct {
	ServiceID       string                       `json:"service_id"`
	Requester       string                       `json:"requester"`
	User            string                       `json:"user,omitempty"`
	RootWorkflowID  string                       `json:"root_workflow_id,omitempty"`
	ApplicationID   string                       `json:"application_id,omitempty"`
	ApplicationName string                       `json:"application_name,omitempty"`
	DeploymentName  string                       `json:"deployment_name,omitempty"`
	Synchronous     bool                         `json:"synchronous,omitempty"`
	Requirements    map[string]Requirement       `json:"requirements,omitempty"`
	VolRequirements map[string]VolumeRequirement `json:"vol_requirements,omitempty"`
	Assignment      map[string]map[string]any    `json:"assignment,omitempty"`
	VolAssignment   map[string]map[string]any    `json:"vol_assignment,omitempty"`
	RequestTime     int64                        `json:"request_time"`
	AssignmentTime  int64                        `json:"assignment_time,omitempty"`
}

// Assigned reports whether any assignment map is non-empty.
func (r *FixtureRequest) Assigned() bool {
	return len(r.Assignment) > 0 || len(r.VolAssignment) > 0
}

// Referrer builds the referrer document appended to every reserved instance
// and volume.
func (r *FixtureRequest) Referrer() Referrer {
	return Referrer{
		ServiceID:       r.ServiceID,
		Requester:       r.Requester,
		User:            r.User,
		RootWorkflowID:  r.RootWorkflowID,
		ApplicationID:   r.ApplicationID,
		ApplicationName: r.ApplicationName,
		DeploymentName:  r.DeploymentName,
	}
}

// AnonymousAXRN synthesizes the axrn an anonymous volume requirement resolves
// to for this request.
func (r *FixtureRequest) AnonymousAXRN(refName string) string {
	if r.Requester == RequesterAXAMM {
		return AnonymousDeploymentAXRN(r.ApplicationName, r.DeploymentName, refName)
	}

	return AnonymousWorkflowAXRN(r.RootWorkflowID, r.ServiceID, refName)
}
