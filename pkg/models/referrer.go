package models

// Requester identities allowed on fixture requests.
const (
	RequesterWorkflowADC = "axworkflowadc"
	RequesterAXAMM       = "axamm"
)

// Referrer describes the requester currently holding a reservation slot on an
// instance or volume.
type Referrer struct {
	ServiceID       string `json:"service_id"`
	Requester       string `json:"requester"`
	User            string `json:"user,omitempty"`
	RootWorkflowID  string `json:"root_workflow_id,omitempty"`
	ApplicationID   string `json:"application_id,omitempty"`
	ApplicationName string `json:"application_name,omitempty"`
	DeploymentName  string `json:"deployment_name,omitempty"`
}

// Referrers is the shared reservation-slot list used by both FixtureInstance
// and Volume.
type Referrers []Referrer

func (rs Referrers) Has(serviceID string) bool {
	for _, r := range rs {
		if r.ServiceID == serviceID {
			return true
		}
	}

	return false
}

// Add appends ref unless its service id is already present. Reports whether
// the list changed.
func (rs *Referrers) Add(ref Referrer) bool {
	if rs.Has(ref.ServiceID) {
		return false
	}

	*rs = append(*rs, ref)

	return true
}

// Remove drops the referrer with the given service id. Reports whether the
// list changed.
func (rs *Referrers) Remove(serviceID string) bool {
	for i, r := range *rs {
		if r.ServiceID == serviceID {
			*rs = append((*rs)[:i], (*rs)[i+1:]...)

			return true
		}
	}

	return false
}

func (rs Referrers) ServiceIDs() []string {
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, r.ServiceID)
	}

	return ids
}
